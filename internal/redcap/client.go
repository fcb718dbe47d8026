// Package redcap talks to the REDCap API and reshapes its EAV record export
// into per-instrument tables.
package redcap

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
)

// retryStatuses are the upstream failure codes worth retrying; anything
// else fails fast.
var retryStatuses = map[int]bool{500: true, 502: true, 503: true, 504: true}

// Client is a REDCap study API client. The API is a single endpoint that
// multiplexes on a form-encoded "content" selector.
type Client struct {
	httpClient *resty.Client
	token      string
	logger     *zap.Logger
}

// NewClient creates a REDCap client for one study token.
func NewClient(apiURL, token string, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(apiURL).
		SetTimeout(120 * time.Second).
		SetRetryCount(5).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(60 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return retryStatuses[r.StatusCode()]
		})

	return &Client{
		httpClient: httpClient,
		token:      token,
		logger:     logger,
	}
}

// export performs one API call and returns the raw JSON body.
func (c *Client) export(ctx context.Context, content string, extra map[string]string) ([]byte, error) {
	form := map[string]string{
		"token":        c.token,
		"content":      content,
		"format":       "json",
		"returnFormat": "json",
	}
	for k, v := range extra {
		form[k] = v
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetFormData(form).
		Post("")
	if err != nil {
		return nil, fmt.Errorf("failed to call REDCap API (content=%s): %w", content, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("REDCap API returned %s for content=%s: %s", resp.Status(), content, resp.String())
	}
	return resp.Body(), nil
}

// Records fetches the full EAV record export with labeled values.
func (c *Client) Records(ctx context.Context) ([]models.EAVRecord, error) {
	body, err := c.export(ctx, "record", map[string]string{
		"type":                   "eav",
		"rawOrLabel":             "label",
		"exportSurveyFields":     "false",
		"exportDataAccessGroups": "false",
	})
	if err != nil {
		return nil, err
	}
	var records []models.EAVRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal EAV records: %w", err)
	}
	c.logger.Info("Fetched REDCap EAV records", zap.Int("record_count", len(records)))
	return records, nil
}

// Metadata fetches the study data dictionary.
func (c *Client) Metadata(ctx context.Context) ([]models.FieldMetadata, error) {
	body, err := c.export(ctx, "metadata", nil)
	if err != nil {
		return nil, err
	}
	var metadata []models.FieldMetadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data dictionary: %w", err)
	}
	return metadata, nil
}

// FormEventMappings fetches the instrument-to-event mapping.
func (c *Client) FormEventMappings(ctx context.Context) ([]models.FormEventMapping, error) {
	body, err := c.export(ctx, "formEventMapping", nil)
	if err != nil {
		return nil, err
	}
	var mappings []models.FormEventMapping
	if err := json.Unmarshal(body, &mappings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal form-event mappings: %w", err)
	}
	return mappings, nil
}

// RepeatingForms fetches the set of repeatable instrument names.
func (c *Client) RepeatingForms(ctx context.Context) (map[string]bool, error) {
	body, err := c.export(ctx, "repeatingFormsEvents", nil)
	if err != nil {
		return nil, err
	}
	var entries []struct {
		FormName string `json:"form_name"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal repeating forms: %w", err)
	}
	repeating := make(map[string]bool, len(entries))
	for _, e := range entries {
		repeating[e.FormName] = true
	}
	return repeating, nil
}

// Events fetches the study's event definitions.
func (c *Client) Events(ctx context.Context) ([]map[string]any, error) {
	body, err := c.export(ctx, "event", nil)
	if err != nil {
		return nil, err
	}
	var events []map[string]any
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	return events, nil
}

// Instruments fetches the study's instrument list.
func (c *Client) Instruments(ctx context.Context) ([]map[string]any, error) {
	body, err := c.export(ctx, "instrument", nil)
	if err != nil {
		return nil, err
	}
	var instruments []map[string]any
	if err := json.Unmarshal(body, &instruments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instruments: %w", err)
	}
	return instruments, nil
}

// ProjectInfo fetches project settings, both as the typed subset the
// pipeline keys on and as flat strings for the project-info table.
func (c *Client) ProjectInfo(ctx context.Context) (models.ProjectInfo, map[string]string, error) {
	body, err := c.export(ctx, "project", nil)
	if err != nil {
		return models.ProjectInfo{}, nil, err
	}

	var info models.ProjectInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return models.ProjectInfo{}, nil, fmt.Errorf("failed to unmarshal project info: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return models.ProjectInfo{}, nil, fmt.Errorf("failed to unmarshal project info: %w", err)
	}
	flat := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			flat[k] = s
		} else if string(v) == "null" {
			flat[k] = ""
		} else {
			flat[k] = string(v)
		}
	}
	return info, flat, nil
}

// SetRecords imports EAV records back into the study and returns how many
// records REDCap reports as written. Used for backfilling generated ids.
func (c *Client) SetRecords(ctx context.Context, records []models.ImportRecord) (int, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal import records: %w", err)
	}
	body, err := c.export(ctx, "record", map[string]string{
		"type":              "eav",
		"overwriteBehavior": "normal",
		"data":              string(data),
	})
	if err != nil {
		return 0, err
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("failed to unmarshal import result: %w", err)
	}
	c.logger.Info("Imported records into REDCap", zap.Int("count", result.Count))
	return result.Count, nil
}
