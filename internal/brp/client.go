// Package brp talks to the BRP-eHB subject registry.
package brp

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
)

// MissingValuesMessage is returned when a creation request is rejected
// locally before reaching the registry.
const MissingValuesMessage = "This subject is missing required values."

var retryStatuses = map[int]bool{500: true, 502: true, 503: true, 504: true}

// Client is a BRP-eHB API client for one protocol token.
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient creates a BRP client.
func NewClient(apiURL, token string, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(apiURL).
		SetTimeout(60*time.Second).
		SetRetryCount(5).
		SetRetryWaitTime(2*time.Second).
		SetRetryMaxWaitTime(60*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return retryStatuses[r.StatusCode()]
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "token "+token)

	return &Client{
		httpClient: httpClient,
		logger:     logger,
	}
}

// GetSubjects lists every subject the registry knows for the protocol.
func (c *Client) GetSubjects(ctx context.Context, protocol string) ([]models.RegistrySubject, error) {
	var subjects []models.RegistrySubject
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&subjects).
		Get(fmt.Sprintf("protocols/%s/subjects/", protocol))
	if err != nil {
		return nil, fmt.Errorf("failed to list registry subjects: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("registry returned %s listing subjects: %s", resp.Status(), resp.String())
	}
	c.logger.Info("Fetched registry subjects",
		zap.String("protocol", protocol),
		zap.Int("subject_count", len(subjects)),
	)
	return subjects, nil
}

// CreateSubject registers a new subject. Requests missing any required
// value are rejected locally without a network call; the registry would
// reject them anyway and the local message is deterministic. Transport
// errors are returned as errors; business rejections come back as a
// CreateResult with Created=false.
func (c *Client) CreateSubject(ctx context.Context, protocol string, organization int, organizationSubjectID, firstName, lastName, dob string) (*models.CreateResult, error) {
	if organization == 0 || organizationSubjectID == "" || firstName == "" || lastName == "" || dob == "" {
		return &models.CreateResult{
			Created:  false,
			Body:     map[string]any{},
			Messages: []string{MissingValuesMessage},
		}, nil
	}

	body := map[string]any{
		"first_name":              firstName,
		"last_name":               lastName,
		"organization_subject_id": organizationSubjectID,
		"dob":                     dob,
		"organization":            organization,
	}

	var result models.CreateResult
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post(fmt.Sprintf("protocols/%s/subjects/create", protocol))
	if err != nil {
		return nil, fmt.Errorf("failed to create registry subject: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("registry returned %s creating subject: %s", resp.Status(), resp.String())
	}
	if result.Malformed {
		c.logger.Warn("Registry creation response had unexpected shape",
			zap.String("protocol", protocol),
			zap.String("organization_subject_id", organizationSubjectID),
			zap.String("body", resp.String()),
		)
	}
	return &result, nil
}
