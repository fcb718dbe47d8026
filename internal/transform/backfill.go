package transform

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/redcap"
)

// RecordWriter writes generated field values back to the records service.
type RecordWriter interface {
	SetRecords(ctx context.Context, records []models.ImportRecord) (int, error)
}

// Backfill fills each listed field with a generated id wherever it is
// empty, then imports the new values back into the study so the same rows
// keep the same ids on the next run. Fields that cannot be resolved to an
// instrument and event are a configuration error.
func Backfill(ctx context.Context, writer RecordWriter, tables *models.TableSet, metadata []models.FieldMetadata, mappings []models.FormEventMapping, fields []string, logger *zap.Logger) error {
	var records []models.ImportRecord

	for _, field := range fields {
		form := redcap.FormOfField(metadata, field)
		if form == "" {
			return fmt.Errorf("backfill field %q is not in the data dictionary", field)
		}
		event := ""
		for _, m := range mappings {
			if m.Form == form {
				event = m.UniqueEventName
				break
			}
		}
		if event == "" {
			return fmt.Errorf("backfill field %q: instrument %q is not mapped to an event", field, form)
		}
		// Repeating instruments project under the form name; non-repeating
		// ones project under their event name.
		t := tables.Get(form)
		if t == nil {
			t = tables.Get(event)
		}
		if t == nil {
			return fmt.Errorf("backfill field %q: no table for instrument %q or event %q", field, form, event)
		}

		t.AddColumn(field)
		for i := 0; i < t.Len(); i++ {
			if t.Get(i, field) != "" {
				continue
			}
			value := uuid.New().String()
			t.Set(i, field, value)

			instance := ""
			instrument := ""
			if t.HasColumn("instance") {
				if inst := t.Get(i, "instance"); inst != "" {
					instance = inst
					instrument = form
				}
			}
			records = append(records, models.ImportRecord{
				Record:           t.Get(i, "subject"),
				EventName:        event,
				RepeatInstrument: instrument,
				RepeatInstance:   instance,
				FieldName:        field,
				Value:            value,
			})
		}
	}

	if len(records) == 0 {
		logger.Info("No new backfill values to send")
		return nil
	}
	count, err := writer.SetRecords(ctx, records)
	if err != nil {
		return fmt.Errorf("failed to send backfill values: %w", err)
	}
	logger.Info("Sent new backfill values",
		zap.Int("generated", len(records)),
		zap.Int("written", count),
	)
	return nil
}
