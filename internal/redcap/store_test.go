package redcap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/redcap"
)

func record(event, instrument, subject string, instance models.Instance, field, value string) models.EAVRecord {
	return models.EAVRecord{
		Record:           subject,
		EventName:        event,
		RepeatInstrument: instrument,
		RepeatInstance:   instance,
		FieldName:        field,
		Value:            value,
	}
}

func TestBuildStore_EntityFallsBackToEventName(t *testing.T) {
	store := redcap.BuildStore([]models.EAVRecord{
		record("Enrollment", "", "P1", "", "first_name", "Jane"),
		record("Diagnoses", "Diagnosis Form", "P1", "1", "diagnosis_type", "Glioma"),
	})
	assert.Equal(t, []string{"Diagnosis Form", "Enrollment"}, store.Entities())
}

func TestBuildStore_InstanceDefaultsToOne(t *testing.T) {
	store := redcap.BuildStore([]models.EAVRecord{
		record("Enrollment", "", "P1", "", "first_name", "Jane"),
	})
	assert.Equal(t, []string{"1"}, store.Instances("Enrollment", "P1"))
}

func TestBuildStore_StudyIDNeverStored(t *testing.T) {
	store := redcap.BuildStore([]models.EAVRecord{
		record("Enrollment", "", "P1", "", "study_id", "P1"),
		record("Enrollment", "", "P1", "", "first_name", "Jane"),
	})
	assert.Equal(t, []string{"first_name"}, store.Fields("Enrollment", "P1", "1"))
}

func TestStore_ValueSetsCollapseDuplicates(t *testing.T) {
	store := redcap.BuildStore([]models.EAVRecord{
		record("Enrollment", "", "P1", "", "race", "White"),
		record("Enrollment", "", "P1", "", "race", "Asian"),
		record("Enrollment", "", "P1", "", "race", "White"),
	})
	assert.Equal(t, []string{"Asian", "White"}, store.Values("Enrollment", "P1", "1", "race"))
}

func TestStore_LookupsNeverCreateKeys(t *testing.T) {
	store := redcap.NewStore()
	require.Empty(t, store.Values("nope", "nope", "1", "nope"))
	require.Empty(t, store.Instances("nope", "nope"))
	assert.False(t, store.HasEntity("nope"))
	assert.Empty(t, store.Entities())
}
