package transform_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/transform"
)

var testNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func deidTables(dob string) *models.TableSet {
	tables := models.NewTableSet()
	enrollment := models.NewTable("subject", "dob")
	enrollment.AddRow(map[string]string{"subject": "P1", "dob": dob})
	tables.Add("enrollment", enrollment)

	treatment := models.NewTable("subject", "visit_date")
	treatment.AddRow(map[string]string{"subject": "P1", "visit_date": "2020-03-15"})
	tables.Add("treatment", treatment)
	return tables
}

func TestSafeDates_DerivesYearAndAgeInDays(t *testing.T) {
	tables := deidTables("2000-01-01")
	err := transform.SafeDates(tables, []string{"visit_date", "dob"}, "dob", testNow, zap.NewNop())
	require.NoError(t, err)

	treatment := tables.Get("treatment")
	assert.Equal(t, "2020-03-15", treatment.Get(0, "visit_date"))
	assert.Equal(t, "2020", treatment.Get(0, "visit_date_year"))
	// 2000-01-01 .. 2020-03-15 is 7379 days
	assert.Equal(t, "7379", treatment.Get(0, "visit_date_as_age"))
}

func TestSafeDates_AgeCeilingDiscardsDates(t *testing.T) {
	tables := deidTables("1900-01-01")
	err := transform.SafeDates(tables, []string{"visit_date"}, "dob", testNow, zap.NewNop())
	require.NoError(t, err)

	treatment := tables.Get("treatment")
	assert.Equal(t, "", treatment.Get(0, "visit_date"))
	assert.Equal(t, "", treatment.Get(0, "visit_date_year"))
	assert.Equal(t, "", treatment.Get(0, "visit_date_as_age"))
}

func TestSafeDates_AgeCeilingBoundary(t *testing.T) {
	// 90th birthday is exactly today: already at the ceiling
	tables := deidTables("1934-06-01")
	err := transform.SafeDates(tables, []string{"visit_date"}, "dob", testNow, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "", tables.Get("treatment").Get(0, "visit_date"))

	// one day younger stays below it
	tables = deidTables("1934-06-02")
	err = transform.SafeDates(tables, []string{"visit_date"}, "dob", testNow, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "2020-03-15", tables.Get("treatment").Get(0, "visit_date"))
}

func TestSafeDates_UnparseableDatesBecomeMissing(t *testing.T) {
	tables := deidTables("2000-01-01")
	tables.Get("treatment").Set(0, "visit_date", "sometime last spring")
	err := transform.SafeDates(tables, []string{"visit_date"}, "dob", testNow, zap.NewNop())
	require.NoError(t, err)

	treatment := tables.Get("treatment")
	assert.Equal(t, "", treatment.Get(0, "visit_date"))
	assert.Equal(t, "", treatment.Get(0, "visit_date_as_age"))
}

func TestSafeDates_UnknownDOBDiscardsDates(t *testing.T) {
	tables := deidTables("")
	err := transform.SafeDates(tables, []string{"visit_date"}, "dob", testNow, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "", tables.Get("treatment").Get(0, "visit_date"))
}

func TestSafeDates_NoDOBTableIsFatal(t *testing.T) {
	tables := models.NewTableSet()
	tables.Add("treatment", models.NewTable("subject", "visit_date"))
	err := transform.SafeDates(tables, []string{"visit_date"}, "dob", testNow, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dob")
}
