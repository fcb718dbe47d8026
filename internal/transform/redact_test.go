package transform_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/transform"
)

func TestRedact_BlanksEveryTableCarryingTheField(t *testing.T) {
	tables := models.NewTableSet()
	enrollment := models.NewTable("subject", "dob")
	enrollment.AddRow(map[string]string{"subject": "P1", "dob": "2000-01-01"})
	tables.Add("enrollment", enrollment)
	treatment := models.NewTable("subject", "notes")
	treatment.AddRow(map[string]string{"subject": "P1", "notes": "free text"})
	tables.Add("treatment", treatment)

	lines := transform.Redact(tables, map[string]bool{"dob": true, "notes": true}, zap.NewNop())

	assert.Equal(t, transform.RedactedPlaceholder, enrollment.Get(0, "dob"))
	assert.Equal(t, transform.RedactedPlaceholder, treatment.Get(0, "notes"))
	// the column survives, only values are blanked
	assert.True(t, enrollment.HasColumn("dob"))

	require.Equal(t, []string{
		"Redacting enrollment.dob",
		"Redacting treatment.notes",
	}, lines)
}

func TestRedact_AuditLinesAreSortedForReproducibility(t *testing.T) {
	tables := models.NewTableSet()
	zz := models.NewTable("subject", "alpha")
	zz.AddRow(map[string]string{"subject": "P1", "alpha": "x"})
	tables.Add("zz_last", zz)
	aa := models.NewTable("subject", "beta")
	aa.AddRow(map[string]string{"subject": "P1", "beta": "y"})
	tables.Add("aa_first", aa)

	lines := transform.Redact(tables, map[string]bool{"alpha": true, "beta": true}, zap.NewNop())
	require.Equal(t, []string{
		"Redacting aa_first.beta",
		"Redacting zz_last.alpha",
	}, lines)
}

func TestRedact_AbsentFieldProducesNoLine(t *testing.T) {
	tables := models.NewTableSet()
	tables.Add("enrollment", models.NewTable("subject"))
	lines := transform.Redact(tables, map[string]bool{"dob": true}, zap.NewNop())
	assert.Empty(t, lines)
}
