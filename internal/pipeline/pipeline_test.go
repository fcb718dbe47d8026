package pipeline_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/config"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/pipeline"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/transform"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/warehouse"
)

type fakeSource struct {
	records  []models.EAVRecord
	metadata []models.FieldMetadata
	mappings []models.FormEventMapping
	info     models.ProjectInfo
	flatInfo map[string]string
	imported []models.ImportRecord
}

func (s *fakeSource) Records(context.Context) ([]models.EAVRecord, error) {
	return s.records, nil
}

func (s *fakeSource) Metadata(context.Context) ([]models.FieldMetadata, error) {
	return s.metadata, nil
}

func (s *fakeSource) FormEventMappings(context.Context) ([]models.FormEventMapping, error) {
	return s.mappings, nil
}

func (s *fakeSource) ProjectInfo(context.Context) (models.ProjectInfo, map[string]string, error) {
	return s.info, s.flatInfo, nil
}

func (s *fakeSource) SetRecords(_ context.Context, records []models.ImportRecord) (int, error) {
	s.imported = append(s.imported, records...)
	return len(records), nil
}

type fakeRegistry struct {
	subjects    []models.RegistrySubject
	createCalls int
}

func (r *fakeRegistry) GetSubjects(context.Context, string) ([]models.RegistrySubject, error) {
	return r.subjects, nil
}

func (r *fakeRegistry) CreateSubject(_ context.Context, _ string, _ int, _, _, _, _ string) (*models.CreateResult, error) {
	r.createCalls++
	return &models.CreateResult{Created: true, Body: map[string]any{"id": float64(99)}}, nil
}

type fakeWarehouse struct {
	schema   string
	replaced map[string]*models.Table
	masks    map[string][]warehouse.MaskRow
}

func (w *fakeWarehouse) EnsureSchema(_ context.Context, schema string) error {
	w.schema = schema
	return nil
}

func (w *fakeWarehouse) ReplaceTable(_ context.Context, _, name string, t *models.Table) error {
	if w.replaced == nil {
		w.replaced = make(map[string]*models.Table)
	}
	w.replaced[name] = t
	return nil
}

func (w *fakeWarehouse) UpsertMasks(_ context.Context, table string, rows []warehouse.MaskRow) error {
	if w.masks == nil {
		w.masks = make(map[string][]warehouse.MaskRow)
	}
	w.masks[table] = append(w.masks[table], rows...)
	return nil
}

func enrollmentRecords(subject string, fields map[string]string) []models.EAVRecord {
	var out []models.EAVRecord
	for field, value := range fields {
		out = append(out, models.EAVRecord{
			Record:    subject,
			EventName: "enrollment_arm_1",
			FieldName: field,
			Value:     value,
		})
	}
	return out
}

func studyMetadata() []models.FieldMetadata {
	return []models.FieldMetadata{
		{FieldName: "first_name", FormName: "enrollment", FieldType: "text", Identifier: "y"},
		{FieldName: "last_name", FormName: "enrollment", FieldType: "text", Identifier: "y"},
		{FieldName: "dob", FormName: "enrollment", FieldType: "text", TextValidation: "date_ymd"},
		{
			FieldName: "organization", FormName: "enrollment", FieldType: "dropdown",
			SelectChoices: "26, Hospital A | 52, Hospital B",
		},
		{FieldName: "external_id", FormName: "enrollment", FieldType: "text"},
		{FieldName: "mrn", FormName: "enrollment", FieldType: "text", Identifier: "y"},
		{FieldName: "enrollment_complete", FormName: "enrollment", FieldType: "text"},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		BRPProtocol:         "108",
		CIDMagicNumber:      1000,
		EnrollmentForm:      "enrollment",
		FirstNameField:      "first_name",
		LastNameField:       "last_name",
		DOBField:            "dob",
		OrganizationField:   "organization",
		OrganizationIDField: "external_id",
		Mask: []config.MaskSpec{
			{Field: "mrn", Domain: "medical_record_number", Table: "identifiers"},
		},
		CreateIfNew: true,
	}
}

func TestRun(t *testing.T) {
	records := enrollmentRecords("P1", map[string]string{
		"first_name":          "Ada",
		"last_name":           "Lovelace",
		"dob":                 "2010-04-01",
		"organization":        "Hospital A",
		"external_id":         "E1",
		"mrn":                 "MRN-1",
		"enrollment_complete": "Complete",
	})
	records = append(records, enrollmentRecords("P2", map[string]string{
		"first_name":          "Grace",
		"last_name":           "Hopper",
		"dob":                 "2011-09-15",
		"organization":        "Hospital A",
		"external_id":         "E2",
		"mrn":                 "MRN-2",
		"enrollment_complete": "Incomplete",
	})...)

	source := &fakeSource{
		records:  records,
		metadata: studyMetadata(),
		info:     models.ProjectInfo{ProjectID: json.Number("4321"), ProjectTitle: "Oligo Nation"},
		flatInfo: map[string]string{"project_id": "4321", "project_title": "Oligo Nation"},
	}
	registry := &fakeRegistry{
		subjects: []models.RegistrySubject{{ID: 7, Organization: 26, OrganizationSubjectID: "E1"}},
	}
	wh := &fakeWarehouse{}
	cfg := testConfig()
	auditPath := filepath.Join(t.TempDir(), "audit.xlsx")
	cfg.AuditWorkbook = auditPath

	p := pipeline.New(cfg, source, registry, wh, zap.NewNop())
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, "redcap_4321", wh.schema)

	table := wh.replaced["enrollment_arm_1"]
	require.NotNil(t, table)

	// P1 is already registered; P2's incomplete enrollment drops its row.
	require.Equal(t, 1, table.Len())
	assert.Equal(t, "P1", table.Get(0, "subject"))
	assert.Equal(t, "C7000", table.Get(0, "CID"))
	assert.Zero(t, registry.createCalls)

	// Raw identifiers and dates never reach the warehouse in the clear.
	assert.Equal(t, transform.RedactedPlaceholder, table.Get(0, "first_name"))
	assert.Equal(t, transform.RedactedPlaceholder, table.Get(0, "dob"))
	assert.Equal(t, "2010", table.Get(0, "dob_year"))
	assert.Equal(t, "0", table.Get(0, "dob_as_age"))

	// The masked field survives; its value lands in the mask table instead.
	assert.Equal(t, "MRN-1", table.Get(0, "mrn"))
	assert.Equal(t,
		[]warehouse.MaskRow{{Private: "MRN-1", Domain: "medical_record_number"}},
		wh.masks["identifiers"],
	)

	info := wh.replaced["redcap_project_info"]
	require.NotNil(t, info)
	assert.Equal(t, "Oligo Nation", info.Get(0, "project_title"))

	_, err := os.Stat(auditPath)
	assert.NoError(t, err)
}

func TestRun_FillMaskBackfillsNonRepeatingForm(t *testing.T) {
	source := &fakeSource{
		records: enrollmentRecords("P1", map[string]string{
			"first_name":          "Ada",
			"last_name":           "Lovelace",
			"dob":                 "2010-04-01",
			"organization":        "Hospital A",
			"external_id":         "E1",
			"enrollment_complete": "Complete",
		}),
		metadata: studyMetadata(),
		mappings: []models.FormEventMapping{
			{Form: "enrollment", UniqueEventName: "enrollment_arm_1"},
		},
		info:     models.ProjectInfo{ProjectID: json.Number("4321")},
		flatInfo: map[string]string{"project_id": "4321"},
	}
	registry := &fakeRegistry{
		subjects: []models.RegistrySubject{{ID: 7, Organization: 26, OrganizationSubjectID: "E1"}},
	}
	wh := &fakeWarehouse{}
	cfg := testConfig()
	cfg.Mask = nil
	cfg.FillMask = []config.MaskSpec{
		{Field: "mrn", Domain: "medical_record_number", Table: "identifiers"},
	}

	p := pipeline.New(cfg, source, registry, wh, zap.NewNop())
	require.NoError(t, p.Run(context.Background()))

	table := wh.replaced["enrollment_arm_1"]
	require.NotNil(t, table)
	require.Equal(t, 1, table.Len())

	// The generated id lands in the table, goes back to the study, and is
	// registered in the mask table.
	generated := table.Get(0, "mrn")
	require.NotEmpty(t, generated)
	require.Len(t, source.imported, 1)
	assert.Equal(t, "P1", source.imported[0].Record)
	assert.Equal(t, "enrollment_arm_1", source.imported[0].EventName)
	assert.Equal(t, "mrn", source.imported[0].FieldName)
	assert.Equal(t, generated, source.imported[0].Value)
	assert.Equal(t,
		[]warehouse.MaskRow{{Private: generated, Domain: "medical_record_number"}},
		wh.masks["identifiers"],
	)
}

func TestRun_SchemaOverride(t *testing.T) {
	source := &fakeSource{
		records: enrollmentRecords("P1", map[string]string{
			"first_name":          "Ada",
			"last_name":           "Lovelace",
			"dob":                 "2010-04-01",
			"organization":        "Hospital A",
			"external_id":         "E1",
			"mrn":                 "MRN-1",
			"enrollment_complete": "Complete",
		}),
		metadata: studyMetadata(),
		info:     models.ProjectInfo{ProjectID: json.Number("4321")},
		flatInfo: map[string]string{"project_id": "4321"},
	}
	registry := &fakeRegistry{
		subjects: []models.RegistrySubject{{ID: 7, Organization: 26, OrganizationSubjectID: "E1"}},
	}
	wh := &fakeWarehouse{}
	cfg := testConfig()
	cfg.SchemaOverride = "custom_schema"

	p := pipeline.New(cfg, source, registry, wh, zap.NewNop())
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, "custom_schema", wh.schema)
}

func TestRun_LinkToMissingTableIsFatal(t *testing.T) {
	source := &fakeSource{
		records: enrollmentRecords("P1", map[string]string{
			"first_name":          "Ada",
			"last_name":           "Lovelace",
			"dob":                 "2010-04-01",
			"organization":        "Hospital A",
			"external_id":         "E1",
			"enrollment_complete": "Complete",
		}),
		metadata: studyMetadata(),
	}
	wh := &fakeWarehouse{}
	cfg := testConfig()
	cfg.Links = []config.LinkSpec{{
		Left: "enrollment_arm_1", LeftOn: "dx_link", Right: "no_such_table", RightOn: "instance",
		NewColumn: "linked", FromColumns: []string{"a"},
	}}

	p := pipeline.New(cfg, source, &fakeRegistry{}, wh, zap.NewNop())
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_table")
	assert.Empty(t, wh.replaced)
}
