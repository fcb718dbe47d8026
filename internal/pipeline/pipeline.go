// Package pipeline wires the ETL stages end to end: fetch, reshape, link,
// reconcile identities, de-identify, redact, load.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/config"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/reconcile"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/redcap"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/report"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/transform"
	"github.com/d3b-center/d3b-warehouse-redcap/internal/warehouse"
)

// Source is the records-service collaborator.
type Source interface {
	Records(ctx context.Context) ([]models.EAVRecord, error)
	Metadata(ctx context.Context) ([]models.FieldMetadata, error)
	FormEventMappings(ctx context.Context) ([]models.FormEventMapping, error)
	ProjectInfo(ctx context.Context) (models.ProjectInfo, map[string]string, error)
	SetRecords(ctx context.Context, records []models.ImportRecord) (int, error)
}

// Warehouse is the load collaborator.
type Warehouse interface {
	EnsureSchema(ctx context.Context, schema string) error
	ReplaceTable(ctx context.Context, schema, name string, t *models.Table) error
	UpsertMasks(ctx context.Context, table string, rows []warehouse.MaskRow) error
}

// Pipeline runs one batch export. Everything is sequential; a fatal error
// aborts before any table reaches the warehouse.
type Pipeline struct {
	cfg       *config.Config
	source    Source
	registry  reconcile.Registry
	warehouse Warehouse
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg *config.Config, source Source, registry reconcile.Registry, wh Warehouse, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		source:    source,
		registry:  registry,
		warehouse: wh,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes the whole pipeline.
func (p *Pipeline) Run(ctx context.Context) error {
	records, err := p.source.Records(ctx)
	if err != nil {
		return err
	}
	metadata, err := p.source.Metadata(ctx)
	if err != nil {
		return err
	}
	mappings, err := p.source.FormEventMappings(ctx)
	if err != nil {
		return err
	}

	store := redcap.BuildStore(records)
	tables := models.NewTableSet()
	for _, entity := range store.Entities() {
		t, err := redcap.Project(store, entity)
		if err != nil {
			return err
		}
		redcap.DropConstantInstance(t)
		tables.Add(entity, t)
	}
	for _, union := range p.cfg.Unions {
		t, err := redcap.Project(store, union.Entities...)
		if err != nil {
			return err
		}
		redcap.DropConstantInstance(t)
		tables.Add(union.Name, t)
	}
	p.logger.Info("Projected instrument tables", zap.Int("table_count", tables.Len()))

	if len(p.cfg.FillMask) > 0 {
		fields := make([]string, 0, len(p.cfg.FillMask))
		for _, m := range p.cfg.FillMask {
			fields = append(fields, m.Field)
		}
		if err := transform.Backfill(ctx, p.source, tables, metadata, mappings, fields, p.logger); err != nil {
			return err
		}
	}

	for _, link := range p.cfg.Links {
		left := tables.Get(link.Left)
		right := tables.Get(link.Right)
		if left == nil || right == nil {
			return fmt.Errorf("link %s -> %s refers to a table that does not exist", link.Left, link.Right)
		}
		tables.Add(link.Left, transform.DeriveLinkedColumn(
			left, right, link.LeftOn, link.RightOn, link.NewColumn, link.FromColumns, redcap.Separator,
		))
	}

	// The registry wants raw organization codes; the export carries
	// labels. Swap for reconciliation, swap back after, in case the
	// readable values survive redaction policy later.
	choiceMap := redcap.SelectorChoiceMap(metadata)[p.cfg.OrganizationField]
	p.swapColumn(tables, p.cfg.OrganizationField, invert(choiceMap))

	reconciler := reconcile.New(p.registry, reconcile.Options{
		Protocol:             p.cfg.BRPProtocol,
		EnrollmentForm:       p.cfg.EnrollmentForm,
		FirstNameField:       p.cfg.FirstNameField,
		LastNameField:        p.cfg.LastNameField,
		DOBField:             p.cfg.DOBField,
		OrganizationField:    p.cfg.OrganizationField,
		OrganizationIDField:  p.cfg.OrganizationIDField,
		OrganizationOverride: p.cfg.OrganizationOverride,
		MagicNumber:          p.cfg.CIDMagicNumber,
		CreateIfNew:          p.cfg.CreateIfNew,
		KeepUnmapped:         p.cfg.KeepUnmapped,
	}, p.logger)
	outcomes, err := reconciler.Reconcile(ctx, tables)
	if err != nil {
		return err
	}

	p.swapColumn(tables, p.cfg.OrganizationField, choiceMap)

	dateFields := redcap.DateFields(metadata)
	if err := transform.SafeDates(tables, dateFields, p.cfg.DOBField, p.now(), p.logger); err != nil {
		return err
	}

	redactions := transform.Redact(tables, p.redactSet(metadata, dateFields), p.logger)

	maskRows := p.collectMaskRows(tables)

	info, flatInfo, err := p.source.ProjectInfo(ctx)
	if err != nil {
		return err
	}
	tables.Add("redcap_project_info", tableFromMap(flatInfo))

	schema := p.cfg.SchemaOverride
	if schema == "" {
		schema = "redcap_" + info.ProjectIDString()
	}

	if err := p.warehouse.EnsureSchema(ctx, schema); err != nil {
		return err
	}
	maskTables := make([]string, 0, len(maskRows))
	for table := range maskRows {
		maskTables = append(maskTables, table)
	}
	sort.Strings(maskTables)
	for _, table := range maskTables {
		if err := p.warehouse.UpsertMasks(ctx, table, maskRows[table]); err != nil {
			return err
		}
	}
	for _, name := range tables.Names() {
		if err := p.warehouse.ReplaceTable(ctx, schema, name, tables.Get(name)); err != nil {
			return err
		}
	}

	if p.cfg.AuditWorkbook != "" {
		if err := report.WriteAudit(p.cfg.AuditWorkbook, outcomes, redactions); err != nil {
			return err
		}
		p.logger.Info("Wrote audit workbook", zap.String("path", p.cfg.AuditWorkbook))
	}

	p.logger.Info("Pipeline complete",
		zap.String("schema", schema),
		zap.Int("table_count", tables.Len()),
		zap.Int("subject_count", len(outcomes)),
	)
	return nil
}

// redactSet is everything that must not reach the warehouse in the clear:
// identifier, date, and note fields from the data dictionary, explicitly
// requested fields, and the raw PII used for reconciliation, minus fields
// held out because a mask table preserves them.
func (p *Pipeline) redactSet(metadata []models.FieldMetadata, dateFields []string) map[string]bool {
	fields := make(map[string]bool)
	for _, f := range redcap.IdentifierFields(metadata) {
		fields[f] = true
	}
	for _, f := range dateFields {
		fields[f] = true
	}
	for _, f := range redcap.NoteFields(metadata) {
		fields[f] = true
	}
	for _, f := range p.cfg.Redact {
		fields[f] = true
	}
	for _, f := range []string{
		p.cfg.FirstNameField,
		p.cfg.LastNameField,
		p.cfg.DOBField,
		p.cfg.OrganizationIDField,
		p.cfg.OrganizationField,
	} {
		fields[f] = true
	}
	for f := range p.cfg.MaskFields() {
		delete(fields, f)
	}
	return fields
}

// collectMaskRows gathers the private values of every masked field across
// all tables, grouped by destination mask table.
func (p *Pipeline) collectMaskRows(tables *models.TableSet) map[string][]warehouse.MaskRow {
	rows := make(map[string][]warehouse.MaskRow)
	seen := make(map[string]map[string]bool)
	for _, spec := range p.cfg.AllMasks() {
		for _, name := range tables.Names() {
			t := tables.Get(name)
			if !t.HasColumn(spec.Field) {
				continue
			}
			for i := 0; i < t.Len(); i++ {
				v := t.Get(i, spec.Field)
				if v == "" {
					continue
				}
				if seen[spec.Table] == nil {
					seen[spec.Table] = make(map[string]bool)
				}
				if seen[spec.Table][v] {
					continue
				}
				seen[spec.Table][v] = true
				rows[spec.Table] = append(rows[spec.Table], warehouse.MaskRow{Private: v, Domain: spec.Domain})
			}
		}
	}
	return rows
}

// swapColumn maps every cell of the named column through m, where present.
func (p *Pipeline) swapColumn(tables *models.TableSet, column string, m map[string]string) {
	if len(m) == 0 {
		return
	}
	for _, name := range tables.Names() {
		t := tables.Get(name)
		if !t.HasColumn(column) {
			continue
		}
		for i := 0; i < t.Len(); i++ {
			if v, ok := m[t.Get(i, column)]; ok {
				t.Set(i, column, v)
			}
		}
	}
}

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// tableFromMap builds a single-row table with sorted columns.
func tableFromMap(values map[string]string) *models.Table {
	cols := make([]string, 0, len(values))
	for k := range values {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	t := models.NewTable(cols...)
	t.AddRow(values)
	return t
}
