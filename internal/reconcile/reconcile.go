// Package reconcile resolves every study subject against the external
// identity registry, creating registry records where allowed, and rewrites
// the output tables with the resulting linkage codes.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
)

// Registry is the identity registry collaborator.
type Registry interface {
	GetSubjects(ctx context.Context, protocol string) ([]models.RegistrySubject, error)
	CreateSubject(ctx context.Context, protocol string, organization int, organizationSubjectID, firstName, lastName, dob string) (*models.CreateResult, error)
}

// Status is a subject's terminal reconciliation state.
type Status string

const (
	StatusAlreadyRegistered  Status = "already_registered"
	StatusNewlyCreated       Status = "newly_created"
	StatusCreationFailed     Status = "creation_failed"
	StatusNotEnrolled        Status = "not_enrolled"
	StatusNotFoundNotCreated Status = "not_found_and_not_created"
)

// Outcome records where one subject ended up. CID is empty for every
// status other than already_registered and newly_created.
type Outcome struct {
	Subject string
	Status  Status
	CID     string
}

// Options configures field names and policy for one reconciliation run.
type Options struct {
	Protocol            string
	EnrollmentForm      string
	FirstNameField      string
	LastNameField       string
	DOBField            string
	OrganizationField   string
	OrganizationIDField string

	// OrganizationOverride supplies the registry organization code when the
	// study has no organization field.
	OrganizationOverride *int

	// MagicNumber scales registry ids into linkage codes. It must stay
	// injective over the id range in use; the pipeline cannot verify that.
	MagicNumber int

	// CreateIfNew submits unknown subjects to the registry instead of
	// leaving them unmapped.
	CreateIfNew bool

	// KeepUnmapped leaves rows of unmapped subjects in the tables with an
	// empty CID instead of dropping them.
	KeepUnmapped bool
}

// Reconciler runs the per-subject identity state machine.
type Reconciler struct {
	registry Registry
	opts     Options
	logger   *zap.Logger
}

func New(registry Registry, opts Options, logger *zap.Logger) *Reconciler {
	return &Reconciler{registry: registry, opts: opts, logger: logger}
}

// ident is the registry lookup key.
type ident struct {
	org       int
	subjectID string
}

// requiredFields lists every subject field reconciliation depends on.
func (r *Reconciler) requiredFields() map[string]bool {
	fields := map[string]bool{
		r.opts.OrganizationIDField:          true,
		r.opts.EnrollmentForm + "_complete": true,
	}
	if r.opts.OrganizationOverride == nil {
		fields[r.opts.OrganizationField] = true
	}
	if r.opts.CreateIfNew {
		fields[r.opts.FirstNameField] = true
		fields[r.opts.LastNameField] = true
		fields[r.opts.DOBField] = true
	}
	return fields
}

// collectSubjects gathers the required fields for every subject across the
// union of all tables. If any required field appears in no table at all,
// the field configuration is wrong and the whole run must stop.
func (r *Reconciler) collectSubjects(tables *models.TableSet) (map[string]map[string]string, error) {
	required := r.requiredFields()
	subjects := make(map[string]map[string]string)
	found := make(map[string]bool)

	for _, name := range tables.Names() {
		t := tables.Get(name)
		for field := range required {
			if !t.HasColumn(field) {
				continue
			}
			found[field] = true
			for i := 0; i < t.Len(); i++ {
				subject := t.Get(i, "subject")
				if subjects[subject] == nil {
					subjects[subject] = make(map[string]string)
				}
				subjects[subject][field] = t.Get(i, field)
			}
		}
	}

	if len(found) != len(required) {
		var missing []string
		for field := range required {
			if !found[field] {
				missing = append(missing, field)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf(
			"cannot use the registry without the right enrollment fields, are these correct: %s",
			strings.Join(missing, ", "),
		)
	}
	return subjects, nil
}

// cid turns a registry id into the externally-facing linkage code.
func (r *Reconciler) cid(id int) string {
	return fmt.Sprintf("C%d", r.opts.MagicNumber*id)
}

// Reconcile fetches the registry snapshot once, resolves every subject
// against it, writes the CID column into every table, and (by default)
// drops rows of subjects with no mapping. Registry transport failures are
// fatal; a per-subject creation rejection only excludes that subject.
func (r *Reconciler) Reconcile(ctx context.Context, tables *models.TableSet) ([]Outcome, error) {
	subjects, err := r.collectSubjects(tables)
	if err != nil {
		return nil, err
	}

	existing := make(map[ident]int)
	registrySubjects, err := r.registry.GetSubjects(ctx, r.opts.Protocol)
	if err != nil {
		return nil, err
	}
	for _, s := range registrySubjects {
		existing[ident{s.Organization, s.OrganizationSubjectID}] = s.ID
	}

	names := make([]string, 0, len(subjects))
	for s := range subjects {
		names = append(names, s)
	}
	sort.Strings(names)

	mapping := make(map[string]string)
	outcomes := make([]Outcome, 0, len(names))
	for _, subject := range names {
		outcome, err := r.resolve(ctx, subject, subjects[subject], existing)
		if err != nil {
			return nil, err
		}
		if outcome.CID != "" {
			mapping[subject] = outcome.CID
		}
		outcomes = append(outcomes, outcome)
	}

	for _, name := range tables.Names() {
		t := tables.Get(name)
		t.AddColumn("CID")
		for i := 0; i < t.Len(); i++ {
			t.Set(i, "CID", mapping[t.Get(i, "subject")])
		}
		if !r.opts.KeepUnmapped {
			t.Filter(func(i int) bool { return t.Get(i, "CID") != "" })
		}
	}
	return outcomes, nil
}

// resolve runs the state machine for one subject.
func (r *Reconciler) resolve(ctx context.Context, subject string, fields map[string]string, existing map[ident]int) (Outcome, error) {
	org, orgOK := r.organization(fields)
	orgSubjectID := fields[r.opts.OrganizationIDField]
	complete := fields[r.opts.EnrollmentForm+"_complete"]

	if !orgOK || orgSubjectID == "" || complete != "Complete" {
		r.logger.Info("Subject enrollment not complete",
			zap.String("subject", subject),
			zap.String("enrollment_status", complete),
		)
		return Outcome{Subject: subject, Status: StatusNotEnrolled}, nil
	}

	key := ident{org, orgSubjectID}
	if id, ok := existing[key]; ok {
		r.logger.Info("Subject already in registry",
			zap.String("subject", subject),
			zap.Int("registry_id", id),
		)
		return Outcome{Subject: subject, Status: StatusAlreadyRegistered, CID: r.cid(id)}, nil
	}

	if !r.opts.CreateIfNew {
		r.logger.Info("Subject not found in registry and will not be warehoused",
			zap.String("subject", subject),
		)
		return Outcome{Subject: subject, Status: StatusNotFoundNotCreated}, nil
	}

	r.logger.Info("Submitting subject to registry", zap.String("subject", subject))
	created, err := r.registry.CreateSubject(
		ctx, r.opts.Protocol, org, orgSubjectID,
		fields[r.opts.FirstNameField],
		fields[r.opts.LastNameField],
		fields[r.opts.DOBField],
	)
	if err != nil {
		return Outcome{}, err
	}

	if created.Created {
		id, ok := created.SubjectID()
		if !ok {
			r.logger.Warn("Registry accepted subject but returned no id",
				zap.String("subject", subject),
				zap.Any("body", created.Body),
			)
			return Outcome{Subject: subject, Status: StatusCreationFailed}, nil
		}
		existing[key] = id
		r.logger.Info("Created subject in registry",
			zap.String("subject", subject),
			zap.Int("registry_id", id),
		)
		return Outcome{Subject: subject, Status: StatusNewlyCreated, CID: r.cid(id)}, nil
	}

	r.logger.Warn("Registry rejected subject creation",
		zap.String("subject", subject),
		zap.Strings("messages", created.Messages),
		zap.Any("body", created.Body),
		zap.Bool("malformed_response", created.Malformed),
	)
	return Outcome{Subject: subject, Status: StatusCreationFailed}, nil
}

// organization resolves the registry organization code for a subject.
func (r *Reconciler) organization(fields map[string]string) (int, bool) {
	if r.opts.OrganizationOverride != nil {
		return *r.opts.OrganizationOverride, true
	}
	org, err := strconv.Atoi(strings.TrimSpace(fields[r.opts.OrganizationField]))
	if err != nil || org == 0 {
		return 0, false
	}
	return org, true
}
