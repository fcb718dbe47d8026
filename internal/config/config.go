// Package config resolves the pipeline configuration from CLI arguments
// and the environment. Secrets are named by environment keys on the
// command line rather than passed as values.
package config

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// MaskSpec names a field whose values are masked behind a warehouse id
// table: FIELD=DOMAIN=TABLE.
type MaskSpec struct {
	Field  string
	Domain string
	Table  string
}

// UnionSpec projects the union of several entities into one named table:
// NAME=ENTITY1+ENTITY2. Used for studies that split subject-level data
// across sibling instruments sharing subjects.
type UnionSpec struct {
	Name     string
	Entities []string
}

// LinkSpec derives a composite column on a left table from a joined right
// table: LEFT=LEFT_ON=RIGHT=RIGHT_ON=NEW_COLUMN=COL1+COL2+...
type LinkSpec struct {
	Left        string
	LeftOn      string
	Right       string
	RightOn     string
	NewColumn   string
	FromColumns []string
}

// Config is the single explicit configuration value threaded through the
// pipeline; nothing reads the environment after Parse returns.
type Config struct {
	RedcapAPIURL string
	RedcapToken  string
	BRPAPIURL    string
	BRPToken     string
	BRPProtocol  string

	CIDMagicNumber int
	WarehouseURL   string
	SchemaOverride string

	EnrollmentForm       string
	FirstNameField       string
	LastNameField        string
	DOBField             string
	OrganizationField    string
	OrganizationIDField  string
	OrganizationOverride *int

	Redact   []string
	Mask     []MaskSpec
	FillMask []MaskSpec
	Unions   []UnionSpec
	Links    []LinkSpec

	CreateIfNew  bool
	KeepUnmapped bool

	AuditWorkbook string
	LogLevel      string
	LogFormat     string
}

// MaskFields returns the set of fields covered by --mask and --fillmask;
// these are excluded from redaction because the mask tables handle them.
func (c *Config) MaskFields() map[string]bool {
	fields := make(map[string]bool)
	for _, m := range c.Mask {
		fields[m.Field] = true
	}
	for _, m := range c.FillMask {
		fields[m.Field] = true
	}
	return fields
}

// AllMasks returns --mask and --fillmask specs together; fillmask fields
// get masked like any other after being backfilled.
func (c *Config) AllMasks() []MaskSpec {
	out := make([]MaskSpec, 0, len(c.Mask)+len(c.FillMask))
	out = append(out, c.Mask...)
	out = append(out, c.FillMask...)
	return out
}

// maskSplit tolerates spaces and underscores hugging the separators.
var maskSplit = regexp.MustCompile("_*=_*")

// ParseMaskSpec parses FIELD=DOMAIN=TABLE.
func ParseMaskSpec(s string) (MaskSpec, error) {
	parts := maskSplit.Split(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"), -1)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return MaskSpec{}, fmt.Errorf("value %q must be in the form FIELD=DOMAIN_FOR_VALUE=WAREHOUSE_ID_TABLE", s)
	}
	return MaskSpec{Field: parts[0], Domain: parts[1], Table: parts[2]}, nil
}

// ParseUnionSpec parses NAME=ENTITY1+ENTITY2.
func ParseUnionSpec(s string) (UnionSpec, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return UnionSpec{}, fmt.Errorf("value %q must be in the form NAME=ENTITY1+ENTITY2", s)
	}
	entities := strings.Split(parts[1], "+")
	for _, e := range entities {
		if e == "" {
			return UnionSpec{}, fmt.Errorf("value %q has an empty entity", s)
		}
	}
	return UnionSpec{Name: parts[0], Entities: entities}, nil
}

// ParseLinkSpec parses LEFT=LEFT_ON=RIGHT=RIGHT_ON=NEW_COLUMN=COL1+COL2.
func ParseLinkSpec(s string) (LinkSpec, error) {
	parts := strings.Split(strings.TrimSpace(s), "=")
	if len(parts) != 6 {
		return LinkSpec{}, fmt.Errorf("value %q must be in the form LEFT=LEFT_ON=RIGHT=RIGHT_ON=NEW_COLUMN=COL1+COL2", s)
	}
	from := strings.Split(parts[5], "+")
	for _, c := range parts[:5] {
		if c == "" {
			return LinkSpec{}, fmt.Errorf("value %q has an empty component", s)
		}
	}
	for _, c := range from {
		if c == "" {
			return LinkSpec{}, fmt.Errorf("value %q has an empty component", s)
		}
	}
	return LinkSpec{
		Left:        parts[0],
		LeftOn:      parts[1],
		Right:       parts[2],
		RightOn:     parts[3],
		NewColumn:   parts[4],
		FromColumns: from,
	}, nil
}

// stringList is a repeatable plain-string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// maskList is a repeatable FIELD=DOMAIN=TABLE flag.
type maskList []MaskSpec

func (l *maskList) String() string {
	parts := make([]string, len(*l))
	for i, m := range *l {
		parts[i] = m.Field + "=" + m.Domain + "=" + m.Table
	}
	return strings.Join(parts, ",")
}

func (l *maskList) Set(v string) error {
	spec, err := ParseMaskSpec(v)
	if err != nil {
		return err
	}
	*l = append(*l, spec)
	return nil
}

// unionList is a repeatable union-spec flag.
type unionList []UnionSpec

func (l *unionList) String() string { return fmt.Sprintf("%d union(s)", len(*l)) }

func (l *unionList) Set(v string) error {
	spec, err := ParseUnionSpec(v)
	if err != nil {
		return err
	}
	*l = append(*l, spec)
	return nil
}

// linkList is a repeatable link-spec flag.
type linkList []LinkSpec

func (l *linkList) String() string { return fmt.Sprintf("%d link(s)", len(*l)) }

func (l *linkList) Set(v string) error {
	spec, err := ParseLinkSpec(v)
	if err != nil {
		return err
	}
	*l = append(*l, spec)
	return nil
}

// Parse builds the configuration from CLI args. The five positional
// arguments name environment keys: REDCap token, BRP token, BRP protocol,
// CID magic number, and warehouse URL.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("warehouse-redcap", flag.ContinueOnError)

	fs.StringVar(&cfg.RedcapAPIURL, "redcap_api_url", "https://redcap-api.chop.edu/api/", "REDCap API url")
	fs.StringVar(&cfg.BRPAPIURL, "brp_api_url", "https://brp.research.chop.edu/api/", "BRP API url")
	fs.StringVar(&cfg.EnrollmentForm, "redcap_enrollment_form", "enrollment", "REDCap form with subject enrollment details")
	fs.StringVar(&cfg.FirstNameField, "redcap_firstname_field", "first_name", "enrollment field with the subject's first name")
	fs.StringVar(&cfg.LastNameField, "redcap_lastname_field", "last_name", "enrollment field with the subject's last name")
	fs.StringVar(&cfg.DOBField, "redcap_dob_field", "dob", "enrollment field with the subject's date of birth")
	fs.StringVar(&cfg.OrganizationField, "redcap_organization_field", "organization", "enrollment field with the subject's identifying organization")
	orgOverride := fs.String("redcap_organization_override_value", "", "registry code for the organization when not present in REDCap")
	fs.StringVar(&cfg.OrganizationIDField, "redcap_id_within_organization_field", "external_id", "enrollment field with the subject's id within the organization")
	fs.StringVar(&cfg.SchemaOverride, "schema_name", "", "override the destination schema name (default redcap_<project_id>)")
	fs.StringVar(&cfg.AuditWorkbook, "audit_workbook", "", "write a run-audit xlsx workbook to this path")
	fs.StringVar(&cfg.LogLevel, "log_level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log_format", "json", "log format: json or console")

	var redact stringList
	var mask, fillmask maskList
	var unions unionList
	var links linkList
	fs.Var(&redact, "redact", "redact this REDCap field (repeatable)")
	fs.Var(&mask, "mask", "FIELD=DOMAIN=TABLE field to mask behind a warehouse id table (repeatable)")
	fs.Var(&fillmask, "fillmask", "FIELD=DOMAIN=TABLE field to backfill with generated ids before masking (repeatable)")
	fs.Var(&unions, "union", "NAME=ENTITY1+ENTITY2 project the union of entities into one table (repeatable)")
	fs.Var(&links, "link", "LEFT=LEFT_ON=RIGHT=RIGHT_ON=NEW_COLUMN=COL1+COL2 derived linked column (repeatable)")

	onlyExisting := fs.Bool("only_warehouse_if_cid_already_exists", false, "only warehouse subjects that already have CIDs")
	fs.BoolVar(&cfg.KeepUnmapped, "keep_unmapped_subjects", false, "keep rows of unmapped subjects with an empty CID instead of dropping them")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 5 {
		return nil, fmt.Errorf(
			"expected 5 positional arguments (redcap_token_env_key brp_token_env_key brp_protocol cid_magic_number_env_key warehouse_url_env_key), got %d",
			fs.NArg(),
		)
	}

	positional := fs.Args()
	var err error
	if cfg.RedcapToken, err = requireEnv(positional[0]); err != nil {
		return nil, err
	}
	if cfg.BRPToken, err = requireEnv(positional[1]); err != nil {
		return nil, err
	}
	cfg.BRPProtocol = positional[2]
	magic, err := requireEnv(positional[3])
	if err != nil {
		return nil, err
	}
	if cfg.CIDMagicNumber, err = strconv.Atoi(magic); err != nil {
		return nil, fmt.Errorf("CID magic number in %s is not an integer: %w", positional[3], err)
	}
	if cfg.WarehouseURL, err = requireEnv(positional[4]); err != nil {
		return nil, err
	}

	if *orgOverride != "" {
		v, err := strconv.Atoi(*orgOverride)
		if err != nil {
			return nil, fmt.Errorf("organization override value %q is not an integer: %w", *orgOverride, err)
		}
		cfg.OrganizationOverride = &v
	}

	cfg.Redact = redact
	cfg.Mask = mask
	cfg.FillMask = fillmask
	cfg.Unions = unions
	cfg.Links = links
	cfg.CreateIfNew = !*onlyExisting
	return cfg, nil
}

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", key)
	}
	return v, nil
}
