package rule

import (
	"bytes"
	"context"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/logger"
	"github.com/teranos/recurra/pulse/recurrence"
)

// File is the on-disk rule file format, in YAML or TOML:
//
//	rules:
//	  - name: Acme retainer
//	    kind: INVOICE
//	    cadence: MONTHLY
//	    options: {dayOfMonth: 1}
//	    startDate: "2025-01-01"
//	    template: {counterparty: Acme, amount: "300.00"}
type File struct {
	Rules []FileRule `yaml:"rules" toml:"rules"`
}

// FileRule is one rule in a File. Dates are YYYY-MM-DD strings.
type FileRule struct {
	Name      string             `yaml:"name" toml:"name"`
	Kind      string             `yaml:"kind" toml:"kind"`
	Cadence   string             `yaml:"cadence" toml:"cadence"`
	Options   recurrence.Options `yaml:"options,omitempty" toml:"options,omitempty"`
	StartDate string             `yaml:"startDate" toml:"startDate"`
	EndDate   string             `yaml:"endDate,omitempty" toml:"endDate,omitempty"`
	Template  Template           `yaml:"template" toml:"template"`
}

// Definition converts the file entry into a validated Definition.
func (f FileRule) Definition() (Definition, error) {
	kind, err := ParseKind(f.Kind)
	if err != nil {
		return Definition{}, err
	}
	cadence, err := recurrence.ParseCadence(f.Cadence)
	if err != nil {
		return Definition{}, err
	}
	start, err := recurrence.ParseDate(f.StartDate)
	if err != nil {
		return Definition{}, errors.Mark(errors.Wrap(err, "startDate"), errors.ErrInvalidRequest)
	}

	def := Definition{
		Name:      strings.TrimSpace(f.Name),
		Kind:      kind,
		Cadence:   cadence,
		Options:   f.Options,
		StartDate: start,
		Template:  f.Template,
	}
	if f.EndDate != "" {
		end, err := recurrence.ParseDate(f.EndDate)
		if err != nil {
			return Definition{}, errors.Mark(errors.Wrap(err, "endDate"), errors.ErrInvalidRequest)
		}
		def.EndDate = &end
	}
	return def, def.Validate()
}

// ParseFile reads a rule file, choosing the format by extension.
func ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".toml":
		return ParseTOML(data)
	default:
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("unsupported rule file %s", path),
			"rule files must end in .yaml, .yml or .toml")
	}
}

// ParseYAML decodes a YAML rule file. Unknown keys are rejected.
func ParseYAML(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to parse YAML rule file"), errors.ErrInvalidRequest)
	}
	return &f, nil
}

// ParseTOML decodes a TOML rule file ([[rules]] tables). Unknown keys are rejected.
func ParseTOML(data []byte) (*File, error) {
	var f File
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to parse TOML rule file"), errors.ErrInvalidRequest)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.NewInvalidRequestError("unknown key %s in TOML rule file", undecoded[0].String())
	}
	return &f, nil
}

// ImportResult lists rule IDs by what the import did to them.
type ImportResult struct {
	Created   []string
	Updated   []string
	Unchanged []string
}

// Import applies a rule file. Rules are matched by name: new names are
// created, existing live rules are edited when their definition differs.
// Every entry is validated before anything is written.
func (m *Manager) Import(ctx context.Context, f *File, now time.Time) (*ImportResult, error) {
	defs := make([]Definition, 0, len(f.Rules))
	seen := make(map[string]bool, len(f.Rules))
	for i, fr := range f.Rules {
		def, err := fr.Definition()
		if err != nil {
			return nil, errors.Wrapf(err, "rule %d (%q)", i+1, fr.Name)
		}
		if seen[def.Name] {
			return nil, errors.NewInvalidRequestError("rule %d: duplicate name %q", i+1, def.Name)
		}
		seen[def.Name] = true
		defs = append(defs, def)
	}

	res := &ImportResult{}
	for _, def := range defs {
		existing, err := m.store.GetByName(ctx, def.Name)
		switch {
		case errors.IsNotFoundError(err):
			r, err := m.Create(ctx, def, now)
			if err != nil {
				return res, errors.Wrapf(err, "failed to import %q", def.Name)
			}
			res.Created = append(res.Created, r.ID)

		case err != nil:
			return res, err

		case definitionEqual(existing.Definition(), def):
			res.Unchanged = append(res.Unchanged, existing.ID)

		default:
			if _, err := m.Edit(ctx, existing.ID, def, now); err != nil {
				return res, errors.Wrapf(err, "failed to import %q", def.Name)
			}
			res.Updated = append(res.Updated, existing.ID)
		}
	}

	m.log.Infow("Rules imported",
		"created", len(res.Created),
		"updated", len(res.Updated),
		"unchanged", len(res.Unchanged),
		logger.FieldCount, len(defs),
	)
	return res, nil
}

func definitionEqual(a, b Definition) bool {
	r := Rule{Cadence: a.Cadence, Options: a.Options, StartDate: recurrence.Normalize(a.StartDate)}
	return a.Name == b.Name &&
		a.Kind == b.Kind &&
		!r.scheduleChanged(b) &&
		datesEqual(a.EndDate, b.EndDate) &&
		templateEqual(a.Template, b.Template)
}

func datesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return recurrence.Normalize(*a).Equal(recurrence.Normalize(*b))
}

func templateEqual(a, b Template) bool {
	return a.Counterparty == b.Counterparty &&
		a.Amount.Equal(b.Amount) &&
		a.Description == b.Description &&
		a.Category == b.Category &&
		a.Reference == b.Reference &&
		maps.Equal(a.Extra, b.Extra)
}
