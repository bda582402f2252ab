package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/espejo-db/espejo/internal/schema"
)

// TableSync selects one table for replication.
type TableSync struct {
	Schema string `mapstructure:"schema" yaml:"schema" toml:"schema"`
	Name   string `mapstructure:"name" yaml:"name" toml:"name"`

	// Where is an optional row filter, applied identically on both
	// sides. Written as a bare predicate, e.g. "[IsActive] = 1".
	Where string `mapstructure:"where" yaml:"where" toml:"where"`

	// PrimaryKey overrides key autodetection with an explicit column
	// list. Required for tables without a primary key.
	PrimaryKey []string `mapstructure:"primary_key" yaml:"primary_key" toml:"primary_key"`

	// Selected gates participation in a run. Unset means selected, so
	// an entry can be parked with "selected: false" without losing its
	// filter or key override.
	Selected *bool `mapstructure:"selected" yaml:"selected" toml:"selected"`
}

// IsSelected reports whether the entry takes part in a run.
func (t TableSync) IsSelected() bool {
	return t.Selected == nil || *t.Selected
}

// Ref returns the table reference; schema defaults to dbo.
func (t TableSync) Ref() schema.TableRef {
	s := t.Schema
	if s == "" {
		s = "dbo"
	}
	return schema.TableRef{Schema: s, Name: t.Name}
}

// Plan is the ordered list of tables to replicate.
type Plan struct {
	Tables []TableSync `yaml:"tables" toml:"tables"`
}

// LoadPlan reads a plan document. The format follows the file
// extension: .yaml/.yml or .toml.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var p Plan
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse plan %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse plan %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("parse plan %s: unsupported extension %q (want .yaml, .yml or .toml)", path, ext)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}
	return &p, nil
}

// Validate rejects empty names and duplicate tables.
func (p *Plan) Validate() error {
	seen := make(map[string]bool, len(p.Tables))
	for i, t := range p.Tables {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("table %d has no name", i)
		}
		key := t.Ref().Key()
		if seen[key] {
			return fmt.Errorf("table %s listed twice", t.Ref())
		}
		seen[key] = true
	}
	return nil
}

// SelectedTables returns the entries whose selected flag is unset or
// true, preserving plan order.
func (p *Plan) SelectedTables() []TableSync {
	out := make([]TableSync, 0, len(p.Tables))
	for _, t := range p.Tables {
		if t.IsSelected() {
			out = append(out, t)
		}
	}
	return out
}

// Narrow keeps only the named tables (as "schema.table" or bare
// "table" strings), whether or not they are selected. Unknown names
// are an error; an empty list keeps everything.
func (p *Plan) Narrow(names []string) (*Plan, error) {
	if len(names) == 0 {
		return p, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		ref, err := schema.ParseRef(n)
		if err != nil {
			return nil, err
		}
		want[ref.Key()] = true
	}

	narrowed := &Plan{}
	for _, t := range p.Tables {
		if want[t.Ref().Key()] {
			narrowed.Tables = append(narrowed.Tables, t)
			delete(want, t.Ref().Key())
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for k := range want {
			missing = append(missing, k)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("tables not in plan: %s", strings.Join(missing, ", "))
	}
	return narrowed, nil
}
