// Package manifest describes what the sync job manages: tables in load order,
// the relations and policies they need, the fixed trigger list and the storage
// buckets to replicate.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultManifest []byte

// Manifest is the full description of a sync job
type Manifest struct {
	Schema      string       `yaml:"schema"`
	CustomTypes []string     `yaml:"customTypes"`
	Tables      []Table      `yaml:"tables"`
	ForeignKeys []ForeignKey `yaml:"foreignKeys"`
	Policies    Policies     `yaml:"policies"`
	Triggers    []Trigger    `yaml:"triggers"`
	Buckets     []string     `yaml:"buckets"`
}

// Table is one managed table
type Table struct {
	Name        string   `yaml:"name"`
	PrimaryKey  []string `yaml:"primaryKey"`
	OwnerColumn string   `yaml:"ownerColumn"`
}

// Key returns the primary key columns, defaulting to id
func (t Table) Key() []string {
	if len(t.PrimaryKey) == 0 {
		return []string{"id"}
	}
	return t.PrimaryKey
}

// ForeignKey is a named single-column foreign key
type ForeignKey struct {
	Name      string `yaml:"name"`
	Table     string `yaml:"table"`
	Column    string `yaml:"column"`
	RefTable  string `yaml:"refTable"`
	RefColumn string `yaml:"refColumn"`
	OnDelete  string `yaml:"onDelete"`
}

// Policies holds the expressions used to build the fixed policy set
type Policies struct {
	CurrentUser string `yaml:"currentUser"`
	AdminCheck  string `yaml:"adminCheck"`
}

// Trigger is one entry of the fixed trigger list
type Trigger struct {
	Name     string   `yaml:"name"`
	Table    string   `yaml:"table"`
	Timing   string   `yaml:"timing"`
	Events   []string `yaml:"events"`
	Function string   `yaml:"function"`
}

// Default returns the embedded manifest
func Default() (*Manifest, error) {
	return Parse(defaultManifest)
}

// Load reads a manifest from path, or the embedded default when path is empty
func Load(path string) (*Manifest, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a manifest
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Schema == "" {
		m.Schema = "public"
	}
	if m.Policies.CurrentUser == "" {
		m.Policies.CurrentUser = "auth.uid()"
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

var (
	onDeleteActions = map[string]bool{"": true, "cascade": true, "set null": true, "set default": true, "restrict": true, "no action": true}
	triggerTimings  = map[string]bool{"before": true, "after": true}
	triggerEvents   = map[string]bool{"insert": true, "update": true, "delete": true, "truncate": true}
)

// Validate checks that every reference in the manifest points at a managed table
func (m *Manifest) Validate() error {
	if len(m.Tables) == 0 {
		return fmt.Errorf("manifest: no tables")
	}

	seen := make(map[string]bool, len(m.Tables))
	for i, t := range m.Tables {
		if t.Name == "" {
			return fmt.Errorf("manifest: tables[%d].name is empty", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("manifest: table %s listed twice", t.Name)
		}
		seen[t.Name] = true
	}

	for i, fk := range m.ForeignKeys {
		if fk.Name == "" || fk.Column == "" || fk.RefColumn == "" {
			return fmt.Errorf("manifest: foreignKeys[%d] is incomplete", i)
		}
		if !seen[fk.Table] || !seen[fk.RefTable] {
			return fmt.Errorf("manifest: foreign key %s references an unmanaged table", fk.Name)
		}
		if !onDeleteActions[strings.ToLower(fk.OnDelete)] {
			return fmt.Errorf("manifest: foreign key %s has invalid onDelete %q", fk.Name, fk.OnDelete)
		}
	}

	for i, tr := range m.Triggers {
		if tr.Name == "" || tr.Function == "" {
			return fmt.Errorf("manifest: triggers[%d] is incomplete", i)
		}
		if !seen[tr.Table] {
			return fmt.Errorf("manifest: trigger %s is on unmanaged table %s", tr.Name, tr.Table)
		}
		if !triggerTimings[strings.ToLower(tr.Timing)] {
			return fmt.Errorf("manifest: trigger %s has invalid timing %q", tr.Name, tr.Timing)
		}
		if len(tr.Events) == 0 {
			return fmt.Errorf("manifest: trigger %s has no events", tr.Name)
		}
		for _, ev := range tr.Events {
			if !triggerEvents[strings.ToLower(ev)] {
				return fmt.Errorf("manifest: trigger %s has invalid event %q", tr.Name, ev)
			}
		}
	}

	for i, b := range m.Buckets {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("manifest: buckets[%d] is empty", i)
		}
	}
	return nil
}

// TableNames returns the managed tables in load order
func (m *Manifest) TableNames() []string {
	names := make([]string, len(m.Tables))
	for i, t := range m.Tables {
		names[i] = t.Name
	}
	return names
}

// UniqueTargets returns the distinct (table, column) pairs referenced by foreign keys
func (m *Manifest) UniqueTargets() [][2]string {
	seen := make(map[[2]string]bool)
	var out [][2]string
	for _, fk := range m.ForeignKeys {
		key := [2]string{fk.RefTable, fk.RefColumn}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}
