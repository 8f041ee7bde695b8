package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nidhogg/standards-retrieval/internal/task"
)

// DefaultPriority applies to disciplines that do not set one.
const DefaultPriority = 5

type taxonomyFile struct {
	Disciplines []task.Discipline `yaml:"disciplines"`
}

// Taxonomy is the immutable set of known disciplines.
type Taxonomy struct {
	order []string
	byID  map[string]task.Discipline
}

// LoadTaxonomy reads the discipline list from a YAML file.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy %s: %w", path, err)
	}
	return ParseTaxonomy(data)
}

// ParseTaxonomy decodes and validates taxonomy YAML.
func ParseTaxonomy(data []byte) (*Taxonomy, error) {
	var f taxonomyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &Error{Field: "taxonomy", Msg: "malformed YAML", Err: err}
	}
	return NewTaxonomy(f.Disciplines)
}

// NewTaxonomy validates ids and priorities (1-10, lower runs first).
func NewTaxonomy(ds []task.Discipline) (*Taxonomy, error) {
	t := &Taxonomy{byID: make(map[string]task.Discipline, len(ds))}
	for _, d := range ds {
		if d.ID == "" {
			return nil, &Error{Field: "taxonomy", Msg: "discipline id is required"}
		}
		if _, dup := t.byID[d.ID]; dup {
			return nil, &Error{Field: "taxonomy", Msg: fmt.Sprintf("duplicate discipline %q", d.ID)}
		}
		if d.Priority == 0 {
			d.Priority = DefaultPriority
		}
		if d.Priority < 1 || d.Priority > 10 {
			return nil, &Error{Field: "taxonomy", Msg: fmt.Sprintf("discipline %q: priority %d outside 1-10", d.ID, d.Priority)}
		}
		if d.Name == "" {
			d.Name = d.ID
		}
		t.byID[d.ID] = d
		t.order = append(t.order, d.ID)
	}
	return t, nil
}

// Lookup returns a discipline by id.
func (t *Taxonomy) Lookup(id string) (task.Discipline, bool) {
	d, ok := t.byID[id]
	return d, ok
}

// Resolve maps ids to disciplines, failing on the first unknown id.
func (t *Taxonomy) Resolve(ids []string) ([]task.Discipline, error) {
	if len(ids) == 0 {
		return nil, &Error{Field: "disciplines", Msg: "at least one discipline is required"}
	}
	out := make([]task.Discipline, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		d, ok := t.byID[id]
		if !ok {
			return nil, &Error{Field: "disciplines", Msg: fmt.Sprintf("unknown discipline %q", id)}
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, d)
	}
	return out, nil
}

// All returns every discipline in file order.
func (t *Taxonomy) All() []task.Discipline {
	out := make([]task.Discipline, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// Map returns the disciplines keyed by id.
func (t *Taxonomy) Map() map[string]task.Discipline {
	out := make(map[string]task.Discipline, len(t.byID))
	for k, v := range t.byID {
		out[k] = v
	}
	return out
}
