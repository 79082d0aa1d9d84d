package recipient

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

// MapDirectory is an in-memory Directory keyed by contact id.
type MapDirectory map[string]model.Contact

func NewMapDirectory(contacts ...model.Contact) MapDirectory {
	d := make(MapDirectory, len(contacts))
	for _, c := range contacts {
		d[c.ID] = c
	}
	return d
}

func (d MapDirectory) Lookup(id string) (model.Contact, bool) {
	c, ok := d[id]
	return c, ok
}

// Contacts returns the entries sorted by name, then id.
func (d MapDirectory) Contacts() []model.Contact {
	out := make([]model.Contact, 0, len(d))
	for _, c := range d {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type directoryFile struct {
	Contacts []model.Contact `yaml:"contacts"`
}

// LoadDirectory reads a YAML contact list of the form
//
//	contacts:
//	  - id: c1
//	    name: Anna
//	    phone: "+36 30 123 4567"
//	    mail: anna@example.com
func LoadDirectory(path string) (MapDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	return ParseDirectory(raw)
}

func ParseDirectory(raw []byte) (MapDirectory, error) {
	var f directoryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}
	d := make(MapDirectory, len(f.Contacts))
	for i, c := range f.Contacts {
		if c.ID == "" {
			return nil, fmt.Errorf("contact #%d has no id", i+1)
		}
		if _, dup := d[c.ID]; dup {
			return nil, fmt.Errorf("duplicate contact id %q", c.ID)
		}
		d[c.ID] = c
	}
	return d, nil
}
