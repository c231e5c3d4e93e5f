// Package registry maps physical table names to the entity or resource they store.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

var ErrEmpty = errors.New("registry: no tables registered")

type Kind string

const (
	KindEntity   Kind = "entity"
	KindResource Kind = "resource"
)

// Entry is either an Entity or a Resource.
type Entry interface {
	Kind() Kind
	Table() string
	Type() string
	isEntry()
}

type Entity struct {
	TableName  string
	EntityType string
	// Product entities are sequenced and counted per organization.
	Product bool
}

func (e Entity) Kind() Kind    { return KindEntity }
func (e Entity) Table() string { return e.TableName }
func (e Entity) Type() string  { return e.EntityType }
func (Entity) isEntry()        {}

type Resource struct {
	TableName    string
	ResourceType string
}

func (r Resource) Kind() Kind    { return KindResource }
func (r Resource) Table() string { return r.TableName }
func (r Resource) Type() string  { return r.ResourceType }
func (Resource) isEntry()        {}

type TableDef struct {
	Table   string `json:"table" toml:"table"`
	Type    string `json:"type" toml:"type"`
	Product bool   `json:"product" toml:"product"`
}

type Schema struct {
	Entities  []TableDef `json:"entities" toml:"entities"`
	Resources []TableDef `json:"resources" toml:"resources"`
}

type Registry struct {
	entries map[string]Entry
}

// New builds the registry. Table names must be unique across entities and resources.
func New(schema Schema) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(schema.Entities)+len(schema.Resources))}

	add := func(entry Entry) error {
		if strings.TrimSpace(entry.Table()) == "" || strings.TrimSpace(entry.Type()) == "" {
			return fmt.Errorf("registry: %s needs both table and type", entry.Kind())
		}
		if existing, ok := r.entries[entry.Table()]; ok {
			return fmt.Errorf("registry: table %s registered twice (%s.%s and %s.%s)",
				entry.Table(), existing.Kind(), existing.Type(), entry.Kind(), entry.Type())
		}
		r.entries[entry.Table()] = entry
		return nil
	}

	for _, def := range schema.Entities {
		if err := add(Entity{TableName: def.Table, EntityType: def.Type, Product: def.Product}); err != nil {
			return nil, err
		}
	}
	for _, def := range schema.Resources {
		if def.Product {
			return nil, fmt.Errorf("registry: resource %s cannot be a product", def.Type)
		}
		if err := add(Resource{TableName: def.Table, ResourceType: def.Type}); err != nil {
			return nil, err
		}
	}

	if len(r.entries) == 0 {
		return nil, ErrEmpty
	}
	return r, nil
}

func (r *Registry) Lookup(table string) (Entry, bool) {
	entry, ok := r.entries[table]
	return entry, ok
}

// Tables returns the registered table names, sorted.
func (r *Registry) Tables() []string {
	tables := lo.Keys(r.entries)
	sort.Strings(tables)
	return tables
}

func (r *Registry) Len() int {
	return len(r.entries)
}
