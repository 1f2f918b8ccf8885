// Package catalog indexes the nominal record-type layer of a bundle: named
// types, their fields, and the rules that resolve abstract interface types to
// concrete subtypes at data-read time.
package catalog

import (
	"fmt"
	"sort"

	"github.com/davidahmann/bundlecheck/core/errors"
)

// Field is one declared field of a record type.
type Field struct {
	Name            string
	Type            string
	IsUnique        bool
	IsContextUnique bool
	DatafileSchema  string
}

// ContextUnique reports whether the field participates in context-level
// uniqueness. Global uniqueness implies context uniqueness.
func (f Field) ContextUnique() bool {
	return f.IsUnique || f.IsContextUnique
}

// InterfaceResolve describes how an interface type is narrowed to a concrete
// subtype: read the discriminator field from the data and map its value to a
// type name.
type InterfaceResolve struct {
	Strategy string
	Field    string
	FieldMap map[string]string
}

// RecordType is one named type from the catalog.
type RecordType struct {
	Name     string
	Datafile string
	Fields   map[string]Field
	Resolve  *InterfaceResolve
}

func (t *RecordType) IsInterface() bool {
	return t.Resolve != nil
}

func (t *RecordType) Field(name string) (Field, bool) {
	f, ok := t.Fields[name]
	return f, ok
}

// ContextUniqueFieldNames returns the sorted names of all unique or
// context-unique fields of the type.
func (t *RecordType) ContextUniqueFieldNames() []string {
	var names []string
	for name, f := range t.Fields {
		if f.ContextUnique() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// SubType resolves an interface discriminator value to the concrete subtype
// name, or "" when the value has no mapping.
func (t *RecordType) SubType(discriminator string) string {
	if t.Resolve == nil {
		return ""
	}
	return t.Resolve.FieldMap[discriminator]
}

// Catalog holds the name-indexed and schema-indexed registries.
type Catalog struct {
	byName   map[string]*RecordType
	bySchema map[string]*RecordType
	topLevel map[string]bool
}

// queryTypeName is the root type whose fields declare, per top-level schema
// path, which record type governs documents of that schema.
const queryTypeName = "Query"

// New builds a catalog from the decoded catalog section of a bundle: either
// a JSON array of type definitions or an object carrying a "confs" array.
// Any other shape is a construction error, not a validation finding.
func New(raw any) (*Catalog, error) {
	confs, err := confsOf(raw)
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		byName:   map[string]*RecordType{},
		bySchema: map[string]*RecordType{},
		topLevel: map[string]bool{},
	}
	for _, entry := range confs {
		def, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		t := parseType(def)
		if t.Name == "" {
			continue
		}
		if _, exists := c.byName[t.Name]; exists {
			return nil, errors.Wrap(
				fmt.Errorf("record type %q defined more than once", t.Name),
				errors.CategoryInvalidCatalog, "catalog_duplicate_type", "type names must be unique")
		}
		c.byName[t.Name] = t
	}

	// First source of the schema index: each type's own backing document.
	for _, t := range c.byName {
		if t.Datafile != "" {
			c.bySchema[t.Datafile] = t
		}
	}
	// Second source: the root query type's per-field schema declarations.
	// Both sources are additive but must agree where they overlap.
	if q, ok := c.byName[queryTypeName]; ok {
		for _, f := range q.Fields {
			if f.DatafileSchema == "" {
				continue
			}
			target := c.byName[f.Type]
			if target == nil {
				continue
			}
			if existing, ok := c.bySchema[f.DatafileSchema]; ok && existing != target {
				return nil, errors.Wrap(
					fmt.Errorf("schema %q mapped to both %q and %q", f.DatafileSchema, existing.Name, target.Name),
					errors.CategoryInvalidCatalog, "catalog_schema_conflict",
					"datafile markers and query declarations must agree")
			}
			c.bySchema[f.DatafileSchema] = target
			c.topLevel[f.DatafileSchema] = true
		}
	}
	return c, nil
}

func confsOf(raw any) ([]any, error) {
	switch g := raw.(type) {
	case []any:
		return g, nil
	case map[string]any:
		if confs, ok := g["confs"].([]any); ok {
			return confs, nil
		}
	}
	return nil, errors.Wrap(
		fmt.Errorf("catalog must be a list of type definitions or an object with a confs list"),
		errors.CategoryInvalidCatalog, "catalog_shape", "check the bundle's graphql section")
}

func parseType(def map[string]any) *RecordType {
	t := &RecordType{
		Name:     stringAt(def, "name"),
		Datafile: stringAt(def, "datafile"),
		Fields:   map[string]Field{},
	}
	if ir, ok := def["interfaceResolve"].(map[string]any); ok {
		t.Resolve = &InterfaceResolve{
			Strategy: stringAt(ir, "strategy"),
			Field:    stringAt(ir, "field"),
			FieldMap: stringMapAt(ir, "fieldMap"),
		}
	}
	fields, _ := def["fields"].([]any)
	for _, entry := range fields {
		fm, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name := stringAt(fm, "name")
		if name == "" {
			continue
		}
		t.Fields[name] = Field{
			Name:            name,
			Type:            stringAt(fm, "type"),
			IsUnique:        boolAt(fm, "isUnique"),
			IsContextUnique: boolAt(fm, "isContextUnique"),
			DatafileSchema:  stringAt(fm, "datafileSchema"),
		}
	}
	return t
}

// ByName returns the record type with the given name, or nil.
func (c *Catalog) ByName(name string) *RecordType {
	return c.byName[name]
}

// BySchema returns the record type governing documents of the given
// top-level schema path, or nil when the schema has no mapped type.
func (c *Catalog) BySchema(schemaPath string) *RecordType {
	return c.bySchema[schemaPath]
}

// IsTopLevelSchema reports whether the schema path is declared by the root
// query type.
func (c *Catalog) IsTopLevelSchema(schemaPath string) bool {
	return c.topLevel[schemaPath]
}

// Types returns all record types sorted by name.
func (c *Catalog) Types() []*RecordType {
	out := make([]*RecordType, 0, len(c.byName))
	for _, t := range c.byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolAt(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func stringMapAt(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
