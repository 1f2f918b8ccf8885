// Package bundle holds the in-memory aggregate this system validates: all
// schema documents, data documents, and resource records of one repository
// snapshot, plus the record-type catalog derived from its catalog section.
//
// A loaded bundle is logically immutable. The two sanctioned exceptions are
// the postprocess patch points: checksum/identifier schema properties and
// resource backref lists.
package bundle

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/davidahmann/bundlecheck/core/catalog"
	"github.com/davidahmann/bundlecheck/core/errors"
)

// SchemaKey is the document property naming the schema that governs it.
const SchemaKey = "$schema"

// Backref records that a document references a resource, with the dot/bracket
// path of the referencing field.
type Backref struct {
	Path           string `json:"path"`
	DatafileSchema string `json:"datafileSchema"`
	JSONPath       string `json:"jsonpath"`
}

// Resource is one opaque file carried alongside the data documents. Schema is
// the sniffed front-matter declaration; nil means the resource is not subject
// to validation. Backrefs starts empty and is assigned exactly once by the
// postprocessor.
type Resource struct {
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Schema    *string   `json:"$schema"`
	Sha256Sum string    `json:"sha256sum"`
	Backrefs  []Backref `json:"backrefs"`
}

// Bundle is the aggregate of one validation run.
type Bundle struct {
	Schemas            map[string]map[string]any `json:"schemas"`
	Graphql            any                       `json:"graphql"`
	Data               map[string]map[string]any `json:"data"`
	Resources          map[string]*Resource      `json:"resources"`
	GitCommit          string                    `json:"git_commit"`
	GitCommitTimestamp string                    `json:"git_commit_timestamp"`

	Types *catalog.Catalog `json:"-"`
}

// Load decodes a bundle from its JSON serialization and builds the type
// catalog. Failure here aborts the run; nothing downstream can be trusted
// without a well-formed bundle.
func Load(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, errors.Wrap(
			fmt.Errorf("decode bundle: %w", err),
			errors.CategoryInvalidBundle, "bundle_decode", "check that the bundle file is valid JSON")
	}
	if err := b.init(); err != nil {
		return nil, err
	}
	return &b, nil
}

// New assembles a bundle from already-decoded sections. Used by the
// assembly collaborator and by tests.
func New(graphql any, schemas, data map[string]map[string]any, resources map[string]*Resource) (*Bundle, error) {
	b := &Bundle{
		Schemas:   schemas,
		Graphql:   graphql,
		Data:      data,
		Resources: resources,
	}
	if err := b.init(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bundle) init() error {
	if b.Schemas == nil {
		b.Schemas = map[string]map[string]any{}
	}
	if b.Data == nil {
		b.Data = map[string]map[string]any{}
	}
	if b.Resources == nil {
		b.Resources = map[string]*Resource{}
	}
	types, err := catalog.New(b.Graphql)
	if err != nil {
		return err
	}
	b.Types = types
	return nil
}

// DeclaredSchema returns the schema path a document names, or "" when the
// declaration is absent. Absence is a validation finding, never a crash.
func DeclaredSchema(doc map[string]any) string {
	s, _ := doc[SchemaKey].(string)
	return s
}

// SchemaDoc returns the in-bundle schema document at path, or nil.
func (b *Bundle) SchemaDoc(path string) map[string]any {
	return b.Schemas[path]
}

// Document returns the data document at path, or nil.
func (b *Bundle) Document(path string) map[string]any {
	return b.Data[path]
}

// Dump serializes the bundle back to compact JSON, backrefs and injected
// fields included.
func (b *Bundle) Dump(w io.Writer) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	return nil
}
