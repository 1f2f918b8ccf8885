// Package postprocess runs the single pre-validation pass over a bundle: it
// builds the resource back-reference index, computes content-addressed
// uniqueness identifiers for context-unique groups, and patches the affected
// schema fragments so the injected fields are themselves schema-valid.
//
// Postprocessing must complete before validation starts, and re-running it on
// an already-patched bundle is idempotent.
package postprocess

import (
	"sort"

	"github.com/davidahmann/bundlecheck/core/bundle"
	"github.com/davidahmann/bundlecheck/core/jcs"
	"github.com/davidahmann/bundlecheck/core/jsonpath"
	"github.com/davidahmann/bundlecheck/core/traverse"
)

const (
	// IdentifierField is the reserved data key holding a group's computed
	// uniqueness identifier.
	IdentifierField = "__identifier"
	// MetaSchema is the root meta-schema path; schema documents governed by it
	// receive the checksum property declaration.
	MetaSchema = "/metaschema-1.json"
)

func checksumFieldSchema() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "sha256sum of the datafile",
	}
}

func identifierFieldSchema() map[string]any {
	return map[string]any{"type": "string"}
}

// GroupKey addresses one context-uniqueness group. Sibling groups key on the
// enclosing array element's path expression; cross-document groups key on the
// referenced document with an empty expression. The two shapes are
// deliberately kept asymmetric.
type GroupKey struct {
	Path     string
	JSONPath string
}

// Group is one context-uniqueness group: the object receiving the identifier,
// the schema fragment (and union root, if any) to patch, and the accumulated
// set of unique field names. Doc and Collection record where the group was
// referenced from: the containing document and the path expression of the
// enclosing array. The validator collides groups on them.
type Group struct {
	Schema    map[string]any
	OneOfRoot map[string]any
	Data      map[string]any
	Props      map[string]struct{}
	Doc        string
	Collection string
}

// FieldNames returns the group's unique field names, sorted.
func (g *Group) FieldNames() []string {
	names := make([]string, 0, len(g.Props))
	for name := range g.Props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Identifier computes the group's stable identifier: a digest over the
// canonical JSON object mapping each unique field name to its value, absent
// fields carried as explicit nulls. Returns "" when every value is null,
// meaning no identifier is injected.
func (g *Group) Identifier() (string, error) {
	values := map[string]any{}
	populated := false
	for name := range g.Props {
		v, ok := g.Data[name]
		if !ok {
			v = nil
		}
		if v != nil {
			populated = true
		}
		values[name] = v
	}
	if !populated {
		return "", nil
	}
	return jcs.DigestValue(values)
}

// Postprocess runs the pass: checksum schema patch (skipped when
// checksumField is empty), back-reference index assignment, and identifier
// injection. Each side effect is applied exactly once.
func Postprocess(b *bundle.Bundle, checksumField string) error {
	if checksumField != "" {
		patchChecksumField(b, checksumField)
	}

	backrefs := map[string][]bundle.Backref{}
	groups := map[GroupKey]*Group{}
	for n := range traverse.Leaves(b) {
		collectBackref(backrefs, n)
		collectGroup(groups, n)
	}

	for path, res := range b.Resources {
		refs, ok := backrefs[path]
		if !ok {
			refs = []bundle.Backref{}
		}
		res.Backrefs = refs
	}

	for _, g := range groups {
		if err := patchGroup(g); err != nil {
			return err
		}
	}
	return nil
}

// ContextGroups rebuilds the uniqueness grouping without mutating the bundle.
// The validator uses it to detect identifier collisions.
func ContextGroups(b *bundle.Bundle) map[GroupKey]*Group {
	groups := map[GroupKey]*Group{}
	for n := range traverse.Leaves(b) {
		collectGroup(groups, n)
	}
	return groups
}

func patchChecksumField(b *bundle.Bundle, checksumField string) {
	for _, doc := range b.Schemas {
		if declared, _ := doc[bundle.SchemaKey].(string); declared != MetaSchema {
			continue
		}
		propertiesOf(doc)[checksumField] = checksumFieldSchema()
	}
}

func collectBackref(index map[string][]bundle.Backref, n *traverse.Node) {
	if !n.IsResourceRef() || n.SchemaPath == "" {
		return
	}
	target, ok := n.Data.(string)
	if !ok || target == "" {
		return
	}
	index[target] = append(index[target], bundle.Backref{
		Path:           n.Path,
		DatafileSchema: n.SchemaPath,
		JSONPath:       n.Expression(),
	})
}

// collectGroup recognizes the two positional shapes that denote a unique or
// context-unique field value and folds the node into its group.
func collectGroup(groups map[GroupKey]*Group, n *traverse.Node) {
	steps := n.Steps
	switch {
	case endsWithIndexField(steps):
		field := string(steps[len(steps)-1].(jsonpath.Field))
		if field == traverse.RefKey {
			addCrossDocumentGroup(groups, n)
		} else {
			addSiblingGroup(groups, n, field)
		}
	case endsWithIndexFieldRef(steps):
		// a reference one level below the element field counts as if the
		// field sat on the referencing object itself
		field := string(steps[len(steps)-2].(jsonpath.Field))
		addSiblingGroup(groups, n.Parent, field)
	}
}

func endsWithIndexField(steps []jsonpath.Step) bool {
	if len(steps) < 2 {
		return false
	}
	_, isIndex := steps[len(steps)-2].(jsonpath.Index)
	_, isField := steps[len(steps)-1].(jsonpath.Field)
	return isIndex && isField
}

func endsWithIndexFieldRef(steps []jsonpath.Step) bool {
	if len(steps) < 3 {
		return false
	}
	last, isField := steps[len(steps)-1].(jsonpath.Field)
	if !isField || string(last) != traverse.RefKey {
		return false
	}
	_, isIndex := steps[len(steps)-3].(jsonpath.Index)
	_, isMid := steps[len(steps)-2].(jsonpath.Field)
	return isIndex && isMid
}

// addSiblingGroup records a unique field sitting directly on an array
// element. The group owns the element object and its schema fragment.
func addSiblingGroup(groups map[GroupKey]*Group, n *traverse.Node, field string) {
	if n == nil || n.Parent == nil {
		return
	}
	parentData, ok := n.Parent.Data.(map[string]any)
	if !ok {
		return
	}
	spec, ok := n.FieldSpec()
	if !ok || !spec.ContextUnique() {
		return
	}
	key := GroupKey{
		Path:     n.Path,
		JSONPath: jsonpath.Expression(n.Steps[:len(n.Steps)-1]),
	}
	if g, ok := groups[key]; ok {
		g.Props[field] = struct{}{}
		return
	}
	groups[key] = &Group{
		Schema:     n.Parent.SchemaMap(),
		OneOfRoot:  n.Parent.OneOfRoot,
		Data:       parentData,
		Props:      map[string]struct{}{field: {}},
		Doc:        n.Path,
		Collection: jsonpath.Expression(n.Steps[:len(n.Steps)-2]),
	}
}

// addCrossDocumentGroup records a whole-element reference: the referenced
// document's top-level type contributes all of its unique field names.
func addCrossDocumentGroup(groups map[GroupKey]*Group, n *traverse.Node) {
	target, ok := n.Data.(string)
	if !ok || target == "" {
		return
	}
	doc := n.ResolveRef()
	if doc == nil {
		return
	}
	schemaPath := bundle.DeclaredSchema(doc)
	if schemaPath == "" {
		return
	}
	recordType := n.Bundle.Types.BySchema(schemaPath)
	schemaDoc := n.Bundle.SchemaDoc(schemaPath)
	if recordType == nil || schemaDoc == nil {
		return
	}
	names := recordType.ContextUniqueFieldNames()
	if len(names) == 0 {
		return
	}
	key := GroupKey{Path: target}
	g, ok := groups[key]
	if !ok {
		g = &Group{
			Schema:     schemaDoc,
			Data:       doc,
			Props:      map[string]struct{}{},
			Doc:        n.Path,
			Collection: jsonpath.Expression(n.Steps[:len(n.Steps)-2]),
		}
		groups[key] = g
	}
	for _, name := range names {
		g.Props[name] = struct{}{}
	}
}

func patchGroup(g *Group) error {
	id, err := g.Identifier()
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	propertiesOf(g.Schema)[IdentifierField] = identifierFieldSchema()
	if g.OneOfRoot != nil {
		propertiesOf(g.OneOfRoot)[IdentifierField] = identifierFieldSchema()
	}
	g.Data[IdentifierField] = id
	return nil
}

func propertiesOf(m map[string]any) map[string]any {
	props, ok := m["properties"].(map[string]any)
	if !ok {
		props = map[string]any{}
		m["properties"] = props
	}
	return props
}
