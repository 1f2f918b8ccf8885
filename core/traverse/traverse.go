// Package traverse walks every data document of a bundle depth-first,
// co-resolving at each step the JSON-Schema fragment and the record
// type/field governing the position. The walk is lazy and restartable; it
// only ever recurses as deep as the data goes, so cyclic schema graphs need
// no explicit loop detection.
package traverse

import (
	"iter"
	"sort"
	"strings"

	"github.com/davidahmann/bundlecheck/core/bundle"
	"github.com/davidahmann/bundlecheck/core/catalog"
	"github.com/davidahmann/bundlecheck/core/jsonpath"
)

// Reserved schema annotations. The engine interprets these structurally;
// they are not configurable.
const (
	// ResourceRef marks a field whose value is a path into the resource
	// section of the bundle.
	ResourceRef = "/common-1.json#/definitions/resourceref"
	// CrossRef marks a field whose value points at another data document.
	CrossRef = "/common-1.json#/definitions/crossref"
	// RefKey is the data key conventionally holding a cross-document pointer.
	RefKey = "$ref"
	// SchemaRefKey optionally accompanies a CrossRef fragment and names the
	// schema the referenced document is expected to have: a string for an
	// exact match, an object for a structural sub-schema.
	SchemaRefKey = "$schemaRef"
)

// Node is one position inside one document. Nodes are immutable once
// produced; Parent is a non-owning back-link used for sibling-level
// decisions, never for cycles.
type Node struct {
	Bundle *bundle.Bundle
	// Data is the sub-value at this position.
	Data any
	// Path is the bundle path of the containing document.
	Path string
	// SchemaPath is the containing document's declared schema path.
	SchemaPath string
	// Schema is the fragment governing this position, nil when resolution
	// ran out of schema.
	Schema any
	// OneOfRoot is the enclosing discriminated-union fragment when Schema
	// was selected from one.
	OneOfRoot map[string]any
	// TypeName and FieldName carry the nominal-layer resolution; both may be
	// empty when the position has no record-type metadata.
	TypeName  string
	FieldName string
	Steps     []jsonpath.Step
	Parent    *Node
}

// RecordType returns the catalog type governing this node, or nil.
func (n *Node) RecordType() *catalog.RecordType {
	if n.TypeName == "" {
		return nil
	}
	return n.Bundle.Types.ByName(n.TypeName)
}

// FieldSpec returns the resolved field on the node's record type.
func (n *Node) FieldSpec() (catalog.Field, bool) {
	t := n.RecordType()
	if t == nil || n.FieldName == "" {
		return catalog.Field{}, false
	}
	return t.Field(n.FieldName)
}

// SchemaMap returns the schema fragment as an object, or nil.
func (n *Node) SchemaMap() map[string]any {
	m, _ := n.Schema.(map[string]any)
	return m
}

// IsResourceRef reports whether the fragment is exactly the reserved
// resource-reference marker.
func (n *Node) IsResourceRef() bool {
	m := n.SchemaMap()
	if m == nil {
		return false
	}
	ref, _ := m[RefKey].(string)
	return ref == ResourceRef
}

// ResolveRef dereferences the node's data as a cross-document pointer,
// returning the referenced document or nil.
func (n *Node) ResolveRef() map[string]any {
	target, ok := n.Data.(string)
	if !ok {
		return nil
	}
	return n.Bundle.Document(target)
}

// Expression renders the node's path in dot/bracket notation.
func (n *Node) Expression() string {
	return jsonpath.Expression(n.Steps)
}

// Leaves yields every scalar/null position of every document, depth-first.
// Documents are visited in sorted path order and object keys sorted, but
// emission order is not part of the contract: consumers must not depend on
// it. Composite values are consumed internally and never emitted.
func Leaves(b *bundle.Bundle) iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		for _, path := range sortedKeys(b.Data) {
			doc := b.Data[path]
			schemaPath := bundle.DeclaredSchema(doc)
			root := &Node{
				Bundle:     b,
				Data:       doc,
				Path:       path,
				SchemaPath: schemaPath,
			}
			if schemaPath != "" {
				if s := b.SchemaDoc(schemaPath); s != nil {
					root.Schema = s
				}
				if t := b.Types.BySchema(schemaPath); t != nil {
					root.TypeName = t.Name
				}
			}
			if !walk(root, yield) {
				return
			}
		}
	}
}

func walk(n *Node, yield func(*Node) bool) bool {
	switch data := n.Data.(type) {
	case map[string]any:
		for _, key := range sortedKeys(data) {
			if key == bundle.SchemaKey {
				// metadata, not data
				continue
			}
			if !walk(n.childForKey(key, data[key]), yield) {
				return false
			}
		}
	case []any:
		for i, value := range data {
			if !walk(n.childForIndex(i, value), yield) {
				return false
			}
		}
	default:
		return yield(n)
	}
	return true
}

func (n *Node) childForKey(key string, value any) *Node {
	child := &Node{
		Bundle:     n.Bundle,
		Data:       value,
		Path:       n.Path,
		SchemaPath: n.SchemaPath,
		Steps:      appendStep(n.Steps, jsonpath.Field(key)),
		Parent:     n,
	}
	child.TypeName, child.FieldName = n.childField(key)

	if key == RefKey || isCrossRefFragment(n.SchemaMap()) {
		// Schema resolution stops at a cross-document reference; the
		// reference value stays governed by the referencing fragment.
		child.Schema = n.Schema
		child.OneOfRoot = n.OneOfRoot
		return child
	}

	if props, ok := n.SchemaMap()["properties"].(map[string]any); ok {
		if frag, ok := props[key]; ok {
			resolved, root := resolveFragment(n.Bundle, frag, value, child.declaredInterface())
			child.Schema = resolved
			// Only a selection made at this step establishes a union root
			// for a keyed child.
			child.OneOfRoot = root
		}
	}
	return child
}

func (n *Node) childForIndex(index int, value any) *Node {
	child := &Node{
		Bundle:     n.Bundle,
		Data:       value,
		Path:       n.Path,
		SchemaPath: n.SchemaPath,
		TypeName:   n.TypeName,
		FieldName:  n.FieldName,
		Steps:      appendStep(n.Steps, jsonpath.Index(index)),
		Parent:     n,
		OneOfRoot:  n.OneOfRoot,
	}
	if frag, ok := n.SchemaMap()["items"]; ok {
		resolved, root := resolveFragment(n.Bundle, frag, value, child.declaredInterface())
		child.Schema = resolved
		if root != nil {
			child.OneOfRoot = root
		}
	}
	return child
}

// childField resolves the nominal layer for a keyed step. If the parent's
// resolved field references another record type, the key is tried against
// that type first; otherwise it resolves against the parent's current type.
// The reference key never advances field resolution: the reference is the
// field's value, not a nested structure.
func (n *Node) childField(key string) (typeName, fieldName string) {
	if n.TypeName == "" {
		return "", ""
	}
	if key == RefKey {
		return n.TypeName, n.FieldName
	}
	next, unresolvable := n.referencedType()
	if unresolvable {
		return "", ""
	}
	if next != nil {
		if _, ok := next.Field(key); ok {
			return next.Name, key
		}
	}
	if t := n.RecordType(); t != nil {
		if _, ok := t.Field(key); ok {
			return n.TypeName, key
		}
	}
	return n.TypeName, ""
}

// referencedType resolves the record type referenced by the node's current
// field, narrowing interfaces against the node's own data. The second return
// is true when the field is interface-typed but the discriminator does not
// resolve; such branches carry no record-type metadata.
func (n *Node) referencedType() (*catalog.RecordType, bool) {
	f, ok := n.FieldSpec()
	if !ok {
		return nil, false
	}
	t := n.Bundle.Types.ByName(f.Type)
	if t == nil {
		return nil, false
	}
	if t.IsInterface() {
		sub := resolveInterface(n.Bundle.Types, t, n.Data)
		if sub == nil {
			return nil, true
		}
		return sub, false
	}
	return t, false
}

// declaredInterface returns the interface type declared by the node's
// resolved field, if any. Used to pick discriminated-union branches.
func (n *Node) declaredInterface() *catalog.RecordType {
	f, ok := n.FieldSpec()
	if !ok {
		return nil
	}
	t := n.Bundle.Types.ByName(f.Type)
	if t != nil && t.IsInterface() {
		return t
	}
	return nil
}

func resolveInterface(types *catalog.Catalog, iface *catalog.RecordType, data any) *catalog.RecordType {
	m, ok := data.(map[string]any)
	if !ok || iface.Resolve == nil || iface.Resolve.Field == "" {
		return nil
	}
	discriminator, ok := m[iface.Resolve.Field].(string)
	if !ok {
		return nil
	}
	name := iface.SubType(discriminator)
	if name == "" {
		return nil
	}
	return types.ByName(name)
}

// resolveFragment follows a single $ref hop (reserved markers excepted) and
// selects a discriminated-union branch when the data allows it. The second
// return is the union's root fragment when a branch was selected here.
func resolveFragment(b *bundle.Bundle, frag any, data any, iface *catalog.RecordType) (any, map[string]any) {
	m, ok := frag.(map[string]any)
	if !ok {
		return frag, nil
	}
	if deref := derefFragment(b, m); deref != nil {
		m = deref
	}
	branches, ok := m["oneOf"].([]any)
	if !ok {
		return m, nil
	}
	if selected := selectRefOrInline(branches, data); selected != nil {
		return selected, m
	}
	if selected := selectByDiscriminator(b, branches, data, iface); selected != nil {
		return selected, m
	}
	return m, nil
}

func isCrossRefFragment(m map[string]any) bool {
	if m == nil {
		return false
	}
	ref, _ := m[RefKey].(string)
	return ref == CrossRef
}

// derefFragment follows one out-of-line reference hop. Schemas are authored
// flat, so a single hop suffices; the reserved markers are never followed
// because downstream passes match them literally.
func derefFragment(b *bundle.Bundle, m map[string]any) map[string]any {
	ref, ok := m[RefKey].(string)
	if !ok || ref == ResourceRef || ref == CrossRef {
		return nil
	}
	return lookupSchemaRef(b, ref)
}

// lookupSchemaRef resolves "/path.yml" or "/path.json#/pointer/into/doc"
// against the in-bundle schemas.
func lookupSchemaRef(b *bundle.Bundle, ref string) map[string]any {
	path, pointer, found := strings.Cut(ref, "#")
	doc := b.SchemaDoc(path)
	if doc == nil || !found {
		return doc
	}
	current := any(doc)
	for _, segment := range strings.Split(pointer, "/") {
		if segment == "" {
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[segment]
	}
	resolved, _ := current.(map[string]any)
	return resolved
}

// selectRefOrInline handles the two-branch union of one out-of-line
// reference and one inline schema: data carrying a reference marker selects
// the out-of-line branch, anything else the inline one.
func selectRefOrInline(branches []any, data any) map[string]any {
	if len(branches) != 2 {
		return nil
	}
	var outOfLine, inline map[string]any
	for _, branch := range branches {
		m, ok := branch.(map[string]any)
		if !ok {
			return nil
		}
		_, hasRef := m[RefKey]
		_, hasSchemaRef := m[SchemaRefKey]
		_, hasProps := m["properties"]
		switch {
		case hasRef || hasSchemaRef:
			if outOfLine != nil {
				return nil
			}
			outOfLine = m
		case hasProps:
			if inline != nil {
				return nil
			}
			inline = m
		default:
			return nil
		}
	}
	if outOfLine == nil || inline == nil {
		return nil
	}
	if dataMap, ok := data.(map[string]any); ok {
		if _, ok := dataMap[RefKey]; ok {
			return outOfLine
		}
	}
	return inline
}

// selectByDiscriminator picks the branch whose discriminator property
// enumerates the value the data carries. Branches that are themselves
// out-of-line references are inspected through a single hop.
func selectByDiscriminator(b *bundle.Bundle, branches []any, data any, iface *catalog.RecordType) map[string]any {
	if iface == nil || iface.Resolve == nil || iface.Resolve.Field == "" {
		return nil
	}
	dataMap, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	value, ok := dataMap[iface.Resolve.Field].(string)
	if !ok {
		return nil
	}
	for _, branch := range branches {
		m, ok := branch.(map[string]any)
		if !ok {
			continue
		}
		if _, hasProps := m["properties"]; !hasProps {
			if deref := derefFragment(b, m); deref != nil {
				m = deref
			}
		}
		props, ok := m["properties"].(map[string]any)
		if !ok {
			continue
		}
		discProp, ok := props[iface.Resolve.Field].(map[string]any)
		if !ok {
			continue
		}
		enum, ok := discProp["enum"].([]any)
		if !ok {
			continue
		}
		for _, candidate := range enum {
			if candidate == value {
				return m
			}
		}
	}
	return nil
}

func appendStep(steps []jsonpath.Step, step jsonpath.Step) []jsonpath.Step {
	// each node owns its path; never share backing arrays between siblings
	out := make([]jsonpath.Step, len(steps), len(steps)+1)
	copy(out, steps)
	return append(out, step)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
