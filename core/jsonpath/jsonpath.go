// Package jsonpath models the position of a traversal node inside a document
// as an ordered sequence of steps. A step is either an object key or an array
// index; the closed set keeps every consumer branch explicit.
package jsonpath

import (
	"fmt"
	"strings"
)

// Step is one segment of a path into a document. The only implementations
// are Field and Index.
type Step interface {
	// Expr renders the step in dot/bracket notation: `name` or `[3]`.
	Expr() string
	// Read follows the step through in-memory data. The second return is
	// false when the data does not have the addressed member.
	Read(data any) (any, bool)

	step()
}

type Field string

func (f Field) Expr() string { return string(f) }

func (f Field) Read(data any) (any, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[string(f)]
	return v, ok
}

func (Field) step() {}

type Index int

func (i Index) Expr() string { return fmt.Sprintf("[%d]", int(i)) }

func (i Index) Read(data any) (any, bool) {
	s, ok := data.([]any)
	if !ok || int(i) < 0 || int(i) >= len(s) {
		return nil, false
	}
	return s[int(i)], true
}

func (Index) step() {}

// Expression renders a whole path, joining steps with dots:
// `ref_array.[0].$ref`.
func Expression(steps []Step) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		parts = append(parts, s.Expr())
	}
	return strings.Join(parts, ".")
}

// Read follows a path through data, returning false as soon as a step does
// not resolve.
func Read(data any, steps []Step) (any, bool) {
	current := data
	for _, s := range steps {
		next, ok := s.Read(current)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}
