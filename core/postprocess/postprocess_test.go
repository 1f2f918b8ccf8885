package postprocess

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/davidahmann/bundlecheck/core/bundle"
	"github.com/davidahmann/bundlecheck/core/traverse"
)

func testGraphql() []any {
	return []any{
		map[string]any{
			"name": "Query",
			"fields": []any{
				map[string]any{"name": "apps", "type": "App", "datafileSchema": "/app-1.yml"},
				map[string]any{"name": "users", "type": "User", "datafileSchema": "/user-1.yml"},
			},
		},
		map[string]any{
			"name": "App",
			"fields": []any{
				map[string]any{"name": "name", "type": "string", "isUnique": true},
				map[string]any{"name": "simple_ref", "type": "string"},
				map[string]any{"name": "items", "type": "Item"},
				map[string]any{"name": "users", "type": "User"},
				map[string]any{"name": "flavoured", "type": "Flavour"},
			},
		},
		map[string]any{
			"name": "Item",
			"fields": []any{
				map[string]any{"name": "name", "type": "string", "isContextUnique": true},
				map[string]any{"name": "note", "type": "string"},
			},
		},
		map[string]any{
			"name": "User",
			"fields": []any{
				map[string]any{"name": "name", "type": "string", "isContextUnique": true},
			},
		},
		map[string]any{
			"name": "Flavour",
			"interfaceResolve": map[string]any{
				"strategy": "fieldMap",
				"field":    "kind",
				"fieldMap": map[string]any{
					"flavour-1": "FlavourOne",
				},
			},
		},
		map[string]any{
			"name": "FlavourOne",
			"fields": []any{
				map[string]any{"name": "kind", "type": "string"},
				map[string]any{"name": "name", "type": "string", "isContextUnique": true},
			},
		},
	}
}

func testSchemas() map[string]map[string]any {
	return map[string]map[string]any{
		"/app-1.yml": {
			"$schema": MetaSchema,
			"properties": map[string]any{
				"name":       map[string]any{"type": "string"},
				"simple_ref": map[string]any{"$ref": traverse.ResourceRef},
				"items": map[string]any{
					"type": "array",
					"items": map[string]any{
						"properties": map[string]any{
							"name": map[string]any{"type": "string"},
							"note": map[string]any{"type": "string"},
						},
					},
				},
				"users": map[string]any{
					"type":  "array",
					"items": map[string]any{"$ref": traverse.CrossRef, "$schemaRef": "/user-1.yml"},
				},
				"flavoured": map[string]any{
					"type": "array",
					"items": map[string]any{
						"oneOf": []any{
							map[string]any{"properties": map[string]any{
								"kind": map[string]any{"enum": []any{"flavour-1"}},
								"name": map[string]any{"type": "string"},
							}},
							map[string]any{"properties": map[string]any{
								"kind": map[string]any{"enum": []any{"flavour-2"}},
							}},
						},
					},
				},
			},
		},
		"/user-1.yml": {
			"$schema": MetaSchema,
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
		},
		"/other-1.json": {
			"$schema":    "http://json-schema.org/draft-06/schema#",
			"properties": map[string]any{},
		},
	}
}

func testBundle(t *testing.T, data map[string]map[string]any, resources map[string]*bundle.Resource) *bundle.Bundle {
	t.Helper()
	b, err := bundle.New(testGraphql(), testSchemas(), data, resources)
	if err != nil {
		t.Fatalf("bundle error: %v", err)
	}
	return b
}

func TestBackrefIndex(t *testing.T) {
	b := testBundle(t,
		map[string]map[string]any{
			"/services/a.yml": {
				"$schema":    "/app-1.yml",
				"simple_ref": "/resource-1.yml",
			},
		},
		map[string]*bundle.Resource{
			"/resource-1.yml": {Path: "/resource-1.yml", Content: "x"},
			"/resource-2.yml": {Path: "/resource-2.yml", Content: "y"},
		})

	if err := Postprocess(b, ""); err != nil {
		t.Fatalf("postprocess error: %v", err)
	}

	want := []bundle.Backref{{
		Path:           "/services/a.yml",
		DatafileSchema: "/app-1.yml",
		JSONPath:       "simple_ref",
	}}
	if diff := cmp.Diff(want, b.Resources["/resource-1.yml"].Backrefs); diff != "" {
		t.Fatalf("backrefs mismatch (-want +got):\n%s", diff)
	}
	unreferenced := b.Resources["/resource-2.yml"].Backrefs
	if unreferenced == nil || len(unreferenced) != 0 {
		t.Fatalf("unreferenced resource must get an empty, not absent, backref list: %v", unreferenced)
	}
}

func TestSiblingIdentifiers(t *testing.T) {
	b := testBundle(t, map[string]map[string]any{
		"/services/a.yml": {
			"$schema": "/app-1.yml",
			"items": []any{
				map[string]any{"name": "x", "note": "first"},
				map[string]any{"name": "x"},
				map[string]any{"name": "y"},
			},
		},
	}, nil)

	if err := Postprocess(b, ""); err != nil {
		t.Fatalf("postprocess error: %v", err)
	}

	items := b.Data["/services/a.yml"]["items"].([]any)
	first := items[0].(map[string]any)[IdentifierField]
	second := items[1].(map[string]any)[IdentifierField]
	third := items[2].(map[string]any)[IdentifierField]
	if first == nil || first == "" {
		t.Fatalf("identifier not injected: %v", items[0])
	}
	if first != second {
		t.Fatalf("equal unique values must produce equal identifiers: %v vs %v", first, second)
	}
	if first == third {
		t.Fatalf("different unique values must produce different identifiers")
	}

	itemSchema := b.Schemas["/app-1.yml"]["properties"].(map[string]any)["items"].(map[string]any)["items"].(map[string]any)
	idProp, ok := itemSchema["properties"].(map[string]any)[IdentifierField].(map[string]any)
	if !ok || idProp["type"] != "string" {
		t.Fatalf("identifier property not declared on the element schema: %v", itemSchema)
	}
}

func TestAllNullValuesProduceNoIdentifier(t *testing.T) {
	b := testBundle(t, map[string]map[string]any{
		"/services/a.yml": {
			"$schema": "/app-1.yml",
			"items": []any{
				map[string]any{"name": nil, "note": "only nulls"},
			},
		},
	}, nil)

	if err := Postprocess(b, ""); err != nil {
		t.Fatalf("postprocess error: %v", err)
	}
	item := b.Data["/services/a.yml"]["items"].([]any)[0].(map[string]any)
	if _, ok := item[IdentifierField]; ok {
		t.Fatalf("all-null group must not receive an identifier: %v", item)
	}
}

func TestCrossDocumentIdentifier(t *testing.T) {
	b := testBundle(t, map[string]map[string]any{
		"/services/a.yml": {
			"$schema": "/app-1.yml",
			"users":   []any{map[string]any{"$ref": "/users/u1.yml"}},
		},
		"/users/u1.yml": {"$schema": "/user-1.yml", "name": "bob"},
	}, nil)

	if err := Postprocess(b, ""); err != nil {
		t.Fatalf("postprocess error: %v", err)
	}

	user := b.Data["/users/u1.yml"]
	if id, ok := user[IdentifierField].(string); !ok || id == "" {
		t.Fatalf("referenced document must receive an identifier: %v", user)
	}
	props := b.Schemas["/user-1.yml"]["properties"].(map[string]any)
	if _, ok := props[IdentifierField]; !ok {
		t.Fatalf("referenced document's schema must declare the identifier property")
	}
}

func TestUnionRootPatched(t *testing.T) {
	b := testBundle(t, map[string]map[string]any{
		"/services/a.yml": {
			"$schema": "/app-1.yml",
			"flavoured": []any{
				map[string]any{"kind": "flavour-1", "name": "x"},
			},
		},
	}, nil)

	if err := Postprocess(b, ""); err != nil {
		t.Fatalf("postprocess error: %v", err)
	}

	element := b.Data["/services/a.yml"]["flavoured"].([]any)[0].(map[string]any)
	if _, ok := element[IdentifierField]; !ok {
		t.Fatalf("union element must receive an identifier: %v", element)
	}
	unionRoot := b.Schemas["/app-1.yml"]["properties"].(map[string]any)["flavoured"].(map[string]any)["items"].(map[string]any)
	rootProps, ok := unionRoot["properties"].(map[string]any)
	if !ok {
		t.Fatalf("union root must gain a properties object for the identifier")
	}
	if _, ok := rootProps[IdentifierField]; !ok {
		t.Fatalf("union root must declare the identifier property: %v", rootProps)
	}
	branch := unionRoot["oneOf"].([]any)[0].(map[string]any)
	branchProps := branch["properties"].(map[string]any)
	if _, ok := branchProps[IdentifierField]; !ok {
		t.Fatalf("selected branch must declare the identifier property: %v", branchProps)
	}
}

func TestChecksumSchemaPatch(t *testing.T) {
	b := testBundle(t, nil, nil)

	if err := Postprocess(b, "$file_sha256sum"); err != nil {
		t.Fatalf("postprocess error: %v", err)
	}

	for _, path := range []string{"/app-1.yml", "/user-1.yml"} {
		props := b.Schemas[path]["properties"].(map[string]any)
		decl, ok := props["$file_sha256sum"].(map[string]any)
		if !ok || decl["type"] != "string" {
			t.Fatalf("checksum property missing on %s: %v", path, props)
		}
	}
	otherProps := b.Schemas["/other-1.json"]["properties"].(map[string]any)
	if _, ok := otherProps["$file_sha256sum"]; ok {
		t.Fatalf("schemas not governed by the root meta-schema must not be patched")
	}
}

func TestIdempotent(t *testing.T) {
	b := testBundle(t, map[string]map[string]any{
		"/services/a.yml": {
			"$schema":    "/app-1.yml",
			"simple_ref": "/resource-1.yml",
			"items":      []any{map[string]any{"name": "x"}},
		},
	}, map[string]*bundle.Resource{
		"/resource-1.yml": {Path: "/resource-1.yml", Content: "x"},
	})

	if err := Postprocess(b, "$file_sha256sum"); err != nil {
		t.Fatalf("first run error: %v", err)
	}
	item := b.Data["/services/a.yml"]["items"].([]any)[0].(map[string]any)
	firstID := item[IdentifierField]

	if err := Postprocess(b, "$file_sha256sum"); err != nil {
		t.Fatalf("second run error: %v", err)
	}
	if got := item[IdentifierField]; got != firstID {
		t.Fatalf("identifier changed across runs: %v vs %v", firstID, got)
	}
	if refs := b.Resources["/resource-1.yml"].Backrefs; len(refs) != 1 {
		t.Fatalf("backref index must not accumulate across runs: %v", refs)
	}
}

func TestContextGroupsReadOnly(t *testing.T) {
	b := testBundle(t, map[string]map[string]any{
		"/services/a.yml": {
			"$schema": "/app-1.yml",
			"items": []any{
				map[string]any{"name": "x"},
				map[string]any{"name": "x"},
			},
		},
	}, nil)

	groups := ContextGroups(b)
	if len(groups) != 2 {
		t.Fatalf("expected one group per array element, got %d", len(groups))
	}
	var ids []string
	for key, g := range groups {
		if key.Path != "/services/a.yml" {
			t.Fatalf("unexpected group path: %q", key.Path)
		}
		if diff := cmp.Diff([]string{"name"}, g.FieldNames()); diff != "" {
			t.Fatalf("field names mismatch (-want +got):\n%s", diff)
		}
		id, err := g.Identifier()
		if err != nil {
			t.Fatalf("identifier error: %v", err)
		}
		ids = append(ids, id)
	}
	if ids[0] != ids[1] {
		t.Fatalf("equal values must yield equal identifiers: %v", ids)
	}

	item := b.Data["/services/a.yml"]["items"].([]any)[0].(map[string]any)
	if _, ok := item[IdentifierField]; ok {
		t.Fatalf("grouping alone must not mutate the bundle")
	}
}
