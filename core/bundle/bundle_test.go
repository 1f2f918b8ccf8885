package bundle

import (
	"bytes"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/davidahmann/bundlecheck/core/errors"
)

const minimalBundle = `{
	"git_commit": "abc123",
	"git_commit_timestamp": "2024-01-01T00:00:00Z",
	"graphql": [
		{"name": "Query", "fields": [
			{"name": "apps", "type": "App", "datafileSchema": "/app-1.yml"}
		]},
		{"name": "App", "fields": [
			{"name": "name", "type": "string", "isUnique": true}
		]}
	],
	"schemas": {
		"/app-1.yml": {"$schema": "/metaschema-1.json", "properties": {"name": {"type": "string"}}}
	},
	"data": {
		"/services/a.yml": {"$schema": "/app-1.yml", "name": "a"}
	},
	"resources": {
		"/resource-1.yml": {"path": "/resource-1.yml", "content": "x: 1\n", "$schema": null, "sha256sum": "d00d", "backrefs": []}
	}
}`

func TestLoad(t *testing.T) {
	b, err := Load(strings.NewReader(minimalBundle))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if b.GitCommit != "abc123" {
		t.Fatalf("unexpected commit: %q", b.GitCommit)
	}
	if b.Types == nil || b.Types.BySchema("/app-1.yml") == nil {
		t.Fatalf("type catalog not built from graphql section")
	}
	doc := b.Document("/services/a.yml")
	if doc == nil {
		t.Fatalf("document missing")
	}
	if got := DeclaredSchema(doc); got != "/app-1.yml" {
		t.Fatalf("unexpected declared schema: %q", got)
	}
	res := b.Resources["/resource-1.yml"]
	if res == nil || res.Schema != nil {
		t.Fatalf("resource record not decoded as expected: %+v", res)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	_, err := Load(strings.NewReader(`{"data": `))
	if err == nil {
		t.Fatalf("expected decode error")
	}
	if errors.CategoryOf(err) != errors.CategoryInvalidBundle {
		t.Fatalf("expected invalid_bundle classification, got %q", errors.CategoryOf(err))
	}
}

func TestLoadMalformedCatalog(t *testing.T) {
	_, err := Load(strings.NewReader(`{"graphql": "not-a-catalog", "schemas": {}, "data": {}, "resources": {}}`))
	if err == nil {
		t.Fatalf("expected catalog construction error")
	}
	if errors.CategoryOf(err) != errors.CategoryInvalidCatalog {
		t.Fatalf("expected invalid_catalog classification, got %q", errors.CategoryOf(err))
	}
}

func TestDeclaredSchemaAbsent(t *testing.T) {
	if got := DeclaredSchema(map[string]any{"name": "a"}); got != "" {
		t.Fatalf("absent declaration must return empty, got %q", got)
	}
	if got := DeclaredSchema(map[string]any{"$schema": 42}); got != "" {
		t.Fatalf("non-string declaration must return empty, got %q", got)
	}
}

func TestDumpRoundTrip(t *testing.T) {
	b, err := Load(strings.NewReader(minimalBundle))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}

	var buf bytes.Buffer
	if err := b.Dump(&buf); err != nil {
		t.Fatalf("dump error: %v", err)
	}

	var round map[string]any
	if err := json.Unmarshal(buf.Bytes(), &round); err != nil {
		t.Fatalf("dump is not valid JSON: %v", err)
	}
	if round["git_commit"] != "abc123" {
		t.Fatalf("commit metadata lost in round trip")
	}
	if _, ok := round["schemas"].(map[string]any)["/app-1.yml"]; !ok {
		t.Fatalf("schemas lost in round trip")
	}
}
