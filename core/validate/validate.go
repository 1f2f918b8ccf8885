// Package validate runs every sub-validation over an already-postprocessed
// bundle and reports findings as result records. ValidateBundle is total: a
// malformed document, a missing resource, or an unresolvable reference
// produces an error-status result, never a panic, and never suppresses the
// remaining validations.
package validate

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/goccy/go-yaml"
	"github.com/kaptinlin/jsonschema"
	"go.uber.org/zap"

	"github.com/davidahmann/bundlecheck/core/bundle"
	"github.com/davidahmann/bundlecheck/core/errors"
	"github.com/davidahmann/bundlecheck/core/jsonpath"
	"github.com/davidahmann/bundlecheck/core/postprocess"
	"github.com/davidahmann/bundlecheck/core/traverse"
)

// CatalogDocumentPath is the synthetic filename under which an object-shaped
// record-type catalog is validated like any other document.
const CatalogDocumentPath = "graphql-schemas/schema.yml"

// Fetcher retrieves a schema document that is not present in the bundle.
type Fetcher func(url string) (map[string]any, error)

// FetchHTTP is the default Fetcher: http(s) URLs only, 10s timeout.
func FetchHTTP(url string) (map[string]any, error) {
	if !strings.HasPrefix(url, "http") {
		return nil, fmt.Errorf("schema not found: %q", url)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, errors.Wrap(
			fmt.Errorf("fetch schema %s: %w", url, err),
			errors.CategoryNetworkFailure, "schema_fetch", "check network access to the schema host")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch schema %s: unexpected status %s", url, resp.Status)
	}
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", url, err)
	}
	return doc, nil
}

// Validator holds the per-run compilation and fetch caches. Compiled schemas
// and successfully fetched meta-schemas are memoized for the validator's
// lifetime; fetch failures are retried on the next encounter.
type Validator struct {
	b     *bundle.Bundle
	log   *zap.Logger
	fetch Fetcher

	compiler   *jsonschema.Compiler
	compiled   map[string]*jsonschema.Schema
	compileErr map[string]error

	remote       map[string]map[string]any
	metaCompiled map[string]*jsonschema.Schema
}

type Option func(*Validator)

// WithLogger attaches a logger for progress output.
func WithLogger(log *zap.Logger) Option {
	return func(v *Validator) { v.log = log }
}

// WithFetcher replaces the remote meta-schema fetcher.
func WithFetcher(fetch Fetcher) Option {
	return func(v *Validator) { v.fetch = fetch }
}

// New prepares a validator for one bundle: every in-bundle schema is compiled
// once up front, registered under its bundle path so cross-schema references
// resolve without touching the network.
func New(b *bundle.Bundle, opts ...Option) *Validator {
	v := &Validator{
		b:            b,
		log:          zap.NewNop(),
		fetch:        FetchHTTP,
		compiled:     map[string]*jsonschema.Schema{},
		compileErr:   map[string]error{},
		remote:       map[string]map[string]any{},
		metaCompiled: map[string]*jsonschema.Schema{},
	}
	for _, opt := range opts {
		opt(v)
	}
	v.compileAll()
	return v
}

// ValidateBundle runs all sub-validations and returns the full ordered
// result list.
func ValidateBundle(b *bundle.Bundle, opts ...Option) []Result {
	return New(b, opts...).Results()
}

// Results runs the sub-validations in a stable order: schemas, documents,
// references, uniqueness, resources, then the catalog document.
func (v *Validator) Results() []Result {
	out := v.validateSchemas()
	out = append(out, v.validateDocuments()...)
	out = append(out, v.validateResources()...)
	out = append(out, v.validateCatalogDocument()...)
	return out
}

func (v *Validator) compileAll() {
	v.compiler = jsonschema.NewCompiler()
	for _, path := range sortedKeys(v.b.Schemas) {
		raw, err := json.Marshal(v.b.Schemas[path])
		if err != nil {
			v.compileErr[path] = err
			continue
		}
		schema, err := v.compiler.Compile(raw)
		if err != nil {
			v.compileErr[path] = err
			continue
		}
		v.compiler.SetSchema(path, schema)
		v.compiled[path] = schema
	}
}

func (v *Validator) validateSchemas() []Result {
	var out []Result
	for _, path := range sortedKeys(v.b.Schemas) {
		out = append(out, v.validateSchema(path, v.b.Schemas[path]))
	}
	return out
}

func (v *Validator) validateSchema(path string, doc map[string]any) Result {
	v.log.Debug("validating schema", zap.String("path", path))

	metaURL, _ := doc[bundle.SchemaKey].(string)
	if metaURL == "" {
		return errResult(KindSchema, path, ReasonMissingSchemaURL,
			fmt.Errorf("missing schema URL in file %s", path))
	}

	meta, err := v.metaSchema(metaURL)
	if err != nil {
		r := errResult(KindSchema, path, ReasonSchemaError, err)
		r.Result.MetaSchemaURL = metaURL
		return r
	}

	// well-formedness first, independently of conformance
	if cerr := v.compileErr[path]; cerr != nil {
		r := errResult(KindSchema, path, ReasonSchemaError, cerr)
		r.Result.MetaSchemaURL = metaURL
		return r
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		r := errResult(KindSchema, path, ReasonSchemaError, err)
		r.Result.MetaSchemaURL = metaURL
		return r
	}
	if result := meta.ValidateJSON(raw); !result.IsValid() {
		r := errResult(KindSchema, path, ReasonValidationError,
			fmt.Errorf("schema validation failed: %v", result.Errors))
		r.Result.MetaSchemaURL = metaURL
		return r
	}
	return okResult(KindSchema, path, metaURL)
}

// metaSchema resolves a meta-schema URL: in-bundle first, else fetched
// remotely and memoized for the validator lifetime.
func (v *Validator) metaSchema(url string) (*jsonschema.Schema, error) {
	if v.b.SchemaDoc(url) != nil {
		if cerr := v.compileErr[url]; cerr != nil {
			return nil, cerr
		}
		return v.compiled[url], nil
	}
	if s, ok := v.metaCompiled[url]; ok {
		return s, nil
	}
	doc, ok := v.remote[url]
	if !ok {
		fetched, err := v.fetch(url)
		if err != nil {
			return nil, err
		}
		v.remote[url] = fetched
		doc = fetched
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	schema, err := v.compiler.Compile(raw)
	if err != nil {
		return nil, err
	}
	v.metaCompiled[url] = schema
	return schema, nil
}

func (v *Validator) validateDocuments() []Result {
	var out []Result
	for _, path := range sortedKeys(v.b.Data) {
		out = append(out, v.validateFile(path, v.b.Data[path]))
	}

	type uniqueKey struct {
		typeName  string
		fieldName string
		value     any
	}
	uniqueIndex := map[uniqueKey][]string{}

	for n := range traverse.Leaves(v.b) {
		if f, ok := n.FieldSpec(); ok && f.IsUnique {
			key := uniqueKey{n.TypeName, n.FieldName, n.Data}
			uniqueIndex[key] = append(uniqueIndex[key], n.Path)
		}
		if endsWithRefKey(n.Steps) {
			out = append(out, v.validateRef(n))
		}
	}

	var dups []Result
	for key, files := range uniqueIndex {
		if len(files) < 2 {
			continue
		}
		sort.Strings(files)
		r := errResult(KindUnique, files[0], ReasonDuplicateUniqueField,
			fmt.Errorf("the field '%s' is repeated: %s", key.fieldName, strings.Join(files, ", ")))
		r.Result.Ptr = key.fieldName
		dups = append(dups, r)
	}
	dups = append(dups, v.contextDuplicates()...)
	sortResults(dups)
	return append(out, dups...)
}

func endsWithRefKey(steps []jsonpath.Step) bool {
	if len(steps) == 0 {
		return false
	}
	last, ok := steps[len(steps)-1].(jsonpath.Field)
	return ok && string(last) == traverse.RefKey
}

func (v *Validator) validateRef(n *traverse.Node) Result {
	target, _ := n.Data.(string)
	refDoc := n.ResolveRef()
	if target == "" || refDoc == nil {
		r := errResult(KindRef, n.Path, ReasonFileNotFound,
			fmt.Errorf("reference to file %v in file %s not found", n.Data, n.Path))
		r.Result.Ref = target
		return r
	}

	refSchema := bundle.DeclaredSchema(refDoc)
	if sm := n.SchemaMap(); sm != nil && refSchema != "" {
		switch expected := sm[traverse.SchemaRefKey].(type) {
		case string:
			if expected != refSchema {
				r := errResult(KindRef, n.Path, ReasonIncorrectSchema,
					fmt.Errorf("incorrect schema: got `%s`, expecting `%s`", refSchema, expected))
				r.Result.Ref = target
				return r
			}
		case map[string]any:
			if err := v.validateAgainstFragment(expected, refDoc); err != nil {
				r := errResult(KindRef, n.Path, ReasonSchemaRefValidationError, err)
				r.Result.Ref = target
				return r
			}
		}
	}
	return okRefResult(KindRef, n.Path, target, n.SchemaPath)
}

// validateAgainstFragment checks a referenced document against an inline
// expected-schema fragment.
func (v *Validator) validateAgainstFragment(fragment map[string]any, doc map[string]any) error {
	fragRaw, err := json.Marshal(fragment)
	if err != nil {
		return err
	}
	schema, err := v.compiler.Compile(fragRaw)
	if err != nil {
		return err
	}
	docRaw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if result := schema.ValidateJSON(docRaw); !result.IsValid() {
		return fmt.Errorf("schema validation failed: %v", result.Errors)
	}
	return nil
}

func (v *Validator) contextDuplicates() []Result {
	type collisionKey struct {
		doc        string
		collection string
		fields     string
		id         string
	}
	members := map[collisionKey][]string{}
	for key, g := range postprocess.ContextGroups(v.b) {
		id, err := g.Identifier()
		if err != nil || id == "" {
			continue
		}
		ck := collisionKey{g.Doc, g.Collection, strings.Join(g.FieldNames(), ", "), id}
		member := key.Path
		if key.JSONPath != "" {
			member = key.Path + "#" + key.JSONPath
		}
		members[ck] = append(members[ck], member)
	}

	var out []Result
	for ck, ms := range members {
		if len(ms) < 2 {
			continue
		}
		sort.Strings(ms)
		r := errResult(KindUnique, ck.doc, ReasonDuplicateContextUnique,
			fmt.Errorf("the context unique field(s) '%s' are repeated: %s", ck.fields, strings.Join(ms, ", ")))
		r.Result.Ptr = ck.collection
		out = append(out, r)
	}
	return out
}

func (v *Validator) validateFile(filename string, doc map[string]any) Result {
	v.log.Debug("validating file", zap.String("path", filename))

	schemaURL := bundle.DeclaredSchema(doc)
	if schemaURL == "" {
		return errResult(KindFile, filename, ReasonMissingSchemaURL,
			fmt.Errorf("missing schema URL in file %s", filename))
	}

	normalized := normalizeSchemaURL(schemaURL)
	if v.b.SchemaDoc(normalized) == nil {
		r := errResult(KindFile, filename, ReasonSchemaNotFound,
			fmt.Errorf("schema %s not found in the file %s", normalized, filename))
		r.Result.SchemaURL = normalized
		return r
	}
	if cerr := v.compileErr[normalized]; cerr != nil {
		r := errResult(KindFile, filename, ReasonSchemaTypeError, cerr)
		r.Result.SchemaURL = schemaURL
		return r
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		r := errResult(KindFile, filename, ReasonValidationError, err)
		r.Result.SchemaURL = schemaURL
		return r
	}
	if result := v.compiled[normalized].ValidateJSON(raw); !result.IsValid() {
		r := errResult(KindFile, filename, ReasonValidationError,
			fmt.Errorf("schema validation failed: %v", result.Errors))
		r.Result.SchemaURL = schemaURL
		return r
	}
	return okResult(KindFile, filename, schemaURL)
}

func normalizeSchemaURL(url string) string {
	if strings.HasPrefix(url, "http") || strings.HasPrefix(url, "/") {
		return url
	}
	return "/" + url
}

func (v *Validator) validateResources() []Result {
	var out []Result
	for _, path := range sortedKeys(v.b.Resources) {
		out = append(out, v.validateResource(path, v.b.Resources[path]))
	}
	return out
}

// validateResource treats both an absent schema annotation and unparsable
// content as vacuously OK: resource bodies may carry templating syntax no
// parser can handle.
func (v *Validator) validateResource(path string, res *bundle.Resource) Result {
	if res.Schema == nil {
		return okResult(KindNone, path, "")
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(res.Content), &doc); err != nil {
		v.log.Warn("cannot parse resource content, skipping validation",
			zap.String("path", path), zap.Error(err))
		return okResult(KindNone, path, "")
	}
	return v.validateFile(path, doc)
}

func (v *Validator) validateCatalogDocument() []Result {
	catalogDoc, ok := v.b.Graphql.(map[string]any)
	if !ok {
		return nil
	}
	return []Result{v.validateFile(CatalogDocumentPath, catalogDoc)}
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Filename != results[j].Filename {
			return results[i].Filename < results[j].Filename
		}
		if results[i].Result.Ptr != results[j].Result.Ptr {
			return results[i].Result.Ptr < results[j].Result.Ptr
		}
		return results[i].Result.Error < results[j].Result.Error
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
