package validate

import "fmt"

// Kind classifies what a result is about.
type Kind string

const (
	KindSchema Kind = "SCHEMA"
	KindFile   Kind = "FILE"
	KindRef    Kind = "REF"
	KindNone   Kind = "NONE"
	KindUnique Kind = "UNIQUE"
)

// Status is the outcome of one validation.
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "ERROR"
)

// Reason codes carried by error results.
const (
	ReasonMissingSchemaURL         = "MISSING_SCHEMA_URL"
	ReasonSchemaNotFound           = "SCHEMA_NOT_FOUND"
	ReasonSchemaError              = "SCHEMA_ERROR"
	ReasonValidationError          = "VALIDATION_ERROR"
	ReasonSchemaTypeError          = "SCHEMA_TYPE_ERROR"
	ReasonFileNotFound             = "FILE_NOT_FOUND"
	ReasonIncorrectSchema          = "INCORRECT_SCHEMA"
	ReasonSchemaRefValidationError = "SCHEMA_REF_VALIDATION_ERROR"
	ReasonDuplicateUniqueField     = "DUPLICATE_UNIQUE_FIELD"
	ReasonDuplicateContextUnique   = "DUPLICATE_CONTEXT_UNIQUE_FIELD"
)

// Detail is the inner result object.
type Detail struct {
	Summary       string `json:"summary"`
	Status        Status `json:"status"`
	SchemaURL     string `json:"schema_url,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Error         string `json:"error,omitempty"`
	Ref           string `json:"ref,omitempty"`
	Ptr           string `json:"ptr,omitempty"`
	MetaSchemaURL string `json:"meta_schema_url,omitempty"`
}

// Result is one validation outcome, serializable for the process wrapper.
type Result struct {
	Filename string `json:"filename"`
	Kind     Kind   `json:"kind"`
	Ref      string `json:"ref,omitempty"`
	Result   Detail `json:"result"`
}

// IsError reports whether the result carries error status.
func (r Result) IsError() bool {
	return r.Result.Status == StatusError
}

func okResult(kind Kind, filename, schemaURL string) Result {
	return Result{
		Filename: filename,
		Kind:     kind,
		Result: Detail{
			Summary:   fmt.Sprintf("OK: %s (%s)", filename, schemaURL),
			Status:    StatusOK,
			SchemaURL: schemaURL,
		},
	}
}

func okRefResult(kind Kind, filename, ref, schemaURL string) Result {
	return Result{
		Filename: filename,
		Kind:     kind,
		Ref:      ref,
		Result: Detail{
			Summary:   fmt.Sprintf("OK: %s (%s) (%s)", filename, ref, schemaURL),
			Status:    StatusOK,
			SchemaURL: schemaURL,
			Ref:       ref,
		},
	}
}

func errResult(kind Kind, filename, reason string, err error) Result {
	return Result{
		Filename: filename,
		Kind:     kind,
		Result: Detail{
			Summary: fmt.Sprintf("ERROR: %s", filename),
			Status:  StatusError,
			Reason:  reason,
			Error:   err.Error(),
		},
	}
}
