// Package errors classifies the construction-time failures that abort a run:
// a bundle or type catalog that cannot be decoded means nothing downstream
// can be trusted. Validation findings never travel through here; they are
// reported as result records.
package errors

import "errors"

type Category string

const (
	CategoryInvalidBundle  Category = "invalid_bundle"
	CategoryInvalidCatalog Category = "invalid_catalog"
	CategoryIOFailure      Category = "io_failure"
	CategoryNetworkFailure Category = "network_failure"
)

type classifiedError struct {
	category Category
	code     string
	hint     string
	cause    error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func Wrap(cause error, category Category, code, hint string) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category: category,
		code:     code,
		hint:     hint,
		cause:    cause,
	}
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}
