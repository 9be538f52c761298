package schema

import "fmt"

// ErrorKind classifies why a schema document could not be loaded.
type ErrorKind string

const (
	// Malformed means the document could not be parsed or failed structural validation.
	Malformed ErrorKind = "malformed"
	// UnresolvedReference means an internal $ref points at nothing.
	UnresolvedReference ErrorKind = "unresolved_reference"
	// UnsupportedVersion means the document is not an OpenAPI 3.x or Swagger 2.0 document.
	UnsupportedVersion ErrorKind = "unsupported_version"
)

// Error is a fatal schema load failure. A load either produces a complete
// catalog or an *Error; there is no partial catalog.
type Error struct {
	Kind     ErrorKind
	Location string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema %s: %s: %v", e.Kind, e.Location, e.Err)
	}
	return fmt.Sprintf("schema %s: %s", e.Kind, e.Location)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, location string, err error) *Error {
	return &Error{Kind: kind, Location: location, Err: err}
}
