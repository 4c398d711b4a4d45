package blueprint

import (
	"errors"
	"fmt"
)

// ErrParser is the sentinel wrapped by every loader failure.
var ErrParser = errors.New("parser error")

// ParserErrorKind classifies loader failures. The kind doubles as the
// RuntimeErrorCode surfaced to the CLI.
type ParserErrorKind string

const (
	InvalidInputFile        ParserErrorKind = "InvalidInputFile"
	UnknownInput            ParserErrorKind = "UnknownInput"
	MissingRequiredInput    ParserErrorKind = "MissingRequiredInput"
	DuplicateInputKey       ParserErrorKind = "DuplicateInputKey"
	InvalidArtifactOverride ParserErrorKind = "InvalidArtifactOverride"
	UnknownProducerInModels ParserErrorKind = "UnknownProducerInModels"
	AmbiguousModelSelection ParserErrorKind = "AmbiguousModelSelection"
	NoProducerOptions       ParserErrorKind = "NoProducerOptions"
	InvalidOutputSchemaJson ParserErrorKind = "InvalidOutputSchemaJson"
	InvalidBlueprint        ParserErrorKind = "InvalidBlueprint"
)

// ParserError is a structural loader failure. These are fatal at plan entry;
// re-planning hits the same error until the offending file is fixed.
type ParserError struct {
	Kind ParserErrorKind
	ID   string // offending key, producer or artifact id
	Err  error
}

func (e *ParserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.ID)
}

// Unwrap allows errors.Is(err, ErrParser). The cause is kept in Err and
// reported by Error, but errors.Is and errors.As do not reach it.
func (e *ParserError) Unwrap() error { return ErrParser }

// Code returns the RuntimeErrorCode for CLI mapping.
func (e *ParserError) Code() string { return string(e.Kind) }

func newParserError(kind ParserErrorKind, id string, err error) *ParserError {
	return &ParserError{Kind: kind, ID: id, Err: err}
}
