// Package ids defines the canonical identifier model shared by every part of
// the engine. Inputs, artifacts and producers are addressed by ids of the form
// "Kind:Path" where Path is a dot-separated sequence of segments, each segment
// optionally carrying one or more integer index suffixes (e.g.
// "Artifact:ImageProducer.SegmentImage[2][0]"). During graph expansion an
// intermediate dimension form is used where index suffixes name a dimension
// symbol instead of a concrete integer ("[segment]", "[image+1]").
package ids

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the three id namespaces.
type Kind string

const (
	KindInput    Kind = "Input"
	KindArtifact Kind = "Artifact"
	KindProducer Kind = "Producer"
)

// IsValid checks if the kind is one of the three known namespaces.
func (k Kind) IsValid() bool {
	switch k {
	case KindInput, KindArtifact, KindProducer:
		return true
	default:
		return false
	}
}

// InputID, ArtifactID and ProducerID are validated canonical ids. They are
// constructed through the Parse*/Format* factories; code that accepts one may
// assume it parses cleanly.
type (
	InputID    string
	ArtifactID string
	ProducerID string
)

func (id InputID) String() string    { return string(id) }
func (id ArtifactID) String() string { return string(id) }
func (id ProducerID) String() string { return string(id) }

// ErrInvalidCanonicalID is the sentinel wrapped by every id parsing failure.
var ErrInvalidCanonicalID = errors.New("invalid canonical id")

// ParseError carries the offending id and the reason parsing failed.
type ParseError struct {
	ID     string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid canonical id %q: %s", e.ID, e.Reason)
}

// Unwrap allows errors.Is(err, ErrInvalidCanonicalID).
func (e *ParseError) Unwrap() error { return ErrInvalidCanonicalID }

func parseErr(id, reason string) error {
	return &ParseError{ID: id, Reason: reason}
}

// KindOf returns the kind prefix of a canonical id, without validating the
// rest of the id. The second return is false when the prefix is missing or
// unknown.
func KindOf(id string) (Kind, bool) {
	prefix, _, found := strings.Cut(id, ":")
	if !found {
		return "", false
	}
	k := Kind(prefix)
	return k, k.IsValid()
}

// IsCanonicalInputID reports whether id is a well-formed Input id.
func IsCanonicalInputID(id string) bool { return isCanonical(id, KindInput) }

// IsCanonicalArtifactID reports whether id is a well-formed Artifact id.
func IsCanonicalArtifactID(id string) bool { return isCanonical(id, KindArtifact) }

// IsCanonicalProducerID reports whether id is a well-formed Producer id.
func IsCanonicalProducerID(id string) bool { return isCanonical(id, KindProducer) }

func isCanonical(id string, kind Kind) bool {
	c, err := Parse(id)
	return err == nil && c.Kind == kind
}

// ParseInputID validates and types a raw string as an InputID.
func ParseInputID(id string) (InputID, error) {
	c, err := Parse(id)
	if err != nil {
		return "", err
	}
	if c.Kind != KindInput {
		return "", parseErr(id, fmt.Sprintf("expected %s id, got %s", KindInput, c.Kind))
	}
	return InputID(id), nil
}

// ParseArtifactID validates and types a raw string as an ArtifactID.
func ParseArtifactID(id string) (ArtifactID, error) {
	c, err := Parse(id)
	if err != nil {
		return "", err
	}
	if c.Kind != KindArtifact {
		return "", parseErr(id, fmt.Sprintf("expected %s id, got %s", KindArtifact, c.Kind))
	}
	return ArtifactID(id), nil
}

// ParseProducerID validates and types a raw string as a ProducerID.
func ParseProducerID(id string) (ProducerID, error) {
	c, err := Parse(id)
	if err != nil {
		return "", err
	}
	if c.Kind != KindProducer {
		return "", parseErr(id, fmt.Sprintf("expected %s id, got %s", KindProducer, c.Kind))
	}
	return ProducerID(id), nil
}
