package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrManifestNotFound indicates no current.json pointer exists for the movie.
	ErrManifestNotFound = errors.New("manifest not found")

	// ErrManifestConflict indicates the stored manifest changed since it was
	// loaded (concurrent editing collision).
	ErrManifestConflict = errors.New("manifest conflict")
)

// ConflictError carries the digests involved in a manifest conflict.
type ConflictError struct {
	MovieID  string
	Expected string
	Stored   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("manifest conflict for movie %s: expected digest %s, stored %s",
		e.MovieID, e.Expected, e.Stored)
}

// Unwrap allows errors.Is(err, ErrManifestConflict).
func (e *ConflictError) Unwrap() error { return ErrManifestConflict }
