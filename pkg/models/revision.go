package models

import (
	"fmt"
	"regexp"
	"strconv"
)

// InitialRevision is the revision synthesized for a movie with no manifest.
const InitialRevision = "rev-0000"

var revisionPattern = regexp.MustCompile(`^rev-(\d{4,})$`)

// FormatRevision renders a revision ordinal as its canonical "rev-NNNN" form.
func FormatRevision(n int) string {
	return fmt.Sprintf("rev-%04d", n)
}

// ParseRevision extracts the ordinal from a "rev-NNNN" identifier.
func ParseRevision(rev string) (int, error) {
	m := revisionPattern.FindStringSubmatch(rev)
	if m == nil {
		return 0, fmt.Errorf("malformed revision %q", rev)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("malformed revision %q: %w", rev, err)
	}
	return n, nil
}

// NextRevision returns the successor of a revision identifier.
func NextRevision(rev string) (string, error) {
	n, err := ParseRevision(rev)
	if err != nil {
		return "", err
	}
	return FormatRevision(n + 1), nil
}
