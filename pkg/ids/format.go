package ids

import (
	"fmt"
	"strings"
)

// FormatInputID builds a canonical Input id from an alias path, a short name
// and optional concrete indices.
func FormatInputID(path []string, name string, indices ...int) (InputID, error) {
	s, err := format(KindInput, path, name, indices)
	return InputID(s), err
}

// FormatArtifactID builds a canonical Artifact id from an alias path, a short
// name and optional concrete indices.
func FormatArtifactID(path []string, name string, indices ...int) (ArtifactID, error) {
	s, err := format(KindArtifact, path, name, indices)
	return ArtifactID(s), err
}

// FormatProducerID builds a canonical Producer id. The indices identify the
// dimension coordinate of a concrete job instantiated from the producer.
func FormatProducerID(path []string, name string, indices ...int) (ProducerID, error) {
	s, err := format(KindProducer, path, name, indices)
	return ProducerID(s), err
}

// OwnerPath picks the path under which a producer's ids are scoped: the
// blueprint alias when one is supplied, else the producer's internal name.
func OwnerPath(alias, internal string) []string {
	if alias != "" {
		return []string{alias}
	}
	return []string{internal}
}

// ProducerInputID formats the producer-scoped input id for one of a
// producer's declared input keys, "Input:<producerAlias>.<key>".
func ProducerInputID(producerAlias, key string) (InputID, error) {
	return FormatInputID([]string{producerAlias}, key)
}

func format(kind Kind, path []string, name string, indices []int) (string, error) {
	if name == "" {
		return "", parseErr(string(kind)+":", "empty name")
	}
	for _, seg := range path {
		if seg == "" {
			return "", parseErr(string(kind)+":"+name, "empty path segment")
		}
		if strings.ContainsAny(seg, ":") {
			return "", parseErr(seg, "path segment contains kind separator")
		}
	}
	var b strings.Builder
	b.WriteString(string(kind))
	b.WriteByte(':')
	for _, seg := range path {
		b.WriteString(seg)
		b.WriteByte('.')
	}
	b.WriteString(name)
	for _, idx := range indices {
		if idx < 0 {
			return "", parseErr(b.String(), fmt.Sprintf("negative index %d", idx))
		}
		fmt.Fprintf(&b, "[%d]", idx)
	}
	out := b.String()
	if _, err := Parse(out); err != nil {
		return "", err
	}
	return out, nil
}
