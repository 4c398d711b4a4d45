// Package hashing computes the content hashes the dirty checker relies on:
// canonical JSON payload hashes for input values, and the per-job inputs hash
// over a job's consumed ids. Two runs over identical materialized content
// must produce byte-identical hashes.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/reelworks/reel/pkg/models"
)

// Payload is the result of hashing a value: the sha-256 of its canonical
// JSON serialisation and the canonical bytes themselves.
type Payload struct {
	Hash      string
	Canonical []byte
}

// HashPayload computes the canonical JSON serialisation of a value (object
// keys sorted lexicographically, numbers normalised, array order preserved)
// and returns its sha-256 alongside the canonical bytes.
func HashPayload(v any) (Payload, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return Payload{}, err
	}
	sum := sha256.Sum256(canonical)
	return Payload{Hash: hex.EncodeToString(sum[:]), Canonical: canonical}, nil
}

// HashBytes returns the lowercase hex sha-256 of raw bytes. Blob hashing and
// the id-string fallback both go through here.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON serialises a value deterministically. The value is first
// round-tripped through encoding/json so struct tags and custom marshalers
// apply, then re-rendered with sorted object keys and normalised numbers.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	var b bytes.Buffer
	if err := writeCanonical(&b, decoded); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func writeCanonical(b *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(enc)
	case json.Number:
		b.WriteString(normalizeNumber(val))
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(enc)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("canonical json: unsupported type %T", v)
	}
	return nil
}

// normalizeNumber collapses equivalent JSON number spellings ("1.0", "1e0",
// "1") into a single canonical rendering.
func normalizeNumber(n json.Number) string {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// DigestResolver maps a consumed canonical id to the content digest that
// should represent it in an inputs hash.
type DigestResolver func(id string) string

// HashInputContents computes a job's inputs hash: the sha-256 of the
// canonical concatenation of (id, digest) pairs for every consumed id, in
// consumes order.
func HashInputContents(consumes []string, resolve DigestResolver) string {
	var b strings.Builder
	for _, id := range consumes {
		b.WriteString(id)
		b.WriteByte('=')
		b.WriteString(resolve(id))
		b.WriteByte('\n')
	}
	return HashBytes([]byte(b.String()))
}

// ManifestDigestResolver resolves digests against a manifest: input ids map
// to their recorded payload digest, artifact ids to their blob hash, and
// anything not materialized falls back to the hash of the id string itself.
func ManifestDigestResolver(m *models.Manifest) DigestResolver {
	return func(id string) string {
		if m != nil {
			if strings.HasPrefix(id, "Input:") {
				if entry, ok := m.Inputs[id]; ok && entry.PayloadDigest != "" {
					return entry.PayloadDigest
				}
			} else if strings.HasPrefix(id, "Artifact:") {
				if entry, ok := m.Artefacts[id]; ok && entry.Blob != nil {
					return entry.Blob.Hash
				}
			}
		}
		return HashBytes([]byte(id))
	}
}
