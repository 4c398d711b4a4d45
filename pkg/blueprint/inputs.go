package blueprint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/reelworks/reel/pkg/ids"
)

// filePrefix marks an inputs-file value that references a local file.
const filePrefix = "file:"

// ArtifactOverride is a user-supplied blob replacing a job's output. The
// planner persists it as a succeeded artefact event and forces the consumers
// of the artifact to re-run.
type ArtifactOverride struct {
	ArtifactID string
	Path       string
	Data       []byte
	MimeType   string
}

// InputsFile is the parsed user inputs document: canonicalized input values
// keyed by Input: id, plus any artifact overrides.
type InputsFile struct {
	Values    map[string]any
	Overrides []*ArtifactOverride
}

// LoadInputs reads and canonicalizes a user inputs YAML file against the
// blueprint. File references inside the document resolve relative to the
// file's directory.
func LoadInputs(bp *Blueprint, path string) (*InputsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newParserError(InvalidInputFile, path, err)
	}
	return ParseInputs(bp, data, filepath.Dir(path))
}

// ParseInputs canonicalizes an inputs document: keys become Input: ids or
// artifact overrides, declared defaults fill gaps, required inputs are
// enforced and values are type-checked.
func ParseInputs(bp *Blueprint, data []byte, baseDir string) (*InputsFile, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, newParserError(InvalidInputFile, "inputs", err)
	}

	out := &InputsFile{Values: make(map[string]any)}
	if len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			return nil, newParserError(InvalidInputFile, "inputs", fmt.Errorf("document is not a mapping"))
		}
		seen := make(map[string]bool)
		for i := 0; i+1 < len(root.Content); i += 2 {
			keyNode, valNode := root.Content[i], root.Content[i+1]
			key := keyNode.Value
			if seen[key] {
				return nil, newParserError(DuplicateInputKey, key, nil)
			}
			seen[key] = true

			var value any
			if err := valNode.Decode(&value); err != nil {
				return nil, newParserError(InvalidInputFile, key, err)
			}
			if err := classifyEntry(bp, out, key, value, baseDir); err != nil {
				return nil, err
			}
		}
	}

	applyDefaults(bp, out)
	if err := checkRequired(bp, out); err != nil {
		return nil, err
	}
	return out, nil
}

// classifyEntry routes one inputs-file entry to a canonical input value or
// an artifact override.
func classifyEntry(bp *Blueprint, out *InputsFile, key string, value any, baseDir string) error {
	segments, err := ids.SplitPath(key)
	if err != nil {
		return newParserError(InvalidInputFile, key, err)
	}

	// Bare key: a global input.
	if len(segments) == 1 {
		decl, ok := bp.Inputs[key]
		if !ok {
			return newParserError(UnknownInput, key, nil)
		}
		checked, err := checkType(key, decl, value)
		if err != nil {
			return err
		}
		id, err := ids.FormatInputID(nil, key)
		if err != nil {
			return newParserError(InvalidInputFile, key, err)
		}
		out.Values[id.String()] = checked
		return nil
	}

	// Producer-scoped key: either a declared producer input or an artifact
	// override path.
	producer, ok := bp.Producers[segments[0]]
	if !ok {
		return newParserError(UnknownInput, key, fmt.Errorf("unknown producer %q", segments[0]))
	}

	if len(segments) == 2 {
		name, dims, err := ids.ParseSegment(segments[1])
		if err != nil {
			return newParserError(InvalidInputFile, key, err)
		}
		if len(dims) == 0 {
			if decl, ok := producer.Inputs[name]; ok {
				checked, err := checkType(key, decl, value)
				if err != nil {
					return err
				}
				id, err := ids.ProducerInputID(producer.Alias, name)
				if err != nil {
					return newParserError(InvalidInputFile, key, err)
				}
				out.Values[id.String()] = checked
				return nil
			}
		}
	}

	return parseOverride(bp, out, producer, key, value, baseDir)
}

// parseOverride validates an artifact override entry and loads its payload.
func parseOverride(bp *Blueprint, out *InputsFile, producer *ProducerNode, key string, value any, baseDir string) error {
	// The overridden id must be rooted in a declared artifact or in the
	// artifact an output schema decomposes; anything else is an unknown key.
	segments, _ := ids.SplitPath(key)
	rootName, _, err := ids.ParseSegment(segments[1])
	if err != nil {
		return newParserError(InvalidArtifactOverride, key, err)
	}
	if producer.Artifact(rootName) == nil && producer.OutputArtifact != rootName {
		return newParserError(UnknownInput, key,
			fmt.Errorf("producer %q declares no input or artifact %q", producer.Alias, rootName))
	}

	ref, ok := value.(string)
	if !ok || !strings.HasPrefix(ref, filePrefix) {
		return newParserError(InvalidArtifactOverride, key,
			fmt.Errorf("override value must be a %s reference", filePrefix))
	}

	rel := strings.TrimPrefix(ref, filePrefix)
	path := rel
	if !filepath.IsAbs(rel) {
		path = filepath.Join(baseDir, rel)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return newParserError(InvalidArtifactOverride, key, err)
	}
	if _, err := ids.ParseArtifactID("Artifact:" + key); err != nil {
		return newParserError(InvalidArtifactOverride, key, err)
	}

	out.Overrides = append(out.Overrides, &ArtifactOverride{
		ArtifactID: "Artifact:" + key,
		Path:       path,
		Data:       data,
		MimeType:   mimeForPath(path),
	})
	return nil
}

func applyDefaults(bp *Blueprint, out *InputsFile) {
	for name, decl := range bp.Inputs {
		if decl == nil || decl.Default == nil {
			continue
		}
		id := "Input:" + name
		if _, ok := out.Values[id]; !ok {
			out.Values[id] = decl.Default
		}
	}
}

func checkRequired(bp *Blueprint, out *InputsFile) error {
	for name, decl := range bp.Inputs {
		if decl != nil && decl.Required {
			if _, ok := out.Values["Input:"+name]; !ok {
				return newParserError(MissingRequiredInput, name, nil)
			}
		}
	}
	return nil
}

// checkType verifies a value against the declared input type. Integers are
// normalised to int; YAML decodes whole numbers as int already.
func checkType(key string, decl *InputDecl, value any) (any, error) {
	if decl == nil {
		return value, nil
	}
	switch decl.Type {
	case "", TypeString:
		if _, ok := value.(string); !ok && decl.Type == TypeString {
			return nil, newParserError(InvalidInputFile, key, fmt.Errorf("expected string, got %T", value))
		}
	case TypeInteger:
		switch v := value.(type) {
		case int:
		case int64:
			value = int(v)
		case float64:
			if v != float64(int(v)) {
				return nil, newParserError(InvalidInputFile, key, fmt.Errorf("expected integer, got %v", v))
			}
			value = int(v)
		default:
			return nil, newParserError(InvalidInputFile, key, fmt.Errorf("expected integer, got %T", value))
		}
	case TypeNumber:
		switch value.(type) {
		case int, int64, float64:
		default:
			return nil, newParserError(InvalidInputFile, key, fmt.Errorf("expected number, got %T", value))
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return nil, newParserError(InvalidInputFile, key, fmt.Errorf("expected boolean, got %T", value))
		}
	case TypeArray:
		if _, ok := value.([]any); !ok {
			return nil, newParserError(InvalidInputFile, key, fmt.Errorf("expected array, got %T", value))
		}
	}
	return value, nil
}

// extToMime maps override file extensions to blob mime types.
var extToMime = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".mp4":  "video/mp4",
	".webm": "video/webm",
}

func mimeForPath(path string) string {
	if mime, ok := extToMime[strings.ToLower(filepath.Ext(path))]; ok {
		return mime
	}
	return "application/octet-stream"
}
