package blueprint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Load reads and validates a blueprint YAML file.
func Load(path string) (*Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newParserError(InvalidBlueprint, path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a blueprint document.
func Parse(data []byte) (*Blueprint, error) {
	var bp Blueprint
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&bp); err != nil {
		return nil, newParserError(InvalidBlueprint, "blueprint", err)
	}
	if err := validate(&bp); err != nil {
		return nil, err
	}
	return &bp, nil
}

func validate(bp *Blueprint) error {
	if len(bp.Producers) == 0 {
		return newParserError(InvalidBlueprint, bp.Name, fmt.Errorf("no producers declared"))
	}
	for name, decl := range bp.Inputs {
		if decl == nil {
			bp.Inputs[name] = &InputDecl{}
			continue
		}
		if !decl.Type.IsValid() {
			return newParserError(InvalidBlueprint, name, fmt.Errorf("unknown input type %q", decl.Type))
		}
	}

	for alias, node := range bp.Producers {
		if node == nil {
			return newParserError(InvalidBlueprint, alias, fmt.Errorf("empty producer"))
		}
		node.Alias = alias
		if node.Name == "" {
			node.Name = alias
		}
		if err := validateProducer(bp, node); err != nil {
			return err
		}
	}

	for _, edge := range bp.Edges {
		if err := validateEdge(bp, edge); err != nil {
			return err
		}
	}
	return nil
}

func validateProducer(bp *Blueprint, node *ProducerNode) error {
	seen := make(map[string]bool)
	for _, art := range node.Artifacts {
		if art.Name == "" {
			return newParserError(InvalidBlueprint, node.Alias, fmt.Errorf("artifact with no name"))
		}
		if seen[art.Name] {
			return newParserError(InvalidBlueprint, node.Alias, fmt.Errorf("duplicate artifact %q", art.Name))
		}
		seen[art.Name] = true
		if c := art.Count; c != nil {
			if c.Dimension == "" {
				return newParserError(InvalidBlueprint, node.Alias,
					fmt.Errorf("array artifact %q has no dimension symbol", art.Name))
			}
			if c.Literal == nil && c.CountInput == "" {
				return newParserError(InvalidBlueprint, node.Alias,
					fmt.Errorf("array artifact %q has neither literal count nor countInput", art.Name))
			}
		}
	}

	if node.Panels != nil {
		if node.Artifact(node.Panels.Source) == nil {
			return newParserError(InvalidBlueprint, node.Alias,
				fmt.Errorf("panel source %q is not a declared artifact", node.Panels.Source))
		}
		if _, err := node.Panels.CountPanels(); err != nil {
			return newParserError(InvalidBlueprint, node.Alias, err)
		}
	}

	if node.OutputSchemaJSON != "" {
		arrays, err := parseOutputSchema(node)
		if err != nil {
			return err
		}
		node.OutputArrays = arrays
	}
	return nil
}

func validateEdge(bp *Blueprint, edge *Edge) error {
	from, err := ParseEndpoint(edge.From)
	if err != nil {
		return newParserError(InvalidBlueprint, edge.From, err)
	}
	to, err := ParseEndpoint(edge.To)
	if err != nil {
		return newParserError(InvalidBlueprint, edge.To, err)
	}
	if _, ok := bp.Producers[from.Producer]; !ok {
		return newParserError(InvalidBlueprint, edge.From, fmt.Errorf("unknown producer %q", from.Producer))
	}
	if _, ok := bp.Producers[to.Producer]; !ok {
		return newParserError(InvalidBlueprint, edge.To, fmt.Errorf("unknown producer %q", to.Producer))
	}
	if _, _, err := bp.ResolveCondition(edge); err != nil {
		return newParserError(InvalidBlueprint, edge.From, err)
	}
	return nil
}

// parseOutputSchema compiles the producer's output schema for validity and
// extracts x-count-input annotations on array fields. Each annotated array
// is decomposed into per-index virtual artifacts at expansion time.
func parseOutputSchema(node *ProducerNode) ([]OutputArrayDecl, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(node.OutputSchemaJSON), &raw); err != nil {
		return nil, newParserError(InvalidOutputSchemaJson, node.Alias, err)
	}

	// Compile to catch structurally invalid schemas, not just invalid JSON.
	var doc any
	if err := json.Unmarshal([]byte(node.OutputSchemaJSON), &doc); err != nil {
		return nil, newParserError(InvalidOutputSchemaJson, node.Alias, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, newParserError(InvalidOutputSchemaJson, node.Alias, err)
	}
	if _, err := compiler.Compile("schema.json"); err != nil {
		return nil, newParserError(InvalidOutputSchemaJson, node.Alias, err)
	}

	var arrays []OutputArrayDecl
	collectOutputArrays(raw, nil, &arrays)
	sort.Slice(arrays, func(i, j int) bool {
		return strings.Join(arrays[i].Path, ".") < strings.Join(arrays[j].Path, ".")
	})
	return arrays, nil
}

// collectOutputArrays walks a JSON schema object tree gathering array fields
// annotated with x-count-input.
func collectOutputArrays(schema map[string]any, path []string, out *[]OutputArrayDecl) {
	if schema["type"] == "array" {
		items, _ := schema["items"].(map[string]any)
		if countInput, ok := schema["x-count-input"].(string); ok {
			offset := 0
			if v, ok := schema["x-count-offset"].(float64); ok {
				offset = int(v)
			}
			decl := OutputArrayDecl{
				Path:             append([]string(nil), path...),
				CountInput:       countInput,
				CountInputOffset: offset,
			}
			if props, ok := items["properties"].(map[string]any); ok {
				for name := range props {
					decl.ItemFields = append(decl.ItemFields, name)
				}
				sort.Strings(decl.ItemFields)
			}
			*out = append(*out, decl)
		}
		if items != nil {
			collectOutputArrays(items, path, out)
		}
		return
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return
	}
	for name, sub := range props {
		if subSchema, ok := sub.(map[string]any); ok {
			child := append(append([]string(nil), path...), name)
			collectOutputArrays(subSchema, child, out)
		}
	}
}

// CompileInputSchema compiles a producer's input schema for request
// validation in the dispatch layer. Returns nil when the producer has none.
func CompileInputSchema(node *ProducerNode) (*jsonschema.Schema, error) {
	if node.InputSchemaJSON == "" {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal([]byte(node.InputSchemaJSON), &doc); err != nil {
		return nil, newParserError(InvalidOutputSchemaJson, node.Alias, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("input.json", doc); err != nil {
		return nil, newParserError(InvalidOutputSchemaJson, node.Alias, err)
	}
	schema, err := compiler.Compile("input.json")
	if err != nil {
		return nil, newParserError(InvalidOutputSchemaJson, node.Alias, err)
	}
	return schema, nil
}
