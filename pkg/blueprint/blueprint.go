// Package blueprint defines the declarative pipeline document and its
// loaders: the blueprint YAML (producers, artifacts, edges, conditions), the
// user inputs file, and the producer models file selecting provider variants.
package blueprint

import (
	"fmt"

	"github.com/reelworks/reel/pkg/ids"
)

// ValueType is the declared type of an input.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeInteger ValueType = "integer"
	TypeBoolean ValueType = "boolean"
	TypeArray   ValueType = "array"
	TypeObject  ValueType = "object"
	TypeBlob    ValueType = "blob"
)

// IsValid checks if the value type is known. Empty means string.
func (t ValueType) IsValid() bool {
	switch t {
	case "", TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject, TypeBlob:
		return true
	default:
		return false
	}
}

// InputDecl declares a typed input, either global or producer-scoped.
type InputDecl struct {
	Type     ValueType `yaml:"type"`
	Required bool      `yaml:"required"`
	Order    int       `yaml:"order"`
	Default  any       `yaml:"default"`
}

// CountSpec sizes an array-typed artifact: either a literal count or a
// reference to an integer input, optionally with an additive offset. The
// Dimension symbol names the axis the artifact fans out over.
type CountSpec struct {
	Dimension        string `yaml:"dimension"`
	Literal          *int   `yaml:"literal"`
	CountInput       string `yaml:"countInput"`
	CountInputOffset int    `yaml:"countInputOffset"`
}

// ArtifactDecl declares a named producer output. A nil Count means scalar.
type ArtifactDecl struct {
	Name  string     `yaml:"name"`
	Count *CountSpec `yaml:"count"`
}

// PanelDecl declares grid panel extraction: N extra output artifacts computed
// from the primary output by a post-processing crop step.
type PanelDecl struct {
	Source    string `yaml:"source"`    // primary artifact name
	Name      string `yaml:"name"`      // panel artifact name, e.g. PanelImages
	GridStyle string `yaml:"gridStyle"` // "3x3"
	Width     int    `yaml:"width"`     // primary image dimensions
	Height    int    `yaml:"height"`
}

// GridDims parses the "CxR" grid style.
func (p *PanelDecl) GridDims() (cols, rows int, err error) {
	if n, err := fmt.Sscanf(p.GridStyle, "%dx%d", &cols, &rows); err != nil || n != 2 || cols < 1 || rows < 1 {
		return 0, 0, fmt.Errorf("bad gridStyle %q", p.GridStyle)
	}
	return cols, rows, nil
}

// CountPanels returns the number of panels.
func (p *PanelDecl) CountPanels() (int, error) {
	cols, rows, err := p.GridDims()
	if err != nil {
		return 0, err
	}
	return cols * rows, nil
}

// OutputArrayDecl marks an array field inside a producer's output schema that
// is decomposed into per-index virtual artifacts. Extracted from the schema's
// x-count-input annotations.
type OutputArrayDecl struct {
	Path             []string // field path from the artifact root
	CountInput       string
	CountInputOffset int
	ItemFields       []string // scalar properties of the item schema, sorted
}

// ProducerNode declares one producer: its scoped inputs, artifacts, optional
// schemas and panel extraction.
type ProducerNode struct {
	Alias            string                `yaml:"-"` // map key
	Name             string                `yaml:"name"`
	Inputs           map[string]*InputDecl `yaml:"inputs"`
	Artifacts        []*ArtifactDecl       `yaml:"artifacts"`
	InputSchemaJSON  string                `yaml:"inputSchema"`
	OutputSchemaJSON string                `yaml:"outputSchema"`
	OutputArtifact   string                `yaml:"outputArtifact"` // artifact the output schema describes
	Panels           *PanelDecl            `yaml:"panels"`

	// Populated by the loader from OutputSchemaJSON annotations.
	OutputArrays []OutputArrayDecl `yaml:"-"`
}

// Owner returns the path under which the producer's ids are scoped.
func (p *ProducerNode) Owner() []string {
	return ids.OwnerPath(p.Alias, p.Name)
}

// Artifact finds a declared artifact by name.
func (p *ProducerNode) Artifact(name string) *ArtifactDecl {
	for _, a := range p.Artifacts {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Condition gates an edge on an already-materialized value: an input or an
// upstream artifact scalar field.
type Condition struct {
	Source    string `yaml:"source"` // canonical id of the value
	Field     string `yaml:"field"`  // optional dot path inside the value
	Equals    any    `yaml:"equals"`
	NotEquals any    `yaml:"notEquals"`
	Exists    *bool  `yaml:"exists"`
}

// Edge connects a producer artifact endpoint to a downstream producer input
// endpoint, optionally gated by a condition and parameterised by a dimension
// binding (consumer symbol → upstream symbol).
type Edge struct {
	From      string            `yaml:"from"`
	To        string            `yaml:"to"`
	Condition string            `yaml:"condition"` // name into Conditions
	When      *Condition        `yaml:"when"`      // inline alternative
	Bind      map[string]string `yaml:"bind"`      // from-symbol → to-symbol
}

// Blueprint is the loaded pipeline document.
type Blueprint struct {
	Name       string                   `yaml:"name"`
	Inputs     map[string]*InputDecl    `yaml:"inputs"`
	Producers  map[string]*ProducerNode `yaml:"producers"`
	Edges      []*Edge                  `yaml:"edges"`
	Conditions map[string]*Condition    `yaml:"conditions"`
}

// Producer returns the node registered under an alias.
func (b *Blueprint) Producer(alias string) (*ProducerNode, bool) {
	p, ok := b.Producers[alias]
	return p, ok
}

// ResolveCondition returns the edge's condition: the inline one when present,
// else the named one. The bool reports whether the edge is conditional at
// all; a missing named condition is an error.
func (b *Blueprint) ResolveCondition(e *Edge) (*Condition, bool, error) {
	if e.When != nil {
		if e.Condition != "" {
			return nil, true, fmt.Errorf("edge %s -> %s: both named and inline condition", e.From, e.To)
		}
		return e.When, true, nil
	}
	if e.Condition == "" {
		return nil, false, nil
	}
	cond, ok := b.Conditions[e.Condition]
	if !ok {
		return nil, true, fmt.Errorf("edge %s -> %s: unknown condition %q", e.From, e.To, e.Condition)
	}
	return cond, true, nil
}

// Endpoint is a parsed edge endpoint: [producer][dims].[name][dims].field...
type Endpoint struct {
	Raw          string
	Producer     string
	ProducerDims []ids.DimRef
	Name         string
	NameDims     []ids.DimRef
	Field        []string
}

// ParseEndpoint splits an edge endpoint into producer, name, dimension
// selectors and trailing field path.
func ParseEndpoint(raw string) (*Endpoint, error) {
	segments, err := ids.SplitPath(raw)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", raw, err)
	}
	if len(segments) < 2 {
		return nil, fmt.Errorf("endpoint %q: expected producer.name", raw)
	}
	producer, pdims, err := ids.ParseSegment(segments[0])
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", raw, err)
	}
	name, ndims, err := ids.ParseSegment(segments[1])
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", raw, err)
	}
	ep := &Endpoint{
		Raw:          raw,
		Producer:     producer,
		ProducerDims: pdims,
		Name:         name,
		NameDims:     ndims,
		Field:        segments[2:],
	}
	return ep, nil
}

// Dims returns the endpoint's dimension selectors: selectors on the producer
// segment and the name segment combined, producer first.
func (ep *Endpoint) Dims() []ids.DimRef {
	out := make([]ids.DimRef, 0, len(ep.ProducerDims)+len(ep.NameDims))
	out = append(out, ep.ProducerDims...)
	out = append(out, ep.NameDims...)
	return out
}
