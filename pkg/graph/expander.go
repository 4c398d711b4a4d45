package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/reelworks/reel/pkg/blueprint"
	"github.com/reelworks/reel/pkg/ids"
)

// Expand instantiates the blueprint under concrete input values into the job
// graph. values maps canonical ids to materialized values (this revision's
// inputs plus any inline artifact scalars from the manifest); variants is the
// resolved provider variant per producer alias and may be nil.
func Expand(bp *blueprint.Blueprint, values map[string]any, variants map[string]*blueprint.VariantSelection) (*Graph, error) {
	ex := &expander{bp: bp, values: values, variants: variants}
	if err := ex.resolveDimensions(); err != nil {
		return nil, err
	}
	jobs, err := ex.instantiate()
	if err != nil {
		return nil, err
	}
	return newGraph(jobs)
}

type expander struct {
	bp       *blueprint.Blueprint
	values   map[string]any
	variants map[string]*blueprint.VariantSelection

	dims map[string]int // dimension symbol → size
}

// sortedAliases returns producer aliases in deterministic order.
func (ex *expander) sortedAliases() []string {
	aliases := make([]string, 0, len(ex.bp.Producers))
	for alias := range ex.bp.Producers {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// resolveDimensions sizes every dimension symbol once, from the count
// declarations of array-typed artifacts. The same symbol may appear in
// several producers as long as the sizes agree.
func (ex *expander) resolveDimensions() error {
	ex.dims = make(map[string]int)
	for _, alias := range ex.sortedAliases() {
		node := ex.bp.Producers[alias]
		for _, art := range node.Artifacts {
			if art.Count == nil {
				continue
			}
			size, err := ex.countOf(art.Count.Literal, art.Count.CountInput, art.Count.CountInputOffset, alias+"."+art.Name)
			if err != nil {
				return err
			}
			symbol := art.Count.Dimension
			if existing, ok := ex.dims[symbol]; ok && existing != size {
				return newExpansionError(symbol,
					fmt.Errorf("conflicting count: %d (at %s.%s) vs %d", size, alias, art.Name, existing))
			}
			ex.dims[symbol] = size
		}
	}
	return nil
}

// countOf evaluates a count declaration: a literal, or int(values[countInput])
// plus the additive offset.
func (ex *expander) countOf(literal *int, countInput string, offset int, at string) (int, error) {
	if literal != nil {
		if *literal < 0 {
			return 0, newExpansionError(at, fmt.Errorf("negative literal count %d", *literal))
		}
		return *literal, nil
	}
	raw, ok := ex.values["Input:"+countInput]
	if !ok {
		return 0, newExpansionError(at, fmt.Errorf("count input %q has no value", countInput))
	}
	n, ok := asInt(raw)
	if !ok || n < 0 {
		return 0, newExpansionError(at,
			fmt.Errorf("count input %q is not a non-negative integer: %v", countInput, raw))
	}
	return n + offset, nil
}

// producerSymbols returns the ordered dimension symbols a producer is
// parameterised over: its own array artifacts' symbols first, then symbols
// appearing in to-side selectors of its incoming edges.
func (ex *expander) producerSymbols(alias string) ([]string, error) {
	node := ex.bp.Producers[alias]
	var symbols []string
	seen := make(map[string]bool)
	add := func(symbol string) error {
		if seen[symbol] {
			return nil
		}
		if _, ok := ex.dims[symbol]; !ok {
			return newExpansionError(alias, fmt.Errorf("unknown dimension symbol %q", symbol))
		}
		seen[symbol] = true
		symbols = append(symbols, symbol)
		return nil
	}

	for _, art := range node.Artifacts {
		if art.Count != nil {
			if err := add(art.Count.Dimension); err != nil {
				return nil, err
			}
		}
	}
	for _, edge := range ex.bp.Edges {
		to, err := blueprint.ParseEndpoint(edge.To)
		if err != nil || to.Producer != alias {
			continue
		}
		for _, d := range to.Dims() {
			if !d.IsLiteral() {
				if err := add(d.Symbol); err != nil {
					return nil, err
				}
			}
		}
	}
	return symbols, nil
}

// instantiate creates one job per producer per dimension coordinate.
func (ex *expander) instantiate() ([]*Job, error) {
	var jobs []*Job
	for _, alias := range ex.sortedAliases() {
		symbols, err := ex.producerSymbols(alias)
		if err != nil {
			return nil, err
		}
		sizes := make([]int, len(symbols))
		for i, symbol := range symbols {
			sizes[i] = ex.dims[symbol]
		}
		for _, coord := range coordinates(sizes) {
			job, err := ex.buildJob(alias, symbols, coord)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// coordinates enumerates the cartesian product of the sizes in ascending
// row-major order. Empty sizes yield a single empty coordinate; any zero
// size yields none.
func coordinates(sizes []int) [][]int {
	coords := [][]int{{}}
	for _, size := range sizes {
		var next [][]int
		for _, prefix := range coords {
			for v := 0; v < size; v++ {
				coord := make([]int, len(prefix)+1)
				copy(coord, prefix)
				coord[len(prefix)] = v
				next = append(next, coord)
			}
		}
		coords = next
	}
	return coords
}

func (ex *expander) buildJob(alias string, symbols []string, coord []int) (*Job, error) {
	node := ex.bp.Producers[alias]
	at := make(map[string]int, len(symbols))
	for i, symbol := range symbols {
		at[symbol] = coord[i]
	}

	jobID, err := ids.FormatProducerID(nil, alias, coord...)
	if err != nil {
		return nil, newExpansionError(alias, err)
	}

	job := &Job{
		ID:       jobID.String(),
		Producer: alias,
		Indices:  append([]int(nil), coord...),
		Context:  &JobContext{},
	}
	if v := ex.variants[alias]; v != nil {
		job.Provider = v.Provider
		job.ProviderModel = v.Model
		if len(v.SDKMapping) > 0 {
			job.Context.SDKFields = v.SDKMapping
		}
	}

	if err := ex.addProduces(job, node, at, coord); err != nil {
		return nil, err
	}
	if err := ex.addConsumes(job, node, symbols, at); err != nil {
		return nil, err
	}
	return job, nil
}

// artifactID formats the concrete id of a declared artifact for a job: array
// artifacts are indexed by their dimension's coordinate, scalar artifacts of
// a parameterised producer carry the job coordinate.
func (ex *expander) artifactID(node *blueprint.ProducerNode, art *blueprint.ArtifactDecl, at map[string]int, coord []int) (string, error) {
	var indices []int
	if art.Count != nil {
		indices = []int{at[art.Count.Dimension]}
	} else {
		indices = coord
	}
	id, err := ids.FormatArtifactID(node.Owner(), art.Name, indices...)
	if err != nil {
		return "", newExpansionError(node.Alias+"."+art.Name, err)
	}
	return id.String(), nil
}

func (ex *expander) addProduces(job *Job, node *blueprint.ProducerNode, at map[string]int, coord []int) error {
	for _, art := range node.Artifacts {
		id, err := ex.artifactID(node, art, at, coord)
		if err != nil {
			return err
		}
		job.Produces = append(job.Produces, id)

		// Decompose the output-schema arrays of the artifact the schema
		// describes into per-index virtual artifacts.
		if node.OutputArtifact == art.Name {
			if err := ex.addVirtual(job, node, id); err != nil {
				return err
			}
		}
	}

	if node.Panels != nil {
		if err := ex.addPanels(job, node, coord); err != nil {
			return err
		}
	}
	return nil
}

// addVirtual appends the virtual children of a schema-bearing artifact: one
// id per array index, plus one per declared item field.
func (ex *expander) addVirtual(job *Job, node *blueprint.ProducerNode, parentID string) error {
	base := strings.TrimPrefix(parentID, "Artifact:")
	for _, arr := range node.OutputArrays {
		count, err := ex.countOf(nil, arr.CountInput, arr.CountInputOffset, node.Alias)
		if err != nil {
			return err
		}
		prefix := base
		if len(arr.Path) > 1 {
			prefix += "." + strings.Join(arr.Path[:len(arr.Path)-1], ".")
		}
		leaf := arr.Path[len(arr.Path)-1]
		for i := 0; i < count; i++ {
			element := fmt.Sprintf("Artifact:%s.%s[%d]", prefix, leaf, i)
			job.Produces = append(job.Produces, element)
			for _, field := range arr.ItemFields {
				job.Produces = append(job.Produces, element+"."+field)
			}
		}
	}
	return nil
}

// addPanels appends the grid panel artifacts and records their crop
// rectangles in the job context.
func (ex *expander) addPanels(job *Job, node *blueprint.ProducerNode, coord []int) error {
	panels := node.Panels
	cols, rows, err := panels.GridDims()
	if err != nil {
		return newExpansionError(node.Alias, err)
	}
	cellW, cellH := panels.Width/cols, panels.Height/rows
	for k := 0; k < cols*rows; k++ {
		indices := append(append([]int(nil), coord...), k)
		id, err := ids.FormatArtifactID(node.Owner(), panels.Name, indices...)
		if err != nil {
			return newExpansionError(node.Alias, err)
		}
		job.Produces = append(job.Produces, id.String())
		job.Context.Panels = append(job.Context.Panels, PanelCrop{
			ArtefactID: id.String(),
			X:          (k % cols) * cellW,
			Y:          (k / cols) * cellH,
			W:          cellW,
			H:          cellH,
		})
	}
	return nil
}

func (ex *expander) addConsumes(job *Job, node *blueprint.ProducerNode, symbols []string, at map[string]int) error {
	appendConsume := func(id string) {
		if !job.ConsumesID(id) {
			job.Consumes = append(job.Consumes, id)
		}
	}

	// Declared producer inputs: a key shadowed by a global input of the same
	// name binds to the global id, else to the producer-scoped id.
	inputKeys := make([]string, 0, len(node.Inputs))
	for key := range node.Inputs {
		inputKeys = append(inputKeys, key)
	}
	sort.Strings(inputKeys)
	for _, key := range inputKeys {
		var id string
		if _, global := ex.bp.Inputs[key]; global {
			id = "Input:" + key
		} else {
			scoped, err := ids.ProducerInputID(node.Alias, key)
			if err != nil {
				return newExpansionError(node.Alias, err)
			}
			id = scoped.String()
		}
		appendConsume(id)
		if job.Context.Bindings == nil {
			job.Context.Bindings = make(map[string]string)
		}
		job.Context.Bindings[key] = id
	}

	// Incoming edges.
	for _, edge := range ex.bp.Edges {
		to, err := blueprint.ParseEndpoint(edge.To)
		if err != nil || to.Producer != node.Alias {
			continue
		}

		cond, conditional, err := ex.bp.ResolveCondition(edge)
		if err != nil {
			return newExpansionError(edge.From, err)
		}
		if conditional {
			// Record the condition's dependency even when it gates the edge
			// off, so flipping it later dirties this job.
			appendConsume(cond.Source)
			if !evalCondition(cond, ex.values) {
				continue
			}
		}

		resolved, err := ex.resolveFrom(edge, symbols, at)
		if err != nil {
			return err
		}
		if len(resolved) == 0 {
			continue // out-of-range selector: the edge is omitted
		}
		for _, id := range resolved {
			appendConsume(id)
		}

		key := to.Name
		if len(resolved) == 1 {
			if job.Context.Bindings == nil {
				job.Context.Bindings = make(map[string]string)
			}
			job.Context.Bindings[key] = resolved[0]
		} else {
			if job.Context.FanIn == nil {
				job.Context.FanIn = make(map[string][]string)
			}
			job.Context.FanIn[key] = resolved
		}
	}
	return nil
}

// resolveFrom resolves an edge's from endpoint at a consumer coordinate into
// zero or more concrete artifact ids. A selector whose resolved index falls
// outside the dimension's range yields no ids (the edge is omitted); an
// unbound symbol fans in over every index of its dimension.
func (ex *expander) resolveFrom(edge *blueprint.Edge, symbols []string, at map[string]int) ([]string, error) {
	from, err := blueprint.ParseEndpoint(edge.From)
	if err != nil {
		return nil, newExpansionError(edge.From, err)
	}
	srcNode, ok := ex.bp.Producers[from.Producer]
	if !ok {
		return nil, newExpansionError(edge.From, fmt.Errorf("unknown producer %q", from.Producer))
	}
	if srcNode.Artifact(from.Name) == nil {
		return nil, newExpansionError(edge.From, fmt.Errorf("producer %q declares no artifact %q", from.Producer, from.Name))
	}

	consumerSyms := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		consumerSyms[s] = true
	}

	// Find the fan-in symbol, if any: a symbolic selector neither bound to a
	// consumer symbol nor a consumer symbol itself.
	fanInSymbol := ""
	for _, seg := range endpointSegments(from) {
		_, dims, err := ids.ParseSegment(seg)
		if err != nil {
			return nil, newExpansionError(edge.From, err)
		}
		for _, d := range dims {
			if d.IsLiteral() {
				continue
			}
			if _, sized := ex.dims[d.Symbol]; !sized {
				return nil, newExpansionError(edge.From, fmt.Errorf("unknown dimension symbol %q", d.Symbol))
			}
			bound := d.Symbol
			if b, ok := edge.Bind[d.Symbol]; ok {
				bound = b
			}
			if !consumerSyms[bound] {
				if fanInSymbol != "" && fanInSymbol != d.Symbol {
					return nil, newExpansionError(edge.From,
						fmt.Errorf("multiple unbound dimension symbols %q and %q", fanInSymbol, d.Symbol))
				}
				fanInSymbol = d.Symbol
			}
		}
	}

	fanValues := []int{-1} // sentinel: no fan-in
	if fanInSymbol != "" {
		size := ex.dims[fanInSymbol]
		fanValues = make([]int, size)
		for i := range fanValues {
			fanValues[i] = i
		}
	}

	var out []string
	for _, fanValue := range fanValues {
		id, inRange, err := ex.substitute(from, edge, at, fanInSymbol, fanValue)
		if err != nil {
			return nil, err
		}
		if inRange {
			out = append(out, id)
		}
	}
	return out, nil
}

// endpointSegments returns the raw segments of an endpoint: the producer
// segment, the name segment, then any field path segments.
func endpointSegments(ep *blueprint.Endpoint) []string {
	segs := make([]string, 0, 2+len(ep.Field))
	segs = append(segs, rawSegment(ep.Producer, ep.ProducerDims), rawSegment(ep.Name, ep.NameDims))
	segs = append(segs, ep.Field...)
	return segs
}

func rawSegment(name string, dims []ids.DimRef) string {
	var b strings.Builder
	b.WriteString(name)
	for _, d := range dims {
		b.WriteString(d.String())
	}
	return b.String()
}

// substitute renders the from endpoint as a concrete artifact id, resolving
// every dimension selector at the consumer coordinate. Returns inRange=false
// when any resolved index falls outside its dimension.
func (ex *expander) substitute(from *blueprint.Endpoint, edge *blueprint.Edge, at map[string]int, fanInSymbol string, fanValue int) (string, bool, error) {
	srcNode := ex.bp.Producers[from.Producer]

	resolveDim := func(d ids.DimRef) (int, bool, error) {
		if d.IsLiteral() {
			return d.Literal, true, nil
		}
		var base int
		if d.Symbol == fanInSymbol {
			base = fanValue
		} else {
			bound := d.Symbol
			if b, ok := edge.Bind[d.Symbol]; ok {
				bound = b
			}
			v, ok := at[bound]
			if !ok {
				return 0, false, newExpansionError(from.Raw, fmt.Errorf("unresolved dimension symbol %q", d.Symbol))
			}
			base = v
		}
		idx := base + d.Offset
		if idx < 0 || idx >= ex.dims[d.Symbol] {
			return 0, false, nil
		}
		return idx, true, nil
	}

	resolveSegment := func(seg string) (string, bool, error) {
		name, dims, err := ids.ParseSegment(seg)
		if err != nil {
			return "", false, newExpansionError(from.Raw, err)
		}
		var b strings.Builder
		b.WriteString(name)
		for _, d := range dims {
			idx, ok, err := resolveDim(d)
			if err != nil || !ok {
				return "", ok, err
			}
			fmt.Fprintf(&b, "[%d]", idx)
		}
		return b.String(), true, nil
	}

	// Producer-position selectors index the scalar artifact of a
	// parameterised producer; name-position selectors index the artifact's
	// own dimension.
	var producerIdx []int
	for _, d := range from.ProducerDims {
		idx, ok, err := resolveDim(d)
		if err != nil || !ok {
			return "", ok, err
		}
		producerIdx = append(producerIdx, idx)
	}

	var b strings.Builder
	b.WriteString("Artifact:")
	b.WriteString(strings.Join(srcNode.Owner(), "."))
	b.WriteByte('.')

	nameSeg, ok, err := resolveSegment(rawSegment(from.Name, from.NameDims))
	if err != nil || !ok {
		return "", ok, err
	}
	b.WriteString(nameSeg)
	if len(from.NameDims) == 0 {
		for _, idx := range producerIdx {
			fmt.Fprintf(&b, "[%d]", idx)
		}
	}
	for _, field := range from.Field {
		seg, ok, err := resolveSegment(field)
		if err != nil || !ok {
			return "", ok, err
		}
		b.WriteByte('.')
		b.WriteString(seg)
	}

	id := b.String()
	if _, err := ids.ParseArtifactID(id); err != nil {
		return "", false, newExpansionError(from.Raw, err)
	}
	return id, true, nil
}

// evalCondition evaluates a condition over already-materialized values.
func evalCondition(c *blueprint.Condition, values map[string]any) bool {
	v, ok := lookupValue(values, c.Source, c.Field)
	if c.Exists != nil {
		return ok == *c.Exists
	}
	if !ok {
		return false
	}
	if c.Equals != nil {
		return looseEqual(v, c.Equals)
	}
	if c.NotEquals != nil {
		return !looseEqual(v, c.NotEquals)
	}
	return truthy(v)
}

func lookupValue(values map[string]any, source, field string) (any, bool) {
	v, ok := values[source]
	if !ok || field == "" {
		return v, ok
	}
	for _, part := range strings.Split(field, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return v, true
}

func looseEqual(a, b any) bool {
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	default:
		if f, ok := asFloat(v); ok {
			return f != 0
		}
		return true
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}
