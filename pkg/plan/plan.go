package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/reelworks/reel/pkg/graph"
	"github.com/reelworks/reel/pkg/storage"
)

// ExecutionPlan is an ordered list of layers; jobs within one layer have no
// edges among themselves and run in parallel.
type ExecutionPlan struct {
	MovieID            string         `json:"movieId"`
	Revision           string         `json:"revision"`
	BaseRevision       string         `json:"baseRevision,omitempty"`
	BaseManifestDigest string         `json:"baseManifestDigest,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	Layers             [][]*graph.Job `json:"layers"`
	Explanation        Explanation    `json:"explanation,omitempty"`
}

// JobCount returns the total number of scheduled jobs.
func (p *ExecutionPlan) JobCount() int {
	n := 0
	for _, layer := range p.Layers {
		n += len(layer)
	}
	return n
}

// Jobs returns all scheduled jobs in layer order.
func (p *ExecutionPlan) Jobs() []*graph.Job {
	var out []*graph.Job
	for _, layer := range p.Layers {
		out = append(out, layer...)
	}
	return out
}

// BuildLayers places every dirty job into a layer: one past its deepest
// dirty upstream, or layer 0 with none. upToLayer, when set, removes jobs at
// graph depth beyond it after dirtiness has propagated. Ties within a layer
// are broken by (producer, indices, job id) so identical inputs yield an
// identical plan.
func BuildLayers(g *graph.Graph, reasons Explanation, upToLayer *int) [][]*graph.Job {
	depths := g.Depths()
	layerOf := make(map[string]int)
	var layers [][]*graph.Job

	for _, job := range g.TopoOrder() {
		if !reasons[job.ID].IsDirty() {
			continue
		}
		if upToLayer != nil && depths[job.ID] > *upToLayer {
			continue
		}
		layer := 0
		for _, up := range g.Upstream(job) {
			if l, dirty := layerOf[up.ID]; dirty && l+1 > layer {
				layer = l + 1
			}
		}
		layerOf[job.ID] = layer
		for len(layers) <= layer {
			layers = append(layers, nil)
		}
		layers[layer] = append(layers[layer], job)
	}

	for _, layer := range layers {
		sort.Slice(layer, func(i, j int) bool {
			a, b := layer[i], layer[j]
			if a.Producer != b.Producer {
				return a.Producer < b.Producer
			}
			for k := 0; k < len(a.Indices) && k < len(b.Indices); k++ {
				if a.Indices[k] != b.Indices[k] {
					return a.Indices[k] < b.Indices[k]
				}
			}
			if len(a.Indices) != len(b.Indices) {
				return len(a.Indices) < len(b.Indices)
			}
			return a.ID < b.ID
		})
	}
	return layers
}

// Persist writes the plan to runs/<revision>-plan.json.
func Persist(ctx context.Context, s storage.Storage, p *ExecutionPlan) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", p.Revision, err)
	}
	return s.Write(ctx, storage.PlanPath(s, p.MovieID, p.Revision), data)
}

// LoadPlan reads a previously persisted plan.
func LoadPlan(ctx context.Context, s storage.Storage, movieID, revision string) (*ExecutionPlan, error) {
	data, err := s.Read(ctx, storage.PlanPath(s, movieID, revision))
	if err != nil {
		return nil, err
	}
	var p ExecutionPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", revision, err)
	}
	return &p, nil
}
