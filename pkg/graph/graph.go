package graph

import (
	"fmt"
	"sort"
)

// Graph is the expanded job DAG. Jobs is deterministically ordered by
// (producer, indices); the indexes below are derived from consumes/produces.
type Graph struct {
	Jobs []*Job

	byID        map[string]*Job
	producerOf  map[string]string   // artifact id → job id that produces it
	consumersOf map[string][]string // artifact id → job ids that consume it
}

// newGraph builds the derived indexes and validates acyclicity.
func newGraph(jobs []*Job) (*Graph, error) {
	g := &Graph{
		Jobs:        jobs,
		byID:        make(map[string]*Job, len(jobs)),
		producerOf:  make(map[string]string),
		consumersOf: make(map[string][]string),
	}
	for _, job := range jobs {
		if _, dup := g.byID[job.ID]; dup {
			return nil, newExpansionError(job.ID, fmt.Errorf("duplicate job id"))
		}
		g.byID[job.ID] = job
		for _, artifact := range job.Produces {
			if prev, dup := g.producerOf[artifact]; dup {
				return nil, newExpansionError(artifact,
					fmt.Errorf("produced by both %s and %s", prev, job.ID))
			}
			g.producerOf[artifact] = job.ID
		}
	}
	for _, job := range jobs {
		for _, id := range job.Consumes {
			if _, ok := g.producerOf[id]; ok {
				g.consumersOf[id] = append(g.consumersOf[id], job.ID)
			}
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// Job returns the job with the given id.
func (g *Graph) Job(id string) (*Job, bool) {
	j, ok := g.byID[id]
	return j, ok
}

// ProducerOf returns the id of the job producing an artifact, if any job in
// the graph does.
func (g *Graph) ProducerOf(artifactID string) (string, bool) {
	id, ok := g.producerOf[artifactID]
	return id, ok
}

// Upstream returns the jobs whose produces feed a job's consumes, in
// consumes order, deduplicated.
func (g *Graph) Upstream(job *Job) []*Job {
	seen := make(map[string]bool)
	var out []*Job
	for _, id := range job.Consumes {
		if producerID, ok := g.producerOf[id]; ok && !seen[producerID] {
			seen[producerID] = true
			out = append(out, g.byID[producerID])
		}
	}
	return out
}

// Downstream returns the jobs consuming any of a job's produces, in graph
// order, deduplicated.
func (g *Graph) Downstream(job *Job) []*Job {
	seen := make(map[string]bool)
	for _, artifact := range job.Produces {
		for _, consumerID := range g.consumersOf[artifact] {
			seen[consumerID] = true
		}
	}
	var out []*Job
	for _, candidate := range g.Jobs {
		if seen[candidate.ID] {
			out = append(out, candidate)
		}
	}
	return out
}

// Depths returns each job's depth in the full graph: 0 for jobs with no
// upstream jobs, else one past the deepest upstream.
func (g *Graph) Depths() map[string]int {
	depths := make(map[string]int, len(g.Jobs))
	var visit func(job *Job) int
	visit = func(job *Job) int {
		if d, ok := depths[job.ID]; ok {
			return d
		}
		depth := 0
		for _, up := range g.Upstream(job) {
			if d := visit(up) + 1; d > depth {
				depth = d
			}
		}
		depths[job.ID] = depth
		return depth
	}
	for _, job := range g.Jobs {
		visit(job)
	}
	return depths
}

// TopoOrder returns the jobs sorted by depth, then by graph order. Jobs at
// equal depth keep the deterministic expansion order.
func (g *Graph) TopoOrder() []*Job {
	depths := g.Depths()
	out := make([]*Job, len(g.Jobs))
	copy(out, g.Jobs)
	sort.SliceStable(out, func(i, j int) bool {
		return depths[out[i].ID] < depths[out[j].ID]
	})
	return out
}

// checkAcyclic verifies the expanded job graph is a DAG.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Jobs))
	var visit func(job *Job) error
	visit = func(job *Job) error {
		switch color[job.ID] {
		case grey:
			return newExpansionError(job.ID, fmt.Errorf("dependency cycle"))
		case black:
			return nil
		}
		color[job.ID] = grey
		for _, up := range g.Upstream(job) {
			if err := visit(up); err != nil {
				return err
			}
		}
		color[job.ID] = black
		return nil
	}
	for _, job := range g.Jobs {
		if err := visit(job); err != nil {
			return err
		}
	}
	return nil
}
