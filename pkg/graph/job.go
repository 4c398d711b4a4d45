// Package graph expands a blueprint under concrete inputs into the job graph
// the planner and executor run: one job per producer per dimension
// coordinate, with canonical consumes/produces edges.
package graph

import "encoding/json"

// PanelCrop records the crop rectangle of one extracted grid panel.
type PanelCrop struct {
	ArtefactID string `json:"artefactId"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	W          int    `json:"w"`
	H          int    `json:"h"`
}

// JobContext carries provider-specific hints: input bindings, fan-in
// collections and sdk field mapping. The dirty checker never reads it; only
// ids reflected in Consumes influence dirtiness. Extras is opaque and copied
// through to the provider unchanged.
type JobContext struct {
	Bindings  map[string]string   `json:"bindings,omitempty"`
	FanIn     map[string][]string `json:"fanIn,omitempty"`
	SDKFields map[string]string   `json:"sdkFields,omitempty"`
	Panels    []PanelCrop         `json:"panels,omitempty"`
	Extras    json.RawMessage     `json:"extras,omitempty"`
}

// Job is one concrete invocation of a producer at a dimension coordinate.
type Job struct {
	ID            string      `json:"jobId"`
	Producer      string      `json:"producer"`
	Provider      string      `json:"provider,omitempty"`
	ProviderModel string      `json:"providerModel,omitempty"`
	Indices       []int       `json:"indices,omitempty"`
	Consumes      []string    `json:"consumes"`
	Produces      []string    `json:"produces"`
	Context       *JobContext `json:"context,omitempty"`
}

// ConsumesID reports whether the job lists id among its consumed ids.
func (j *Job) ConsumesID(id string) bool {
	for _, c := range j.Consumes {
		if c == id {
			return true
		}
	}
	return false
}

// ProducesID reports whether the job lists id among its produced ids.
func (j *Job) ProducesID(id string) bool {
	for _, p := range j.Produces {
		if p == id {
			return true
		}
	}
	return false
}
