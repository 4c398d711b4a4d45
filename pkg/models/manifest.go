package models

import (
	"encoding/json"
	"time"
)

// ManifestInput is the materialized view of the latest input event for an id.
type ManifestInput struct {
	Hash          string    `json:"hash"`
	PayloadDigest string    `json:"payloadDigest"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ManifestArtefact is the materialized view of the latest succeeded artefact
// event for an id. Status is always "succeeded"; failed artefacts are never
// materialized.
type ManifestArtefact struct {
	Status      ArtefactStatus  `json:"status"`
	ProducedBy  string          `json:"producedBy"`
	InputsHash  string          `json:"inputsHash"`
	Blob        *BlobInfo       `json:"blob,omitempty"`
	Inline      json.RawMessage `json:"inline,omitempty"`
	Diagnostics *Diagnostics    `json:"diagnostics,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// TimelineEntry records when an artefact last changed, for viewer display.
type TimelineEntry struct {
	Revision  string    `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Manifest is the materialized view of the latest succeeded event per id up
// to a revision. It is the source of truth for dirty checking.
type Manifest struct {
	Revision     string                      `json:"revision"`
	BaseRevision *string                     `json:"baseRevision"`
	CreatedAt    time.Time                   `json:"createdAt"`
	Inputs       map[string]ManifestInput    `json:"inputs"`
	Artefacts    map[string]ManifestArtefact `json:"artefacts"`
	Timeline     map[string]TimelineEntry    `json:"timeline"`
}

// NewManifest returns an empty manifest at the given revision with all maps
// allocated.
func NewManifest(revision string, createdAt time.Time) *Manifest {
	return &Manifest{
		Revision:  revision,
		CreatedAt: createdAt,
		Inputs:    make(map[string]ManifestInput),
		Artefacts: make(map[string]ManifestArtefact),
		Timeline:  make(map[string]TimelineEntry),
	}
}

// Clone returns a deep copy of the manifest. The executor overlays pending
// revision state on a clone so the base manifest stays untouched.
func (m *Manifest) Clone() *Manifest {
	out := &Manifest{
		Revision:     m.Revision,
		BaseRevision: m.BaseRevision,
		CreatedAt:    m.CreatedAt,
		Inputs:       make(map[string]ManifestInput, len(m.Inputs)),
		Artefacts:    make(map[string]ManifestArtefact, len(m.Artefacts)),
		Timeline:     make(map[string]TimelineEntry, len(m.Timeline)),
	}
	for id, in := range m.Inputs {
		out.Inputs[id] = in
	}
	for id, art := range m.Artefacts {
		out.Artefacts[id] = art
	}
	for id, entry := range m.Timeline {
		out.Timeline[id] = entry
	}
	return out
}

// CurrentPointer is the content of current.json, identifying the active
// manifest for a movie.
type CurrentPointer struct {
	Revision     string `json:"revision"`
	ManifestPath string `json:"manifestPath"`
}

// MovieMetadata is the optional user-facing metadata.json for a movie.
type MovieMetadata struct {
	Label         string    `json:"label,omitempty"`
	BlueprintPath string    `json:"blueprintPath,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}
