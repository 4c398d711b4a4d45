// Package producer defines the dispatch boundary between the engine and
// provider adapters: the produce contract, the variant rule registry, and the
// built-in mock/simulated producers used for tests and dry runs.
package producer

import (
	"context"
	"encoding/json"

	"github.com/reelworks/reel/pkg/graph"
	"github.com/reelworks/reel/pkg/models"
)

// Mode selects how a job is dispatched.
type Mode string

const (
	ModeLive      Mode = "live"
	ModeSimulated Mode = "simulated"
	ModeMock      Mode = "mock"
)

// IsValid checks if the mode is known. Empty means live.
func (m Mode) IsValid() bool {
	switch m {
	case "", ModeLive, ModeSimulated, ModeMock:
		return true
	default:
		return false
	}
}

// InputSource resolves canonical input ids to their materialized values.
type InputSource interface {
	GetByCanonicalID(id string) (any, bool)
}

// ArtefactSource resolves upstream artifact ids to their blob contents.
type ArtefactSource interface {
	ExpectBlob(ctx context.Context, artefactID string) ([]byte, models.BlobInfo, error)
}

// Request is the produce invocation for one job. Cancellation travels on the
// call's context.
type Request struct {
	MovieID   string
	Job       *graph.Job
	Mode      Mode
	Inputs    InputSource
	Artefacts ArtefactSource
}

// BlobData is raw artefact output awaiting content-addressed persistence.
type BlobData struct {
	Data     []byte
	MimeType string
}

// ProducedArtefact is one output of a produce call: raw bytes to persist, a
// pre-persisted blob reference, or a small inline value.
type ProducedArtefact struct {
	ArtefactID  string
	Status      models.ArtefactStatus
	Blob        *BlobData
	BlobRef     *models.BlobInfo
	Inline      json.RawMessage
	Diagnostics *models.Diagnostics
}

// Result is the outcome of one produce call. On failure Artefacts may be
// empty and Diagnostics carries the classification.
type Result struct {
	JobID       string
	Status      models.ArtefactStatus
	Artefacts   []*ProducedArtefact
	Diagnostics *models.Diagnostics
}

// ProduceFunc dispatches one job to its provider adapter. Implementations
// must respect ctx cancellation at their suspension points and are
// responsible for provider-side rate limiting; the engine records
// RateLimited diagnostics without retrying.
type ProduceFunc func(ctx context.Context, req *Request) (*Result, error)
