package producer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/reelworks/reel/pkg/hashing"
	"github.com/reelworks/reel/pkg/models"
)

// MockProducer is the deterministic built-in handler behind the mock and
// simulated modes. Output bytes are a pure function of the artifact id, the
// job's consumed ids and the values the request's InputSource resolves for
// them, so re-running with identical inputs writes identical blobs.
type MockProducer struct {
	// MimeTypes overrides the output mime per artifact name substring.
	MimeTypes map[string]string
	// Prefix distinguishes mock from simulated output.
	Prefix string
}

// NewMockProducer creates a handler producing "mock" payloads.
func NewMockProducer() *MockProducer {
	return &MockProducer{Prefix: "mock"}
}

// NewSimulatedProducer creates a handler producing "simulated" payloads.
func NewSimulatedProducer() *MockProducer {
	return &MockProducer{Prefix: "simulated"}
}

// Produce emits one deterministic artefact per produced id. Panel artifacts
// derive from the primary output plus their crop rectangle, so panel
// contents are pairwise distinct.
func (m *MockProducer) Produce(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seed := m.seed(req)
	crops := make(map[string]string)
	if req.Job.Context != nil {
		for _, panel := range req.Job.Context.Panels {
			crops[panel.ArtefactID] = fmt.Sprintf("{x:%d, y:%d, w:%d, h:%d}", panel.X, panel.Y, panel.W, panel.H)
		}
	}

	result := &Result{JobID: req.Job.ID, Status: models.ArtefactSucceeded}
	for _, artefactID := range req.Job.Produces {
		var data string
		if crop, isPanel := crops[artefactID]; isPanel {
			data = fmt.Sprintf("%s:%s:%s:%s", m.Prefix, artefactID, seed, crop)
		} else {
			data = fmt.Sprintf("%s:%s:%s", m.Prefix, artefactID, seed)
		}
		result.Artefacts = append(result.Artefacts, &ProducedArtefact{
			ArtefactID: artefactID,
			Status:     models.ArtefactSucceeded,
			Blob: &BlobData{
				Data:     []byte(data),
				MimeType: m.mimeFor(artefactID),
			},
		})
	}
	return result, nil
}

// seed digests the job's consumed ids together with the values the
// InputSource resolves for them, so output changes whenever a resolved
// consumed value does. Ids the InputSource does not resolve (upstream
// artifacts, in the executor) contribute only the id, not their content.
func (m *MockProducer) seed(req *Request) string {
	parts := make([]string, 0, len(req.Job.Consumes))
	for _, id := range req.Job.Consumes {
		if v, ok := req.Inputs.GetByCanonicalID(id); ok {
			if p, err := hashing.HashPayload(v); err == nil {
				parts = append(parts, id+"="+p.Hash)
				continue
			}
		}
		parts = append(parts, id)
	}
	sort.Strings(parts)
	return hashing.HashBytes([]byte(strings.Join(parts, ";")))[:16]
}

func (m *MockProducer) mimeFor(artefactID string) string {
	keys := make([]string, 0, len(m.MimeTypes))
	for substr := range m.MimeTypes {
		keys = append(keys, substr)
	}
	sort.Strings(keys)
	for _, substr := range keys {
		if strings.Contains(artefactID, substr) {
			return m.MimeTypes[substr]
		}
	}
	return "text/plain"
}
