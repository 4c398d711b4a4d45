package execute

import (
	"context"
	"fmt"

	"github.com/reelworks/reel/pkg/graph"
	"github.com/reelworks/reel/pkg/models"
	"github.com/reelworks/reel/pkg/plan"
	"github.com/reelworks/reel/pkg/storage"
)

// appendedArtefact pairs an artefact id with the event just appended for it.
type appendedArtefact struct {
	id    string
	event *models.ArtefactEvent
}

// liveState is the executor's working view: the base manifest overlaid with
// the logged input events and every artefact event applied so far. It
// is updated only at layer barriers, so hashing within a layer is stable.
type liveState struct {
	manifest   *models.Manifest
	values     map[string]any    // canonical input id → payload
	producedBy map[string]string // artifact id → plan job id

	appended []appendedArtefact // successes of the running layer
}

// loadState replays the event log over the base manifest: all input events
// and all artefact events, latest wins per id (this includes overrides and
// recovered artifacts).
func (e *Executor) loadState(ctx context.Context, log *storage.EventLog, executionPlan *plan.ExecutionPlan, base *models.Manifest) (*liveState, error) {
	state := &liveState{
		manifest:   base.Clone(),
		values:     make(map[string]any),
		producedBy: make(map[string]string),
	}
	for _, job := range executionPlan.Jobs() {
		for _, id := range job.Produces {
			state.producedBy[id] = job.ID
		}
	}

	for ev, err := range log.StreamInputs(ctx) {
		if err != nil {
			return nil, fmt.Errorf("replay input events: %w", err)
		}
		state.values[ev.ID] = ev.Payload
		state.manifest.Inputs[ev.ID] = models.ManifestInput{
			Hash:          ev.Hash,
			PayloadDigest: ev.Hash,
			CreatedAt:     ev.CreatedAt,
		}
	}

	// Full replay in append order: recovered artifacts and overrides carry
	// older revisions but their events postdate the base manifest.
	for ev, err := range log.StreamArtefacts(ctx) {
		if err != nil {
			return nil, fmt.Errorf("replay artefact events: %w", err)
		}
		applyArtefactEvent(state.manifest, ev)
	}
	return state, nil
}

// blockedBy returns the id of a terminated upstream plan job that blocks
// this job, or empty when the job may run.
func (s *liveState) blockedBy(job *graph.Job, outcomes map[string]*Outcome) string {
	for _, id := range job.Consumes {
		upstreamID, inPlan := s.producedBy[id]
		if !inPlan {
			continue
		}
		if outcome, ok := outcomes[upstreamID]; ok {
			switch outcome.Status {
			case JobFailed, JobSkipped, JobCancelled:
				return upstreamID
			}
		}
	}
	return ""
}

// applyAppended folds the finished layer's successes into the live manifest.
func (s *liveState) applyAppended() {
	for _, artefact := range s.appended {
		applyArtefactEvent(s.manifest, artefact.event)
	}
	s.appended = nil
}

func applyArtefactEvent(m *models.Manifest, ev *models.ArtefactEvent) {
	if ev.Status != models.ArtefactSucceeded {
		delete(m.Artefacts, ev.ArtefactID)
		return
	}
	entry := models.ManifestArtefact{
		Status:      models.ArtefactSucceeded,
		ProducedBy:  ev.ProducedBy,
		InputsHash:  ev.InputsHash,
		Diagnostics: ev.Diagnostics,
		CreatedAt:   ev.CreatedAt,
	}
	if ev.Output != nil {
		entry.Blob = ev.Output.Blob
		entry.Inline = ev.Output.Inline
	}
	m.Artefacts[ev.ArtefactID] = entry
}

// buildManifest materializes the next manifest: starting from the base, every
// input and artefact event of the log is replayed in append order, so the
// latest event per id wins, including events of older revisions such as
// recovered artifacts. Ids whose latest event failed are excluded. Timeline
// entries are recorded for this revision's events.
func (e *Executor) buildManifest(ctx context.Context, log *storage.EventLog, executionPlan *plan.ExecutionPlan, base *models.Manifest) (*models.Manifest, error) {
	now := e.opts.Clock().UTC()
	next := models.NewManifest(executionPlan.Revision, now)
	baseRevision := base.Revision
	next.BaseRevision = &baseRevision

	for id, entry := range base.Artefacts {
		next.Artefacts[id] = entry
	}
	for id, entry := range base.Timeline {
		next.Timeline[id] = entry
	}

	for ev, err := range log.StreamInputs(ctx) {
		if err != nil {
			return nil, fmt.Errorf("build manifest: %w", err)
		}
		next.Inputs[ev.ID] = models.ManifestInput{
			Hash:          ev.Hash,
			PayloadDigest: ev.Hash,
			CreatedAt:     ev.CreatedAt,
		}
		if ev.Revision == executionPlan.Revision {
			next.Timeline[ev.ID] = models.TimelineEntry{Revision: ev.Revision, UpdatedAt: ev.CreatedAt}
		}
	}

	for ev, err := range log.StreamArtefacts(ctx) {
		if err != nil {
			return nil, fmt.Errorf("build manifest: %w", err)
		}
		applyArtefactEvent(next, ev)
		if ev.Revision == executionPlan.Revision {
			next.Timeline[ev.ArtefactID] = models.TimelineEntry{Revision: ev.Revision, UpdatedAt: ev.CreatedAt}
		}
	}
	return next, nil
}

// valuesSource exposes the replayed input values to produce calls.
type valuesSource struct {
	state *liveState
}

func (v valuesSource) GetByCanonicalID(id string) (any, bool) {
	value, ok := v.state.values[id]
	return value, ok
}

// blobSource resolves upstream artifact blobs from the live manifest.
type blobSource struct {
	storage storage.Storage
	movieID string
	state   *liveState
}

func (b *blobSource) ExpectBlob(ctx context.Context, artefactID string) ([]byte, models.BlobInfo, error) {
	entry, ok := b.state.manifest.Artefacts[artefactID]
	if !ok || entry.Blob == nil {
		return nil, models.BlobInfo{}, fmt.Errorf("artefact %s has no materialized blob", artefactID)
	}
	data, err := storage.ReadBlob(ctx, b.storage, b.movieID, *entry.Blob)
	if err != nil {
		return nil, models.BlobInfo{}, err
	}
	return data, *entry.Blob, nil
}
