package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/reelworks/reel/pkg/blueprint"
	"github.com/reelworks/reel/pkg/graph"
	"github.com/reelworks/reel/pkg/hashing"
	"github.com/reelworks/reel/pkg/models"
	"github.com/reelworks/reel/pkg/storage"
)

// Planner composes graph expansion and the dirty checker into persisted
// execution plans.
type Planner struct {
	storage   storage.Storage
	manifests *storage.ManifestService
	clock     func() time.Time
}

// NewPlanner creates a planner over the given storage.
func NewPlanner(s storage.Storage) *Planner {
	return &Planner{
		storage:   s,
		manifests: storage.NewManifestService(s),
		clock:     time.Now,
	}
}

// WithClock overrides the planner's clock, for tests.
func (p *Planner) WithClock(clock func() time.Time) *Planner {
	p.clock = clock
	return p
}

// Request describes one planning operation.
type Request struct {
	MovieID   string
	Blueprint *blueprint.Blueprint
	Inputs    *blueprint.InputsFile

	// Models selects provider variants per producer. Nil leaves providers
	// unset (dispatch falls through to the mock handler).
	Models          *blueprint.ModelsFile
	ModelSelections map[string]string // producer alias → "provider" or "provider/model"
	Environment     string

	EditedBy string

	// RegenerateTargets are artifact ids whose producing jobs (and their
	// ancestors) are forced to re-run.
	RegenerateTargets []string

	ReRunFrom *int
	UpToLayer *int
}

// Result is the outcome of a planning operation: the persisted plan plus the
// state the executor needs.
type Result struct {
	Plan         *ExecutionPlan
	Graph        *graph.Graph
	BaseManifest *models.Manifest
	BaseDigest   string
	Values       map[string]any
	Explanation  Explanation
}

// GeneratePlan runs one planning operation: it allocates the next revision,
// appends this revision's input events, persists artifact overrides, expands
// the graph, runs the dirty checker and persists the layered plan.
func (p *Planner) GeneratePlan(ctx context.Context, req *Request) (*Result, error) {
	logger := slog.With("movie_id", req.MovieID)

	if err := storage.InitializeMovieStorage(ctx, p.storage, req.MovieID); err != nil {
		return nil, err
	}

	base, baseDigest, err := p.loadBase(ctx, req.MovieID)
	if err != nil {
		return nil, err
	}
	// Recovered artifacts and overrides live only in the event log until the
	// next manifest is promoted; materialize them so the dirty checker sees
	// the true latest state per id.
	base, err = p.materializeArtefacts(ctx, req.MovieID, base)
	if err != nil {
		return nil, err
	}

	revision, err := p.nextRevision(ctx, req.MovieID, base.Revision)
	if err != nil {
		return nil, err
	}
	logger = logger.With("revision", revision)

	variants, err := p.selectVariants(req)
	if err != nil {
		return nil, err
	}

	values := p.collectValues(req)
	pending, err := p.appendInputEvents(ctx, req, revision, values)
	if err != nil {
		return nil, err
	}

	g, err := graph.Expand(req.Blueprint, p.conditionValues(values, base), variants)
	if err != nil {
		return nil, err
	}

	targets, err := p.applyOverrides(ctx, req, g, base, revision)
	if err != nil {
		return nil, err
	}
	regenTargets, err := p.resolveRegenerateTargets(req, g, base)
	if err != nil {
		return nil, err
	}
	targets = append(targets, regenTargets...)

	explanation := CheckDirty(g, base, CheckOptions{
		PendingInputs: pending,
		Targets:       targets,
		ReRunFrom:     req.ReRunFrom,
	})
	layers := BuildLayers(g, explanation, req.UpToLayer)

	executionPlan := &ExecutionPlan{
		MovieID:            req.MovieID,
		Revision:           revision,
		BaseRevision:       base.Revision,
		BaseManifestDigest: baseDigest,
		CreatedAt:          p.clock().UTC(),
		Layers:             layers,
		Explanation:        explanation,
	}
	if err := Persist(ctx, p.storage, executionPlan); err != nil {
		return nil, err
	}

	logger.Info("Plan generated",
		"layers", len(layers),
		"jobs", executionPlan.JobCount(),
		"targets", len(targets))

	return &Result{
		Plan:         executionPlan,
		Graph:        g,
		BaseManifest: base,
		BaseDigest:   baseDigest,
		Values:       values,
		Explanation:  explanation,
	}, nil
}

// loadBase returns the current manifest, synthesizing an empty rev-0000
// manifest for a movie that has none yet.
func (p *Planner) loadBase(ctx context.Context, movieID string) (*models.Manifest, string, error) {
	base, digest, err := p.manifests.LoadCurrent(ctx, movieID)
	if err != nil {
		if errors.Is(err, storage.ErrManifestNotFound) {
			return models.NewManifest(models.InitialRevision, p.clock().UTC()), "", nil
		}
		return nil, "", err
	}
	return base, digest, nil
}

// materializeArtefacts overlays the full artefact event log onto the base
// manifest in append order: the latest succeeded event per id wins, a latest
// failed event excludes the id. Input entries are left untouched so pending
// edits still compare against the promoted manifest.
func (p *Planner) materializeArtefacts(ctx context.Context, movieID string, base *models.Manifest) (*models.Manifest, error) {
	log := storage.NewEventLog(p.storage, movieID)
	overlaid := base.Clone()
	for ev, err := range log.StreamArtefacts(ctx) {
		if err != nil {
			return nil, fmt.Errorf("materialize artefact events: %w", err)
		}
		if ev.Status != models.ArtefactSucceeded {
			delete(overlaid.Artefacts, ev.ArtefactID)
			continue
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
		overlaid.Artefacts[ev.ArtefactID] = entry
	}
	return overlaid, nil
}

// nextRevision picks the successor of the base revision, skipping slots that
// already hold a plan file.
func (p *Planner) nextRevision(ctx context.Context, movieID, baseRevision string) (string, error) {
	revision, err := models.NextRevision(baseRevision)
	if err != nil {
		return "", err
	}
	for {
		exists, err := p.storage.FileExists(ctx, storage.PlanPath(p.storage, movieID, revision))
		if err != nil {
			return "", err
		}
		if !exists {
			return revision, nil
		}
		if revision, err = models.NextRevision(revision); err != nil {
			return "", err
		}
	}
}

func (p *Planner) selectVariants(req *Request) (map[string]*blueprint.VariantSelection, error) {
	if req.Models == nil {
		return nil, nil
	}
	if err := req.Models.Validate(req.Blueprint); err != nil {
		return nil, err
	}
	variants := make(map[string]*blueprint.VariantSelection, len(req.Blueprint.Producers))
	aliases := make([]string, 0, len(req.Blueprint.Producers))
	for alias := range req.Blueprint.Producers {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		selection, err := req.Models.SelectVariant(alias, req.ModelSelections[alias], req.Environment)
		if err != nil {
			return nil, err
		}
		variants[alias] = selection
	}
	return variants, nil
}

// collectValues copies the canonicalized inputs and injects derived system
// inputs: SegmentDuration = Duration / NumOfSegments when both are numeric
// and the derived id is not already set.
func (p *Planner) collectValues(req *Request) map[string]any {
	values := make(map[string]any, len(req.Inputs.Values)+1)
	for id, v := range req.Inputs.Values {
		values[id] = v
	}
	if _, set := values["Input:SegmentDuration"]; !set {
		duration, okD := asNumber(values["Input:Duration"])
		segments, okS := asNumber(values["Input:NumOfSegments"])
		if okD && okS && segments > 0 {
			values["Input:SegmentDuration"] = duration / segments
		}
	}
	return values
}

// appendInputEvents appends one input event per id for this revision and
// returns the pending id → hash map for the dirty checker.
func (p *Planner) appendInputEvents(ctx context.Context, req *Request, revision string, values map[string]any) (map[string]string, error) {
	log := storage.NewEventLog(p.storage, req.MovieID)
	pending := make(map[string]string, len(values))

	ids := make([]string, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		payload, err := hashing.HashPayload(values[id])
		if err != nil {
			return nil, fmt.Errorf("hash input %s: %w", id, err)
		}
		if err := log.AppendInput(ctx, &models.InputEvent{
			ID:       id,
			Revision: revision,
			Payload:  values[id],
			Hash:     payload.Hash,
			EditedBy: req.EditedBy,
		}); err != nil {
			return nil, err
		}
		pending[id] = payload.Hash
	}
	return pending, nil
}

// conditionValues merges inline artifact scalars from the manifest into the
// value map conditions and counts evaluate over. Blob-backed artifacts
// contribute nothing.
func (p *Planner) conditionValues(values map[string]any, base *models.Manifest) map[string]any {
	merged := make(map[string]any, len(values)+len(base.Artefacts))
	for id, v := range values {
		merged[id] = v
	}
	for id, entry := range base.Artefacts {
		if len(entry.Inline) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(entry.Inline, &v); err == nil {
			merged[id] = v
		}
	}
	return merged
}

// applyOverrides persists user-supplied artifact blobs as succeeded events of
// this revision and returns their source-satisfied targets.
func (p *Planner) applyOverrides(ctx context.Context, req *Request, g *graph.Graph, base *models.Manifest, revision string) ([]Target, error) {
	if len(req.Inputs.Overrides) == 0 {
		return nil, nil
	}
	log := storage.NewEventLog(p.storage, req.MovieID)
	targets := make([]Target, 0, len(req.Inputs.Overrides))

	for _, override := range req.Inputs.Overrides {
		jobID, ok := g.ProducerOf(override.ArtifactID)
		if !ok {
			return nil, &TargetError{ArtifactID: override.ArtifactID, Err: ErrArtifactJobNotFound}
		}

		blob, err := storage.WriteBlob(ctx, p.storage, req.MovieID, override.Data, override.MimeType)
		if err != nil {
			return nil, err
		}

		// Preserve the previously recorded inputs hash so the producing job
		// stays clean; only downstream consumers observe the new content.
		inputsHash := ""
		if entry, ok := base.Artefacts[override.ArtifactID]; ok {
			inputsHash = entry.InputsHash
		}

		if err := log.AppendArtefact(ctx, &models.ArtefactEvent{
			ArtefactID: override.ArtifactID,
			Revision:   revision,
			InputsHash: inputsHash,
			Output:     &models.ArtefactOutput{Blob: &blob},
			Status:     models.ArtefactSucceeded,
			ProducedBy: revision,
			Diagnostics: &models.Diagnostics{
				Kind:    "override",
				Message: "artifact supplied by user override",
			},
		}); err != nil {
			return nil, err
		}

		targets = append(targets, Target{
			ArtifactID:      override.ArtifactID,
			JobID:           jobID,
			SourceSatisfied: true,
		})
	}
	return targets, nil
}

func (p *Planner) resolveRegenerateTargets(req *Request, g *graph.Graph, base *models.Manifest) ([]Target, error) {
	targets := make([]Target, 0, len(req.RegenerateTargets))
	for _, artifactID := range req.RegenerateTargets {
		jobID, ok := g.ProducerOf(artifactID)
		if !ok {
			return nil, &TargetError{ArtifactID: artifactID, Err: ErrArtifactJobNotFound}
		}
		if _, ok := base.Artefacts[artifactID]; !ok {
			return nil, &TargetError{ArtifactID: artifactID, Err: ErrArtifactNotInManifest}
		}
		targets = append(targets, Target{ArtifactID: artifactID, JobID: jobID})
	}
	return targets, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
