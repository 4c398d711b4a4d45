package plan

import (
	"strings"

	"github.com/reelworks/reel/pkg/graph"
	"github.com/reelworks/reel/pkg/hashing"
	"github.com/reelworks/reel/pkg/models"
)

// Target is a forced-regeneration entry: an artifact whose consumers must
// re-run. SourceSatisfied marks targets whose output is supplied externally
// (artifact overrides) so the producing job itself stays clean.
type Target struct {
	ArtifactID      string
	JobID           string
	SourceSatisfied bool
}

// CheckOptions are the dirty checker's inputs beyond graph and manifest.
type CheckOptions struct {
	// PendingInputs maps input ids to the hash of this revision's pending
	// input event.
	PendingInputs map[string]string

	// Targets forces regeneration of specific artifacts.
	Targets []Target

	// ReRunFrom dirties every job at graph depth >= its value.
	ReRunFrom *int
}

// CheckDirty classifies every job of the graph in topological order. The
// result is fixed-point stable: a second pass over the sorted node list
// changes nothing.
func CheckDirty(g *graph.Graph, manifest *models.Manifest, opts CheckOptions) Explanation {
	depths := g.Depths()
	forced := forcedSet(g, opts.Targets)
	resolver := pendingAwareResolver(manifest, opts.PendingInputs)

	reasons := make(Explanation, len(g.Jobs))
	topo := g.TopoOrder()

	// Two passes over the topologically sorted jobs reach the fixed point:
	// the first settles local reasons, the second confirms upstream
	// propagation is stable.
	for pass := 0; pass < 2; pass++ {
		for _, job := range topo {
			reasons[job.ID] = classify(g, job, manifest, reasons, forced, resolver, depths, opts)
		}
	}
	return reasons
}

func classify(
	g *graph.Graph,
	job *graph.Job,
	manifest *models.Manifest,
	reasons Explanation,
	forced map[string]string,
	resolver hashing.DigestResolver,
	depths map[string]int,
	opts CheckOptions,
) Reason {
	if detail, ok := forced[job.ID]; ok {
		return Reason{Kind: ForcedByTarget, Detail: detail}
	}
	if opts.ReRunFrom != nil && depths[job.ID] >= *opts.ReRunFrom {
		return Reason{Kind: ForcedByTarget, Detail: "reRunFrom"}
	}

	for _, id := range job.Consumes {
		if !strings.HasPrefix(id, "Input:") {
			continue
		}
		pending, ok := opts.PendingInputs[id]
		if !ok {
			continue
		}
		entry, exists := manifest.Inputs[id]
		if !exists || entry.Hash != pending {
			return Reason{Kind: ForcedByEdit, Detail: id}
		}
	}

	for _, up := range g.Upstream(job) {
		if reasons[up.ID].IsDirty() {
			return Reason{Kind: ForcedByUpstream, Detail: up.ID}
		}
	}

	for _, id := range job.Produces {
		if _, ok := manifest.Artefacts[id]; !ok {
			return Reason{Kind: MissingOutput, Detail: id}
		}
	}

	current := hashing.HashInputContents(job.Consumes, resolver)
	for _, id := range job.Produces {
		if entry := manifest.Artefacts[id]; entry.InputsHash != current {
			return Reason{Kind: InputsHashChanged, Detail: id}
		}
	}

	return Reason{Kind: Clean}
}

// forcedSet seeds the target-forced jobs: for a regular target, its source
// job and every ancestor; for a source-satisfied target (override), the
// direct consumers of the overridden artifact instead.
func forcedSet(g *graph.Graph, targets []Target) map[string]string {
	forced := make(map[string]string)

	var forceWithAncestors func(jobID, detail string)
	forceWithAncestors = func(jobID, detail string) {
		if _, done := forced[jobID]; done {
			return
		}
		forced[jobID] = detail
		job, ok := g.Job(jobID)
		if !ok {
			return
		}
		for _, up := range g.Upstream(job) {
			forceWithAncestors(up.ID, detail)
		}
	}

	for _, t := range targets {
		if t.SourceSatisfied {
			for _, job := range g.Jobs {
				if job.ConsumesID(t.ArtifactID) {
					forced[job.ID] = t.ArtifactID
				}
			}
			continue
		}
		forceWithAncestors(t.JobID, t.ArtifactID)
	}
	return forced
}

// pendingAwareResolver resolves digests against the manifest, preferring
// this revision's pending input hashes so edited values hash correctly
// before the new manifest exists.
func pendingAwareResolver(manifest *models.Manifest, pending map[string]string) hashing.DigestResolver {
	base := hashing.ManifestDigestResolver(manifest)
	return func(id string) string {
		if hash, ok := pending[id]; ok && strings.HasPrefix(id, "Input:") {
			return hash
		}
		return base(id)
	}
}
