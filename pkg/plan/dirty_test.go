package plan

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reel/pkg/blueprint"
	"github.com/reelworks/reel/pkg/graph"
	"github.com/reelworks/reel/pkg/hashing"
	"github.com/reelworks/reel/pkg/models"
)

const storyBlueprint = `
name: story
inputs:
  VoiceId: { type: string, required: true }
  NumOfSegments: { type: integer, required: true }
producers:
  ScriptProducer:
    outputArtifact: VideoScript
    artifacts: [ { name: VideoScript } ]
    outputSchema: |
      {
        "type": "object",
        "properties": {
          "Segments": {
            "type": "array",
            "x-count-input": "NumOfSegments",
            "items": {
              "type": "object",
              "properties": { "Script": { "type": "string" } }
            }
          }
        }
      }
  AudioProducer:
    inputs:
      VoiceId: { type: string }
    artifacts:
      - name: AudioFile
        count: { dimension: segment, countInput: NumOfSegments }
edges:
  - from: ScriptProducer.VideoScript.Segments[segment].Script
    to: AudioProducer[segment].Script
`

func storyGraph(t *testing.T, numSegments int) *graph.Graph {
	t.Helper()
	bp, err := blueprint.Parse([]byte(storyBlueprint))
	require.NoError(t, err)
	g, err := graph.Expand(bp, map[string]any{
		"Input:VoiceId":       "Wise_Woman",
		"Input:NumOfSegments": numSegments,
	}, nil)
	require.NoError(t, err)
	return g
}

// materializedManifest builds a manifest where every job's outputs exist
// with inputs hashes consistent with the given pending input hashes.
func materializedManifest(g *graph.Graph, pending map[string]string) *models.Manifest {
	m := models.NewManifest("rev-0001", time.Now().UTC())
	for id, hash := range pending {
		m.Inputs[id] = models.ManifestInput{Hash: hash, PayloadDigest: hash}
	}
	resolver := func(id string) string {
		if hash, ok := pending[id]; ok {
			return hash
		}
		if entry, ok := m.Artefacts[id]; ok && entry.Blob != nil {
			return entry.Blob.Hash
		}
		return hashing.HashBytes([]byte(id))
	}
	for _, job := range g.TopoOrder() {
		inputsHash := hashing.HashInputContents(job.Consumes, resolver)
		for _, id := range job.Produces {
			m.Artefacts[id] = models.ManifestArtefact{
				Status:     models.ArtefactSucceeded,
				ProducedBy: job.ID,
				InputsHash: inputsHash,
				Blob:       &models.BlobInfo{Hash: hashing.HashBytes([]byte("blob-" + id)), Size: 1, MimeType: "text/plain"},
			}
		}
	}
	return m
}

func pendingFor(values map[string]any) map[string]string {
	pending := make(map[string]string, len(values))
	for id, v := range values {
		p, _ := hashing.HashPayload(v)
		pending[id] = p.Hash
	}
	return pending
}

func TestCheckDirtyFirstRunIsAllDirty(t *testing.T) {
	g := storyGraph(t, 3)
	base := models.NewManifest(models.InitialRevision, time.Now().UTC())
	pending := pendingFor(map[string]any{"Input:VoiceId": "Wise_Woman", "Input:NumOfSegments": 3})

	reasons := CheckDirty(g, base, CheckOptions{PendingInputs: pending})
	for _, job := range g.Jobs {
		assert.True(t, reasons[job.ID].IsDirty(), "job %s must be dirty on first run", job.ID)
	}
}

func TestCheckDirtyCleanReplan(t *testing.T) {
	g := storyGraph(t, 3)
	pending := pendingFor(map[string]any{"Input:VoiceId": "Wise_Woman", "Input:NumOfSegments": 3})
	manifest := materializedManifest(g, pending)

	reasons := CheckDirty(g, manifest, CheckOptions{PendingInputs: pending})
	for _, job := range g.Jobs {
		assert.Equal(t, Clean, reasons[job.ID].Kind, "job %s", job.ID)
	}
	assert.Empty(t, BuildLayers(g, reasons, nil))
}

func TestCheckDirtyInputEditDirtiesOnlyConsumers(t *testing.T) {
	g := storyGraph(t, 3)
	oldPending := pendingFor(map[string]any{"Input:VoiceId": "Wise_Woman", "Input:NumOfSegments": 3})
	manifest := materializedManifest(g, oldPending)

	// Edit VoiceId.
	newPending := pendingFor(map[string]any{"Input:VoiceId": "Old_Man", "Input:NumOfSegments": 3})
	reasons := CheckDirty(g, manifest, CheckOptions{PendingInputs: newPending})

	script, _ := g.Job("Producer:ScriptProducer")
	assert.Equal(t, Clean, reasons[script.ID].Kind, "script producer does not consume VoiceId")

	dirtyCount := 0
	for _, job := range g.Jobs {
		if job.Producer == "AudioProducer" {
			require.Equal(t, ForcedByEdit, reasons[job.ID].Kind)
			assert.Equal(t, "Input:VoiceId", reasons[job.ID].Detail)
			dirtyCount++
		}
	}
	assert.Equal(t, 3, dirtyCount)

	layers := BuildLayers(g, reasons, nil)
	require.Len(t, layers, 1)
	assert.Len(t, layers[0], 3)
}

func TestCheckDirtyMissingOutputSingleJob(t *testing.T) {
	g := storyGraph(t, 3)
	pending := pendingFor(map[string]any{"Input:VoiceId": "Wise_Woman", "Input:NumOfSegments": 3})
	manifest := materializedManifest(g, pending)

	// AudioProducer[1] failed previously: its output never materialized.
	delete(manifest.Artefacts, "Artifact:AudioProducer.AudioFile[1]")

	reasons := CheckDirty(g, manifest, CheckOptions{PendingInputs: pending})
	layers := BuildLayers(g, reasons, nil)
	require.Len(t, layers, 1)
	require.Len(t, layers[0], 1)
	assert.Equal(t, "Producer:AudioProducer[1]", layers[0][0].ID)
	assert.Equal(t, MissingOutput, reasons["Producer:AudioProducer[1]"].Kind)
}

func TestCheckDirtyMonotonicity(t *testing.T) {
	g := storyGraph(t, 2)
	base := models.NewManifest(models.InitialRevision, time.Now().UTC())
	pending := pendingFor(map[string]any{"Input:VoiceId": "Wise_Woman", "Input:NumOfSegments": 2})

	reasons := CheckDirty(g, base, CheckOptions{PendingInputs: pending})
	for _, job := range g.Jobs {
		if !reasons[job.ID].IsDirty() {
			continue
		}
		for _, down := range g.Downstream(job) {
			assert.True(t, reasons[down.ID].IsDirty(),
				"downstream %s of dirty %s must be dirty", down.ID, job.ID)
		}
	}
}

func TestCheckDirtyUpstreamPropagation(t *testing.T) {
	g := storyGraph(t, 2)
	pending := pendingFor(map[string]any{"Input:VoiceId": "Wise_Woman", "Input:NumOfSegments": 2})
	manifest := materializedManifest(g, pending)

	// Drop the script output: the script job re-runs, audio follows.
	delete(manifest.Artefacts, "Artifact:ScriptProducer.VideoScript")

	reasons := CheckDirty(g, manifest, CheckOptions{PendingInputs: pending})
	assert.Equal(t, MissingOutput, reasons["Producer:ScriptProducer"].Kind)
	for _, job := range g.Jobs {
		if job.Producer == "AudioProducer" {
			assert.Equal(t, ForcedByUpstream, reasons[job.ID].Kind)
			assert.Equal(t, "Producer:ScriptProducer", reasons[job.ID].Detail)
		}
	}

	layers := BuildLayers(g, reasons, nil)
	require.Len(t, layers, 2)
	assert.Equal(t, "Producer:ScriptProducer", layers[0][0].ID)
	assert.Len(t, layers[1], 2)
}

func TestCheckDirtyForcedTargets(t *testing.T) {
	g := storyGraph(t, 2)
	pending := pendingFor(map[string]any{"Input:VoiceId": "Wise_Woman", "Input:NumOfSegments": 2})
	manifest := materializedManifest(g, pending)

	t.Run("regenerate target forces source and ancestors", func(t *testing.T) {
		reasons := CheckDirty(g, manifest, CheckOptions{
			PendingInputs: pending,
			Targets: []Target{{
				ArtifactID: "Artifact:AudioProducer.AudioFile[0]",
				JobID:      "Producer:AudioProducer[0]",
			}},
		})
		assert.Equal(t, ForcedByTarget, reasons["Producer:AudioProducer[0]"].Kind)
		assert.Equal(t, ForcedByTarget, reasons["Producer:ScriptProducer"].Kind, "ancestors are forced")
		assert.Equal(t, ForcedByUpstream, reasons["Producer:AudioProducer[1]"].Kind,
			"sibling re-runs only because its upstream re-runs")
	})

	t.Run("source-satisfied target forces only consumers", func(t *testing.T) {
		reasons := CheckDirty(g, manifest, CheckOptions{
			PendingInputs: pending,
			Targets: []Target{{
				ArtifactID:      "Artifact:ScriptProducer.VideoScript.Segments[0].Script",
				JobID:           "Producer:ScriptProducer",
				SourceSatisfied: true,
			}},
		})
		assert.Equal(t, Clean, reasons["Producer:ScriptProducer"].Kind,
			"the producing job is satisfied by the override")
		assert.Equal(t, ForcedByTarget, reasons["Producer:AudioProducer[0]"].Kind)
		assert.Equal(t, Clean, reasons["Producer:AudioProducer[1]"].Kind)
	})
}

func TestCheckDirtyReRunFrom(t *testing.T) {
	g := storyGraph(t, 2)
	pending := pendingFor(map[string]any{"Input:VoiceId": "Wise_Woman", "Input:NumOfSegments": 2})
	manifest := materializedManifest(g, pending)

	from := 1
	reasons := CheckDirty(g, manifest, CheckOptions{PendingInputs: pending, ReRunFrom: &from})
	assert.Equal(t, Clean, reasons["Producer:ScriptProducer"].Kind)
	for _, job := range g.Jobs {
		if job.Producer == "AudioProducer" {
			assert.True(t, reasons[job.ID].IsDirty())
		}
	}
}

func TestBuildLayersUpToLayerCeiling(t *testing.T) {
	g := storyGraph(t, 2)
	base := models.NewManifest(models.InitialRevision, time.Now().UTC())
	pending := pendingFor(map[string]any{"Input:VoiceId": "Wise_Woman", "Input:NumOfSegments": 2})

	reasons := CheckDirty(g, base, CheckOptions{PendingInputs: pending})
	ceiling := 0
	layers := BuildLayers(g, reasons, &ceiling)
	require.Len(t, layers, 1)
	assert.Equal(t, "Producer:ScriptProducer", layers[0][0].ID)
}

func TestBuildLayersReproducible(t *testing.T) {
	base := models.NewManifest(models.InitialRevision, time.Now().UTC())
	pending := pendingFor(map[string]any{"Input:VoiceId": "Wise_Woman", "Input:NumOfSegments": 3})

	// Two independent expansions and checks over identical inputs must
	// produce structurally identical layers.
	g1 := storyGraph(t, 3)
	g2 := storyGraph(t, 3)
	layers1 := BuildLayers(g1, CheckDirty(g1, base, CheckOptions{PendingInputs: pending}), nil)
	layers2 := BuildLayers(g2, CheckDirty(g2, base, CheckOptions{PendingInputs: pending}), nil)

	if diff := cmp.Diff(layers1, layers2); diff != "" {
		t.Errorf("layers differ between identical plans (-first +second):\n%s", diff)
	}
}

func TestBuildLayersDeterministicTieBreak(t *testing.T) {
	g := storyGraph(t, 3)
	base := models.NewManifest(models.InitialRevision, time.Now().UTC())
	pending := pendingFor(map[string]any{"Input:VoiceId": "Wise_Woman", "Input:NumOfSegments": 3})

	reasons := CheckDirty(g, base, CheckOptions{PendingInputs: pending})
	layers := BuildLayers(g, reasons, nil)
	require.Len(t, layers, 2)
	require.Len(t, layers[1], 3)
	assert.Equal(t, "Producer:AudioProducer[0]", layers[1][0].ID)
	assert.Equal(t, "Producer:AudioProducer[1]", layers[1][1].ID)
	assert.Equal(t, "Producer:AudioProducer[2]", layers[1][2].ID)
}
