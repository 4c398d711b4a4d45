package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reel/pkg/blueprint"
	"github.com/reelworks/reel/pkg/hashing"
	"github.com/reelworks/reel/pkg/models"
	"github.com/reelworks/reel/pkg/storage"
)

func storyRequest(t *testing.T, movieID string, values map[string]any) *Request {
	t.Helper()
	bp, err := blueprint.Parse([]byte(storyBlueprint))
	require.NoError(t, err)
	return &Request{
		MovieID:   movieID,
		Blueprint: bp,
		Inputs:    &blueprint.InputsFile{Values: values},
		EditedBy:  "test",
	}
}

func TestGeneratePlanFirstRun(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStorage()
	planner := NewPlanner(s)

	result, err := planner.GeneratePlan(ctx, storyRequest(t, "movie-1", map[string]any{
		"Input:VoiceId":       "Wise_Woman",
		"Input:NumOfSegments": 3,
	}))
	require.NoError(t, err)

	assert.Equal(t, "rev-0001", result.Plan.Revision)
	assert.Equal(t, models.InitialRevision, result.Plan.BaseRevision)
	assert.Equal(t, 4, result.Plan.JobCount(), "1 script + 3 audio jobs")
	require.Len(t, result.Plan.Layers, 2)

	// The plan file is persisted at its revision slot.
	exists, err := s.FileExists(ctx, storage.PlanPath(s, "movie-1", "rev-0001"))
	require.NoError(t, err)
	assert.True(t, exists)

	// One input event per canonical id was appended.
	log := storage.NewEventLog(s, "movie-1")
	seen := map[string]bool{}
	for ev, err := range log.StreamInputs(ctx) {
		require.NoError(t, err)
		seen[ev.ID] = true
		assert.Equal(t, "rev-0001", ev.Revision)
		assert.Equal(t, "test", ev.EditedBy)
	}
	assert.True(t, seen["Input:VoiceId"])
	assert.True(t, seen["Input:NumOfSegments"])

	// A second plan without an executed manifest picks the next free slot.
	result2, err := planner.GeneratePlan(ctx, storyRequest(t, "movie-1", map[string]any{
		"Input:VoiceId":       "Wise_Woman",
		"Input:NumOfSegments": 3,
	}))
	require.NoError(t, err)
	assert.Equal(t, "rev-0002", result2.Plan.Revision)
}

func TestGeneratePlanDerivedSegmentDuration(t *testing.T) {
	ctx := context.Background()
	planner := NewPlanner(storage.NewMemoryStorage())

	result, err := planner.GeneratePlan(ctx, storyRequest(t, "movie-1", map[string]any{
		"Input:VoiceId":       "Wise_Woman",
		"Input:NumOfSegments": 3,
		"Input:Duration":      30,
	}))
	require.NoError(t, err)
	assert.Equal(t, float64(10), result.Values["Input:SegmentDuration"])

	// An explicit value is never overwritten.
	result, err = planner.GeneratePlan(ctx, storyRequest(t, "movie-2", map[string]any{
		"Input:VoiceId":         "Wise_Woman",
		"Input:NumOfSegments":   3,
		"Input:Duration":        30,
		"Input:SegmentDuration": 7,
	}))
	require.NoError(t, err)
	assert.Equal(t, 7, result.Values["Input:SegmentDuration"])
}

func TestGeneratePlanArtifactOverride(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStorage()
	planner := NewPlanner(s)

	overrideData := []byte("a better script for segment zero")
	req := storyRequest(t, "movie-1", map[string]any{
		"Input:VoiceId":       "Wise_Woman",
		"Input:NumOfSegments": 2,
	})
	req.Inputs.Overrides = []*blueprint.ArtifactOverride{{
		ArtifactID: "Artifact:ScriptProducer.VideoScript.Segments[0].Script",
		Data:       overrideData,
		MimeType:   "text/plain",
	}}

	result, err := planner.GeneratePlan(ctx, req)
	require.NoError(t, err)

	// The override was persisted as a succeeded event of this revision
	// whose blob hash is the sha-256 of the override bytes.
	log := storage.NewEventLog(s, "movie-1")
	found := false
	for ev, err := range log.StreamArtefacts(ctx) {
		require.NoError(t, err)
		if ev.ArtefactID == "Artifact:ScriptProducer.VideoScript.Segments[0].Script" {
			found = true
			assert.Equal(t, models.ArtefactSucceeded, ev.Status)
			assert.Equal(t, result.Plan.Revision, ev.ProducedBy)
			require.NotNil(t, ev.Output.Blob)
			assert.Equal(t, hashing.HashBytes(overrideData), ev.Output.Blob.Hash)
		}
	}
	assert.True(t, found)

	// The consumer of the overridden artifact is forced.
	assert.Equal(t, ForcedByTarget, result.Explanation["Producer:AudioProducer[0]"].Kind)
}

func TestGeneratePlanUnknownOverrideArtifact(t *testing.T) {
	ctx := context.Background()
	planner := NewPlanner(storage.NewMemoryStorage())

	req := storyRequest(t, "movie-1", map[string]any{
		"Input:VoiceId":       "Wise_Woman",
		"Input:NumOfSegments": 2,
	})
	req.Inputs.Overrides = []*blueprint.ArtifactOverride{{
		ArtifactID: "Artifact:ScriptProducer.Nope",
		Data:       []byte("x"),
		MimeType:   "text/plain",
	}}

	_, err := planner.GeneratePlan(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArtifactJobNotFound)
}

func TestGeneratePlanRegenerateTargetValidation(t *testing.T) {
	ctx := context.Background()
	planner := NewPlanner(storage.NewMemoryStorage())

	req := storyRequest(t, "movie-1", map[string]any{
		"Input:VoiceId":       "Wise_Woman",
		"Input:NumOfSegments": 2,
	})
	req.RegenerateTargets = []string{"Artifact:AudioProducer.AudioFile[0]"}

	// Nothing materialized yet: regenerating an artifact that was never
	// produced is an error.
	_, err := planner.GeneratePlan(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArtifactNotInManifest)
}

func TestGeneratePlanModelSelection(t *testing.T) {
	ctx := context.Background()
	planner := NewPlanner(storage.NewMemoryStorage())

	modelsFile, err := blueprint.ParseModels([]byte(`
producers:
  ScriptProducer:
    options:
      - provider: openai
        model: gpt-4o
  AudioProducer:
    options:
      - provider: openai
        model: tts-1
        default: true
      - provider: replicate
        model: xtts-v2
`))
	require.NoError(t, err)

	req := storyRequest(t, "movie-1", map[string]any{
		"Input:VoiceId":       "Wise_Woman",
		"Input:NumOfSegments": 2,
	})
	req.Models = modelsFile

	result, err := planner.GeneratePlan(ctx, req)
	require.NoError(t, err)

	for _, job := range result.Graph.Jobs {
		switch job.Producer {
		case "ScriptProducer":
			assert.Equal(t, "openai", job.Provider)
			assert.Equal(t, "gpt-4o", job.ProviderModel)
		case "AudioProducer":
			assert.Equal(t, "tts-1", job.ProviderModel, "default option wins")
		}
	}

	// Explicit selection overrides the default.
	req2 := storyRequest(t, "movie-2", map[string]any{
		"Input:VoiceId":       "Wise_Woman",
		"Input:NumOfSegments": 2,
	})
	req2.Models = modelsFile
	req2.ModelSelections = map[string]string{"AudioProducer": "replicate"}
	result, err = planner.GeneratePlan(ctx, req2)
	require.NoError(t, err)
	for _, job := range result.Graph.Jobs {
		if job.Producer == "AudioProducer" {
			assert.Equal(t, "xtts-v2", job.ProviderModel)
		}
	}
}

func TestLoadPlanRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStorage()
	planner := NewPlanner(s).WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	})

	result, err := planner.GeneratePlan(ctx, storyRequest(t, "movie-1", map[string]any{
		"Input:VoiceId":       "Wise_Woman",
		"Input:NumOfSegments": 2,
	}))
	require.NoError(t, err)

	loaded, err := LoadPlan(ctx, s, "movie-1", result.Plan.Revision)
	require.NoError(t, err)
	assert.Equal(t, result.Plan.Revision, loaded.Revision)
	assert.Equal(t, result.Plan.JobCount(), loaded.JobCount())
	assert.Equal(t, result.Plan.Layers[0][0].ID, loaded.Layers[0][0].ID)
}

func TestLoadInputsFileOverridePath(t *testing.T) {
	// End-to-end through the inputs loader: a file: reference becomes an
	// override carrying the file's bytes.
	bp, err := blueprint.Parse([]byte(storyBlueprint))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "override.txt"), []byte("override script"), 0o644))

	inputs, err := blueprint.ParseInputs(bp, []byte(`
VoiceId: Wise_Woman
NumOfSegments: 2
ScriptProducer.VideoScript.Segments[0].Script: file:./override.txt
`), dir)
	require.NoError(t, err)

	require.Len(t, inputs.Overrides, 1)
	assert.Equal(t, "Artifact:ScriptProducer.VideoScript.Segments[0].Script", inputs.Overrides[0].ArtifactID)
	assert.Equal(t, []byte("override script"), inputs.Overrides[0].Data)
	assert.Equal(t, "text/plain", inputs.Overrides[0].MimeType)
}
