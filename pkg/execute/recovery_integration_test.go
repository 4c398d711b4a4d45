package execute

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reel/pkg/models"
	"github.com/reelworks/reel/pkg/producer"
	"github.com/reelworks/reel/pkg/recovery"
	"github.com/reelworks/reel/pkg/storage"
)

type completedProber struct {
	urls []string
}

func (p *completedProber) Probe(ctx context.Context, provider, model, requestID string) (*recovery.ProbeResult, error) {
	return &recovery.ProbeResult{State: recovery.StateCompleted, URLs: p.urls}, nil
}

// A failed recoverable job whose provider request completed in the meantime
// is repaired by the pre-plan pass, and the next plan does not schedule it.
func TestRecoveredArtifactNotRescheduled(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStorage()

	first := storyPlan(t, s, "movie-1", storyValues("Wise_Woman", 2), nil)
	execResult := runPlan(t, s, first, failingProduce(map[string]*models.Diagnostics{
		"Producer:AudioProducer[1]": {
			Kind:              "ProviderError",
			Message:           "timeout",
			Recoverable:       true,
			Provider:          "fal-ai",
			Model:             "tts",
			ProviderRequestID: "req-42",
		},
	}), 2)
	require.Equal(t, 1, execResult.Failed)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("recovered narration audio"))
	}))
	defer server.Close()

	report, err := recovery.NewRecoverer(s, &completedProber{urls: []string{server.URL + "/out.mp3"}}, nil).
		Run(ctx, "movie-1")
	require.NoError(t, err)
	require.Len(t, report.RecoveredArtifactIDs, 1)

	// Re-planning with identical inputs schedules nothing: the recovered
	// event satisfies the missing output.
	second := storyPlan(t, s, "movie-1", storyValues("Wise_Woman", 2), nil)
	assert.Zero(t, second.Plan.JobCount())

	// Executing the empty plan promotes a manifest containing the
	// recovered artifact.
	final := runPlan(t, s, second, producer.NewMockProducer().Produce, 1)
	entry, ok := final.Manifest.Artefacts["Artifact:AudioProducer.AudioFile[1]"]
	require.True(t, ok)
	assert.Equal(t, "audio/mpeg", entry.Blob.MimeType)
}
