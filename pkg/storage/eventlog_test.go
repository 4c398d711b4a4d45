package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reel/pkg/models"
)

func collectArtefacts(t *testing.T, log *EventLog) []*models.ArtefactEvent {
	t.Helper()
	var out []*models.ArtefactEvent
	for ev, err := range log.StreamArtefacts(context.Background()) {
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestEventLogAppendOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	log := NewEventLog(s, "movie-1")

	for i := 0; i < 5; i++ {
		require.NoError(t, log.AppendArtefact(ctx, &models.ArtefactEvent{
			ArtefactID: fmt.Sprintf("Artifact:AudioProducer.Narration[%d]", i),
			Revision:   "rev-0001",
			Status:     models.ArtefactSucceeded,
			ProducedBy: "Producer:AudioProducer",
		}))
	}

	events := collectArtefacts(t, log)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("Artifact:AudioProducer.Narration[%d]", i), ev.ArtefactID)
	}
}

func TestEventLogSameMillisecondOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := NewEventLog(s, "movie-1").WithClock(func() time.Time { return frozen })

	for i := 0; i < 20; i++ {
		require.NoError(t, log.AppendArtefact(ctx, &models.ArtefactEvent{
			ArtefactID: fmt.Sprintf("Artifact:P.Out[%d]", i),
			Revision:   "rev-0001",
			Status:     models.ArtefactSucceeded,
		}))
	}

	events := collectArtefacts(t, log)
	require.Len(t, events, 20)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("Artifact:P.Out[%d]", i), ev.ArtefactID, "append order must survive same-ms appends")
	}
}

func TestEventLogRestartableAcrossHandles(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	log := NewEventLog(s, "movie-1")
	require.NoError(t, log.AppendInput(ctx, &models.InputEvent{
		ID: "Input:VoiceId", Revision: "rev-0001", Payload: "Wise_Woman", Hash: "h1",
	}))
	require.NoError(t, log.AppendInput(ctx, &models.InputEvent{
		ID: "Input:VoiceId", Revision: "rev-0002", Payload: "Old_Man", Hash: "h2",
	}))

	// A fresh handle over the same storage sees the same ordered stream,
	// as after a process restart.
	reopened := NewEventLog(s, "movie-1")
	var payloads []any
	for ev, err := range reopened.StreamInputs(ctx) {
		require.NoError(t, err)
		payloads = append(payloads, ev.Payload)
	}
	assert.Equal(t, []any{"Wise_Woman", "Old_Man"}, payloads)

	// Streams are restartable by re-invoking.
	count := 0
	for _, err := range reopened.StreamInputs(ctx) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestEventLogStampsCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := NewEventLog(s, "movie-1").WithClock(func() time.Time { return frozen })

	ev := &models.InputEvent{ID: "Input:Duration", Revision: "rev-0001", Payload: 30, Hash: "h"}
	require.NoError(t, log.AppendInput(ctx, ev))
	assert.Equal(t, frozen, ev.CreatedAt)
}
