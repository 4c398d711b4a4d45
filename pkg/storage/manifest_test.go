package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reel/pkg/models"
)

func TestManifestNotFound(t *testing.T) {
	svc := NewManifestService(NewMemoryStorage())
	_, _, err := svc.LoadCurrent(context.Background(), "movie-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

func TestManifestSaveAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := NewManifestService(NewMemoryStorage())

	m := models.NewManifest("rev-0001", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	m.Inputs["Input:VoiceId"] = models.ManifestInput{Hash: "h", PayloadDigest: "d", CreatedAt: m.CreatedAt}
	m.Artefacts["Artifact:P.Out[0]"] = models.ManifestArtefact{
		Status:     models.ArtefactSucceeded,
		ProducedBy: "Producer:P",
		InputsHash: "ih",
		Blob:       &models.BlobInfo{Hash: "bh", Size: 3, MimeType: "text/plain"},
	}

	require.NoError(t, svc.Save(ctx, "movie-1", m, SaveOptions{}))

	loaded, digest, err := svc.LoadCurrent(ctx, "movie-1")
	require.NoError(t, err)
	assert.NotEmpty(t, digest)
	assert.Equal(t, "rev-0001", loaded.Revision)
	assert.Equal(t, m.Inputs, loaded.Inputs)
	assert.Equal(t, m.Artefacts, loaded.Artefacts)
}

func TestManifestConflictDetection(t *testing.T) {
	ctx := context.Background()
	svc := NewManifestService(NewMemoryStorage())

	base := models.NewManifest("rev-0001", time.Now().UTC())
	require.NoError(t, svc.Save(ctx, "movie-1", base, SaveOptions{}))
	_, digest, err := svc.LoadCurrent(ctx, "movie-1")
	require.NoError(t, err)

	// A save based on the loaded digest succeeds.
	next := models.NewManifest("rev-0002", time.Now().UTC())
	require.NoError(t, svc.Save(ctx, "movie-1", next, SaveOptions{PreviousHash: digest}))

	// A save still based on the stale digest fails.
	stale := models.NewManifest("rev-0003", time.Now().UTC())
	err = svc.Save(ctx, "movie-1", stale, SaveOptions{PreviousHash: digest})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManifestConflict)

	// First save of a movie must not claim a previous hash either.
	err = svc.Save(ctx, "movie-2", models.NewManifest("rev-0001", time.Now().UTC()), SaveOptions{PreviousHash: "bogus"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManifestConflict)
}

func TestManifestPromotionIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	svc := NewManifestService(s)

	first := models.NewManifest("rev-0001", time.Now().UTC())
	require.NoError(t, svc.Save(ctx, "movie-1", first, SaveOptions{}))
	_, digest, err := svc.LoadCurrent(ctx, "movie-1")
	require.NoError(t, err)

	// Simulate a crash between writing the manifest file and updating the
	// pointer: the rev-0002 manifest file exists but current.json still
	// points at rev-0001.
	orphan := models.NewManifest("rev-0002", time.Now().UTC())
	data, err := json.Marshal(orphan)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, ManifestPath(s, "movie-1", "rev-0002"), data))

	loaded, _, err := svc.LoadCurrent(ctx, "movie-1")
	require.NoError(t, err)
	assert.Equal(t, "rev-0001", loaded.Revision, "pointer must still resolve the previous manifest")

	// Promotion completes normally afterwards.
	require.NoError(t, svc.Save(ctx, "movie-1", orphan, SaveOptions{PreviousHash: digest}))
	loaded, _, err = svc.LoadCurrent(ctx, "movie-1")
	require.NoError(t, err)
	assert.Equal(t, "rev-0002", loaded.Revision)
}

func TestMetadataEnsureWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, EnsureMetadata(ctx, s, "movie-1", "My Movie", "blueprint.yaml", now))
	meta, err := LoadMetadata(ctx, s, "movie-1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "My Movie", meta.Label)

	// A second ensure keeps the original.
	require.NoError(t, EnsureMetadata(ctx, s, "movie-1", "Renamed", "other.yaml", now.Add(time.Hour)))
	meta, err = LoadMetadata(ctx, s, "movie-1")
	require.NoError(t, err)
	assert.Equal(t, "My Movie", meta.Label)
}
