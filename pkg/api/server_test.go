package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reel/pkg/models"
	"github.com/reelworks/reel/pkg/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer(storage.NewMemoryStorage())
	rec := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestManifestEndpoint(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStorage()
	srv := NewServer(s)

	rec := get(t, srv, "/api/movies/movie-1/manifest")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	m := models.NewManifest("rev-0001", time.Now().UTC())
	require.NoError(t, storage.NewManifestService(s).Save(ctx, "movie-1", m, storage.SaveOptions{}))

	rec = get(t, srv, "/api/movies/movie-1/manifest")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Digest   string           `json:"digest"`
		Manifest *models.Manifest `json:"manifest"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Digest)
	assert.Equal(t, "rev-0001", body.Manifest.Revision)
}

func TestEventAndBlobEndpoints(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStorage()
	srv := NewServer(s)

	log := storage.NewEventLog(s, "movie-1")
	require.NoError(t, log.AppendInput(ctx, &models.InputEvent{
		ID: "Input:VoiceId", Revision: "rev-0001", Payload: "Wise_Woman", Hash: "h",
	}))
	info, err := storage.WriteBlob(ctx, s, "movie-1", []byte("narration"), "text/plain")
	require.NoError(t, err)

	rec := get(t, srv, "/api/movies/movie-1/events/inputs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Input:VoiceId")

	rec = get(t, srv, "/api/movies/movie-1/events/artefacts")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, srv, "/api/movies/movie-1/blobs/"+info.Hash+"?mime=text/plain")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "narration", rec.Body.String())

	rec = get(t, srv, "/api/movies/movie-1/blobs/unknownhash")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
