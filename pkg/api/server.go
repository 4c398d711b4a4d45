// Package api provides the read-only HTTP viewer over a movie's build store:
// manifests, plans, events and blobs, served exactly as persisted on disk.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reelworks/reel/pkg/models"
	"github.com/reelworks/reel/pkg/plan"
	"github.com/reelworks/reel/pkg/storage"
	"github.com/reelworks/reel/pkg/version"
)

// JobCanceller cancels an in-flight job by id. The executor implements it.
type JobCanceller interface {
	CancelJob(jobID string) bool
}

// Server is the viewer HTTP server.
type Server struct {
	engine    *gin.Engine
	http      *http.Server
	storage   storage.Storage
	manifests *storage.ManifestService
	canceller JobCanceller
}

// NewServer creates the viewer over the given storage.
func NewServer(s storage.Storage) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	srv := &Server{
		engine:    engine,
		storage:   s,
		manifests: storage.NewManifestService(s),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/movies/:movieID/manifest", s.handleManifest)
	api.GET("/movies/:movieID/plans/:revision", s.handlePlan)
	api.GET("/movies/:movieID/events/inputs", s.handleInputEvents)
	api.GET("/movies/:movieID/events/artefacts", s.handleArtefactEvents)
	api.GET("/movies/:movieID/blobs/:hash", s.handleBlob)
	api.POST("/jobs/:jobID/cancel", s.handleCancelJob)
}

// SetCanceller enables the job cancel endpoint. Without one the endpoint
// reports that no execution is running here.
func (s *Server) SetCanceller(c JobCanceller) { s.canceller = c }

func (s *Server) handleCancelJob(c *gin.Context) {
	jobID := c.Param("jobID")
	if s.canceller == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no execution running on this server"})
		return
	}
	if !s.canceller.CancelJob(jobID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not running", "jobId": jobID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": jobID})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Viewer API listening", "addr", addr, "version", version.Full())
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": version.Full(),
	})
}

func (s *Server) handleManifest(c *gin.Context) {
	manifest, digest, err := s.manifests.LoadCurrent(c.Request.Context(), c.Param("movieID"))
	if err != nil {
		if errors.Is(err, storage.ErrManifestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no manifest for movie"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"digest": digest, "manifest": manifest})
}

func (s *Server) handlePlan(c *gin.Context) {
	p, err := plan.LoadPlan(c.Request.Context(), s.storage, c.Param("movieID"), c.Param("revision"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleInputEvents(c *gin.Context) {
	log := storage.NewEventLog(s.storage, c.Param("movieID"))
	events := make([]*models.InputEvent, 0)
	for ev, err := range log.StreamInputs(c.Request.Context()) {
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		events = append(events, ev)
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleArtefactEvents(c *gin.Context) {
	log := storage.NewEventLog(s.storage, c.Param("movieID"))
	events := make([]*models.ArtefactEvent, 0)
	for ev, err := range log.StreamArtefacts(c.Request.Context()) {
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		events = append(events, ev)
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleBlob streams a blob by hash. The mime query parameter restores the
// original content type; without it the blob is served as raw bytes.
func (s *Server) handleBlob(c *gin.Context) {
	movieID := c.Param("movieID")
	hash := c.Param("hash")
	mimeType := c.DefaultQuery("mime", "application/octet-stream")

	data, err := storage.ReadBlob(c.Request.Context(), s.storage, movieID, models.BlobInfo{
		Hash:     hash,
		MimeType: mimeType,
	})
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "blob not found"})
		return
	}
	c.Data(http.StatusOK, mimeType, data)
}
