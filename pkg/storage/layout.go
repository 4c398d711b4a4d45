package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reelworks/reel/pkg/models"
)

// On-disk layout per movie. Byte-exact compatibility with external tooling
// is required, so these segment names never change.
const (
	dirBlobs          = "blobs"
	dirRuns           = "runs"
	dirManifests      = "manifests"
	dirEventsInputs   = "events/inputs"
	dirEventsArtefact = "events/artefacts"

	fileCurrentPointer = "current.json"
	fileMetadata       = "metadata.json"
)

// InitializeMovieStorage creates the movie's root layout: blobs/, runs/,
// manifests/ and the event log directories.
func InitializeMovieStorage(ctx context.Context, s Storage, movieID string) error {
	for _, dir := range []string{dirBlobs, dirRuns, dirManifests, dirEventsInputs, dirEventsArtefact} {
		if err := s.EnsureDir(ctx, s.Resolve(movieID, dir)); err != nil {
			return fmt.Errorf("initialize movie %s: %w", movieID, err)
		}
	}
	return nil
}

// PlanPath returns the location of the persisted plan for a revision,
// runs/<revision>-plan.json.
func PlanPath(s Storage, movieID, revision string) string {
	return s.Resolve(movieID, dirRuns, revision+"-plan.json")
}

// ManifestPath returns the location of a manifest file for a revision.
func ManifestPath(s Storage, movieID, revision string) string {
	return s.Resolve(movieID, dirManifests, revision+".json")
}

// CurrentPointerPath returns the location of current.json for a movie.
func CurrentPointerPath(s Storage, movieID string) string {
	return s.Resolve(movieID, fileCurrentPointer)
}

// WriteMetadata persists the optional user-facing metadata.json.
func WriteMetadata(ctx context.Context, s Storage, movieID string, meta *models.MovieMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return s.Write(ctx, s.Resolve(movieID, fileMetadata), data)
}

// LoadMetadata reads metadata.json if present; returns nil without error when
// the movie has none.
func LoadMetadata(ctx context.Context, s Storage, movieID string) (*models.MovieMetadata, error) {
	p := s.Resolve(movieID, fileMetadata)
	exists, err := s.FileExists(ctx, p)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	data, err := s.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	var meta models.MovieMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

// EnsureMetadata writes metadata.json on first plan if it does not exist yet.
func EnsureMetadata(ctx context.Context, s Storage, movieID, label, blueprintPath string, now time.Time) error {
	existing, err := LoadMetadata(ctx, s, movieID)
	if err != nil || existing != nil {
		return err
	}
	return WriteMetadata(ctx, s, movieID, &models.MovieMetadata{
		Label:         label,
		BlueprintPath: blueprintPath,
		CreatedAt:     now.UTC(),
	})
}
