package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reelworks/reel/pkg/hashing"
	"github.com/reelworks/reel/pkg/models"
)

// ManifestService loads and promotes manifests. Promotion writes the new
// manifest file first, then atomically rewrites current.json, so a crash in
// between leaves the previous manifest active.
type ManifestService struct {
	storage Storage
}

// NewManifestService creates a manifest service over the given storage.
func NewManifestService(s Storage) *ManifestService {
	return &ManifestService{storage: s}
}

// SaveOptions controls manifest promotion. PreviousHash is the digest of the
// manifest the caller based its work on; promotion fails with
// ErrManifestConflict when it no longer matches what is stored. Leave it
// empty for the first manifest of a movie. Clock defaults to time.Now.
type SaveOptions struct {
	PreviousHash string
	Clock        func() time.Time
}

// LoadCurrent returns the manifest pointed to by current.json together with
// the digest of its stored bytes. Fails with ErrManifestNotFound when the
// movie has no pointer yet.
func (svc *ManifestService) LoadCurrent(ctx context.Context, movieID string) (*models.Manifest, string, error) {
	pointerPath := CurrentPointerPath(svc.storage, movieID)
	exists, err := svc.storage.FileExists(ctx, pointerPath)
	if err != nil {
		return nil, "", err
	}
	if !exists {
		return nil, "", fmt.Errorf("movie %s: %w", movieID, ErrManifestNotFound)
	}

	pointerData, err := svc.storage.Read(ctx, pointerPath)
	if err != nil {
		return nil, "", err
	}
	var pointer models.CurrentPointer
	if err := json.Unmarshal(pointerData, &pointer); err != nil {
		return nil, "", fmt.Errorf("decode current.json for movie %s: %w", movieID, err)
	}

	data, err := svc.storage.Read(ctx, pointer.ManifestPath)
	if err != nil {
		return nil, "", fmt.Errorf("load manifest %s: %w", pointer.ManifestPath, err)
	}
	var manifest models.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, "", fmt.Errorf("decode manifest %s: %w", pointer.ManifestPath, err)
	}
	return &manifest, hashing.HashBytes(data), nil
}

// Save writes the manifest for its revision, verifies the optimistic
// previous-hash check, then promotes it by rewriting current.json.
func (svc *ManifestService) Save(ctx context.Context, movieID string, m *models.Manifest, opts SaveOptions) error {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	// Optimistic concurrency: what is stored must still be what the caller
	// based this manifest on.
	storedDigest := ""
	if _, digest, err := svc.LoadCurrent(ctx, movieID); err == nil {
		storedDigest = digest
	} else if !isNotFound(err) {
		return err
	}
	if storedDigest != opts.PreviousHash {
		return &ConflictError{MovieID: movieID, Expected: opts.PreviousHash, Stored: storedDigest}
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = clock().UTC()
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest %s: %w", m.Revision, err)
	}

	manifestPath := ManifestPath(svc.storage, movieID, m.Revision)
	if err := svc.storage.Write(ctx, manifestPath, data); err != nil {
		return err
	}

	pointer := models.CurrentPointer{Revision: m.Revision, ManifestPath: manifestPath}
	pointerData, err := json.MarshalIndent(&pointer, "", "  ")
	if err != nil {
		return fmt.Errorf("encode current.json: %w", err)
	}
	return svc.storage.Write(ctx, CurrentPointerPath(svc.storage, movieID), pointerData)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrManifestNotFound)
}
