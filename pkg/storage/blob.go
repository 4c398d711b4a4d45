package storage

import (
	"context"
	"fmt"

	"github.com/reelworks/reel/pkg/hashing"
	"github.com/reelworks/reel/pkg/models"
)

// mimeExtensions maps the mime types producers emit to blob file extensions.
// Unknown types fall back to "bin".
var mimeExtensions = map[string]string{
	"image/png":        "png",
	"image/jpeg":       "jpg",
	"image/webp":       "webp",
	"video/mp4":        "mp4",
	"video/webm":       "webm",
	"audio/mpeg":       "mp3",
	"audio/wav":        "wav",
	"audio/ogg":        "ogg",
	"application/json": "json",
	"text/plain":       "txt",
	"text/markdown":    "md",
}

// ExtensionForMime derives a blob file extension from a mime type.
func ExtensionForMime(mimeType string) string {
	if ext, ok := mimeExtensions[mimeType]; ok {
		return ext
	}
	return "bin"
}

// BlobPath returns blobs/<first-two-chars-of-hash>/<hash>.<ext> for a blob.
// The path is a pure function of content, so two writers producing identical
// bytes land on the same path.
func BlobPath(s Storage, movieID, hash, mimeType string) string {
	return s.Resolve(movieID, dirBlobs, hash[:2], hash+"."+ExtensionForMime(mimeType))
}

// WriteBlob persists bytes into the content-addressed store. Writing an
// existing blob is a no-op; the returned info is identical either way.
func WriteBlob(ctx context.Context, s Storage, movieID string, data []byte, mimeType string) (models.BlobInfo, error) {
	if len(data) == 0 {
		return models.BlobInfo{}, fmt.Errorf("write blob: empty payload")
	}
	hash := hashing.HashBytes(data)
	info := models.BlobInfo{Hash: hash, Size: int64(len(data)), MimeType: mimeType}

	p := BlobPath(s, movieID, hash, mimeType)
	exists, err := s.FileExists(ctx, p)
	if err != nil {
		return models.BlobInfo{}, err
	}
	if exists {
		return info, nil
	}
	if err := s.Write(ctx, p, data); err != nil {
		return models.BlobInfo{}, err
	}
	return info, nil
}

// ReadBlob loads the bytes of a previously written blob.
func ReadBlob(ctx context.Context, s Storage, movieID string, info models.BlobInfo) ([]byte, error) {
	return s.Read(ctx, BlobPath(s, movieID, info.Hash, info.MimeType))
}
