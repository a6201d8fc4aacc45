package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/yoockh/intraview/internal/models"
)

type Uploader interface {
	Upload(ctx context.Context, objectName string, contentType string, r io.Reader) (storedPath string, err error)
}

type Downloader interface {
	Download(ctx context.Context, storedPath string) ([]byte, error)
}

type Deleter interface {
	Delete(ctx context.Context, storedPath string) error
}

// Blobs is the full payload store used by the ingestion path.
type Blobs interface {
	Uploader
	Downloader
	Deleter
}

// ObjectName lays payloads out per session and modality, e.g.
// "<session>/audio/chunk_3.webm" or "<session>/frames/frame_12.jpg".
func ObjectName(sessionID string, modality models.Modality, index int64, mimeType string) string {
	if modality == models.ModalityVideo {
		return fmt.Sprintf("%s/frames/frame_%d%s", sessionID, index, extension(mimeType, ".jpg"))
	}
	return fmt.Sprintf("%s/audio/chunk_%d%s", sessionID, index, extension(mimeType, ".webm"))
}

func extension(mimeType, fallback string) string {
	switch mimeType {
	case "audio/webm", "video/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return fallback
	}
}
