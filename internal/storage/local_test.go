package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/utils"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	name := ObjectName("sess-1", models.ModalityAudio, 3, "audio/webm")

	path, err := s.Upload(ctx, name, "audio/webm", bytes.NewReader([]byte("opus")))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if path != "sess-1/audio/chunk_3.webm" {
		t.Fatalf("path = %q", path)
	}
	got, err := s.Download(ctx, path)
	if err != nil || string(got) != "opus" {
		t.Fatalf("Download = %q, %v", got, err)
	}
	if err := s.Delete(ctx, path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Download(ctx, path); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("Download after delete err = %v, want not found", err)
	}
	// deleting twice is fine
	if err := s.Delete(ctx, path); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestLocalStoreRejectsEscapes(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"../x", "/etc/passwd", "a/../../b", ""} {
		if _, err := s.Upload(context.Background(), name, "", bytes.NewReader(nil)); err == nil {
			t.Errorf("Upload(%q) succeeded", name)
		}
	}
}

func TestObjectName(t *testing.T) {
	tests := []struct {
		modality models.Modality
		index    int64
		mime     string
		want     string
	}{
		{models.ModalityAudio, 0, "", "s/audio/chunk_0.webm"},
		{models.ModalityAudio, 7, "audio/wav", "s/audio/chunk_7.wav"},
		{models.ModalityVideo, 12, "", "s/frames/frame_12.jpg"},
		{models.ModalityVideo, 1, "image/png", "s/frames/frame_1.png"},
	}
	for _, tt := range tests {
		if got := ObjectName("s", tt.modality, tt.index, tt.mime); got != tt.want {
			t.Errorf("ObjectName(%s, %d, %q) = %q, want %q", tt.modality, tt.index, tt.mime, got, tt.want)
		}
	}
}
