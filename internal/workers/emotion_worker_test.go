package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yoockh/intraview/internal/logger"
	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/protocol"
)

func TestClassifyRecordsSample(t *testing.T) {
	f := newFixture(t)
	w := NewEmotionWorker(f.slots, f.fragments, f.emotions, logger.Discard(), nil)
	ctx := context.Background()

	frame := f.store(t, "s1", models.ModalityVideo, 4, []byte("jpeg"), nil)
	res := w.Classify(ctx, frame, []byte("jpeg"))
	if res.Status != protocol.StatusOK || res.Label != "happy" || res.FrameIndex != 4 {
		t.Fatalf("res = %+v", res)
	}
	samples, _ := f.emotions.ListSamples(ctx, "s1")
	if len(samples) != 1 || samples[0].Label != "happy" {
		t.Fatalf("samples = %+v", samples)
	}
}

func TestClassifyFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	f.emo.err = errors.New("no face")
	w := NewEmotionWorker(f.slots, f.fragments, f.emotions, logger.Discard(), nil)
	ctx := context.Background()

	frame := f.store(t, "s1", models.ModalityVideo, 0, []byte("jpeg"), nil)
	res := w.Classify(ctx, frame, []byte("jpeg"))
	if res.Status != protocol.StatusUnavailable || res.Label != "" {
		t.Fatalf("res = %+v", res)
	}
	samples, _ := f.emotions.ListSamples(ctx, "s1")
	if len(samples) != 0 {
		t.Fatal("failed frame produced a sample")
	}
}

func TestClassifyGivesUpOnModelIgnoringDeadline(t *testing.T) {
	f := newFixture(t)
	block, release := stall(t)
	f.emo.block = block
	w := NewEmotionWorker(f.slots, f.fragments, f.emotions, logger.Discard(), nil)
	w.InferenceTimeout = 50 * time.Millisecond
	ctx := context.Background()

	frame := f.store(t, "s1", models.ModalityVideo, 0, []byte("jpeg"), nil)
	start := time.Now()
	res := w.Classify(ctx, frame, []byte("jpeg"))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Classify took %v with a 50ms timeout", elapsed)
	}
	if res.Status != protocol.StatusUnavailable || !errors.Is(res.Err, context.DeadlineExceeded) || res.Label != "" {
		t.Fatalf("res = %+v, want unavailable on deadline", res)
	}

	release()
	waitEvicted(t, f.slots)
	samples, _ := f.emotions.ListSamples(ctx, "s1")
	if len(samples) != 0 {
		t.Fatalf("late answer stored: %+v", samples)
	}
}
