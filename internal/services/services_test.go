package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yoockh/intraview/internal/cache"
	"github.com/yoockh/intraview/internal/logger"
	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/reassembly"
	"github.com/yoockh/intraview/internal/repositories/memory"
	"github.com/yoockh/intraview/internal/storage"
	"github.com/yoockh/intraview/internal/utils"
)

type failingInsert struct {
	*memory.Fragments
	err error
}

func (f failingInsert) Insert(ctx context.Context, m *models.MediaFragment) error { return f.err }

// failingDelete refuses to delete one stored path.
type failingDelete struct {
	*storage.MemoryStore
	path string
}

func (f *failingDelete) Delete(ctx context.Context, path string) error {
	if path == f.path {
		return errors.New("bucket unavailable")
	}
	return f.MemoryStore.Delete(ctx, path)
}

func fragment(sessionID string, modality models.Modality, idx int64) *reassembly.Fragment {
	return &reassembly.Fragment{
		SessionID: sessionID,
		Key:       reassembly.Key{Modality: modality, Index: idx},
		Meta:      reassembly.Metadata{Timestamp: time.Now().UTC()},
		Payload:   []byte("payload"),
	}
}

func TestFragmentStoreAndDuplicate(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	svc := NewFragmentService(memory.NewFragments(), blobs, logger.Discard())

	doc, err := svc.Store(ctx, fragment("s1", models.ModalityAudio, 0))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if doc.PayloadPath != "s1/audio/chunk_0.webm" || doc.Status != models.FragmentPending || doc.Processed {
		t.Fatalf("doc = %+v", doc)
	}

	_, err = svc.Store(ctx, fragment("s1", models.ModalityAudio, 0))
	if !utils.IsCode(err, utils.CodeConflict) {
		t.Fatalf("duplicate err = %v, want CONFLICT", err)
	}
	if blobs.Len() != 1 {
		t.Fatalf("blobs = %d, want the original payload kept", blobs.Len())
	}
}

func TestFragmentStoreRollsBackPayload(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	repo := failingInsert{Fragments: memory.NewFragments(), err: errors.New("mongo down")}
	svc := NewFragmentService(repo, blobs, logger.Discard())

	if _, err := svc.Store(ctx, fragment("s1", models.ModalityVideo, 3)); !utils.IsCode(err, utils.CodeInternal) {
		t.Fatalf("err = %v, want INTERNAL", err)
	}
	if blobs.Len() != 0 {
		t.Fatal("payload left behind after failed insert")
	}
}

func TestFragmentStatsAndPurge(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	svc := NewFragmentService(memory.NewFragments(), blobs, logger.Discard())

	for i := int64(0); i < 3; i++ {
		if _, err := svc.Store(ctx, fragment("s1", models.ModalityAudio, i)); err != nil {
			t.Fatal(err)
		}
	}
	_ = svc.SetResult(ctx, "s1", models.ModalityAudio, 0, models.FragmentResult{Status: models.FragmentDone, Transcript: "hi"})
	_ = svc.SetResult(ctx, "s1", models.ModalityAudio, 1, models.FragmentResult{Status: models.FragmentFailed, FailureReason: "timeout"})

	st, err := svc.Stats(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if st != (TranscriptionStats{Total: 3, Transcribed: 1, Pending: 1, Failed: 1}) {
		t.Fatalf("stats = %+v", st)
	}

	pending, _ := svc.ListUnprocessed(ctx, "s1", models.ModalityAudio)
	if len(pending) != 2 {
		t.Fatalf("unprocessed = %d, want 2 (pending + failed)", len(pending))
	}

	n, err := svc.PurgeAudio(ctx, "s1")
	if err != nil || n != 3 {
		t.Fatalf("PurgeAudio = %d, %v", n, err)
	}
	if blobs.Len() != 0 {
		t.Fatalf("blobs = %d after purge", blobs.Len())
	}
	pending, _ = svc.ListUnprocessed(ctx, "s1", models.ModalityAudio)
	if len(pending) != 0 {
		t.Fatal("purged fragments still listed for reprocessing")
	}
}

func TestPurgeAudioFlagsOnlyDeletedPayloads(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	blobs := &failingDelete{MemoryStore: mem, path: "s1/audio/chunk_1.webm"}
	svc := NewFragmentService(memory.NewFragments(), blobs, logger.Discard())

	for i := int64(0); i < 3; i++ {
		if _, err := svc.Store(ctx, fragment("s1", models.ModalityAudio, i)); err != nil {
			t.Fatal(err)
		}
	}

	n, err := svc.PurgeAudio(ctx, "s1")
	if err != nil || n != 2 {
		t.Fatalf("PurgeAudio = %d, %v; want 2 deleted", n, err)
	}
	frs, _ := svc.List(ctx, "s1", models.ModalityAudio)
	for _, f := range frs {
		kept := f.SequenceIndex == 1
		if f.Purged == kept {
			t.Fatalf("fragment %d purged=%v", f.SequenceIndex, f.Purged)
		}
		if kept && f.PayloadPath != blobs.path {
			t.Fatalf("surviving payload lost its path: %+v", f)
		}
	}

	if mem.Len() != 1 {
		t.Fatalf("blobs = %d, want the undeleted payload", mem.Len())
	}

	// a later purge picks up what is left
	blobs.path = ""
	if n, err := svc.PurgeAudio(ctx, "s1"); err != nil || n != 1 {
		t.Fatalf("second PurgeAudio = %d, %v; want 1", n, err)
	}
	if mem.Len() != 0 {
		t.Fatalf("blobs = %d after retry", mem.Len())
	}
}

func TestSessionTransitionsAreConditional(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.Put(models.Session{ID: "s1", Status: models.SessionOngoing})
	svc := NewSessionService(store, cache.NewMemoryPresence(), logger.Discard())

	if ok, err := svc.Complete(ctx, "s1"); !ok || err != nil {
		t.Fatalf("first Complete = %v, %v", ok, err)
	}
	if ok, _ := svc.Complete(ctx, "s1"); ok {
		t.Fatal("second Complete changed state")
	}
	if _, err := svc.RequireOngoing(ctx, "s1"); !utils.IsCode(err, utils.CodeConflict) {
		t.Fatalf("RequireOngoing err = %v, want CONFLICT", err)
	}
	if _, err := svc.RequireOngoing(ctx, "missing"); !utils.IsCode(err, utils.CodeNotFound) {
		t.Fatalf("RequireOngoing err = %v, want NOT_FOUND", err)
	}

	if ok, _ := svc.BeginAnalysis(ctx, "s1"); !ok {
		t.Fatal("BeginAnalysis refused a completed session")
	}
	score := 75
	if err := svc.FinishAnalysis(ctx, "s1", &score, "ok"); err != nil {
		t.Fatal(err)
	}
	ss, _ := svc.Get(ctx, "s1")
	if ss.Status != models.SessionCompleted || ss.FinalScore == nil || *ss.FinalScore != 75 || ss.EndTime == nil {
		t.Fatalf("session = %+v", ss)
	}
}

func TestReapStaleSkipsConnected(t *testing.T) {
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	store := memory.NewStore()
	store.Put(models.Session{ID: "idle", Status: models.SessionOngoing, StartTime: old, LastActivity: old})
	store.Put(models.Session{ID: "live", Status: models.SessionOngoing, StartTime: old, LastActivity: old})
	store.Put(models.Session{ID: "fresh", Status: models.SessionOngoing})

	presence := cache.NewMemoryPresence()
	_, _ = presence.Claim(ctx, "live", "chan-1", time.Minute)
	svc := NewSessionService(store, presence, logger.Discard())

	n, err := svc.ReapStale(ctx, time.Now().Add(-5*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("ReapStale = %d, %v; want 1", n, err)
	}
	for id, want := range map[string]models.SessionStatus{
		"idle":  models.SessionTerminated,
		"live":  models.SessionOngoing,
		"fresh": models.SessionOngoing,
	} {
		ss, _ := svc.Get(ctx, id)
		if ss.Status != want {
			t.Errorf("%s status = %s, want %s", id, ss.Status, want)
		}
	}
}

func TestRecoverAnalysesResetsStuckSessions(t *testing.T) {
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	note := "evaluated 1, skipped 0, failed 0 answers; emotion report: true"
	store := memory.NewStore()
	store.Put(models.Session{ID: "crashed", Status: models.SessionAnalyzing, LastActivity: old})
	store.Put(models.Session{ID: "scored", Status: models.SessionAnalyzing, LastActivity: old, Analysis: &note})
	store.Put(models.Session{ID: "running", Status: models.SessionAnalyzing})
	store.Put(models.Session{ID: "idle", Status: models.SessionOngoing, LastActivity: old})
	svc := NewSessionService(store, cache.NewMemoryPresence(), logger.Discard())

	rerun, err := svc.RecoverAnalyses(ctx, time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(rerun) != 1 || rerun[0] != "crashed" {
		t.Fatalf("rerun = %v, want [crashed]", rerun)
	}
	for id, want := range map[string]models.SessionStatus{
		"crashed": models.SessionCompleted,
		"scored":  models.SessionCompleted,
		"running": models.SessionAnalyzing,
		"idle":    models.SessionOngoing,
	} {
		ss, _ := svc.Get(ctx, id)
		if ss.Status != want {
			t.Errorf("%s status = %s, want %s", id, ss.Status, want)
		}
	}

	if ok, _ := svc.BeginAnalysis(ctx, "crashed"); !ok {
		t.Fatal("reset session cannot be analysed again")
	}
	if rerun, _ := svc.RecoverAnalyses(ctx, time.Now().Add(-10*time.Minute)); len(rerun) != 0 {
		t.Fatalf("fresh run treated as stuck: %v", rerun)
	}
}

func TestReportCachedOnlyWhenFinal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.Put(models.Session{ID: "s1", Status: models.SessionAnalyzing})
	sessions := NewSessionService(store, nil, logger.Discard())
	evals := NewEvaluationService(memory.NewQuestions(), memory.NewQna())
	emotions := NewEmotionService(memory.NewEmotions())
	c := cache.NewMemoryCache()
	reports := NewReportService(sessions, evals, emotions, c, time.Minute, logger.Discard())

	rep, err := reports.Get(ctx, "s1")
	if err != nil || rep.Emotion != nil || rep.FinalScore != nil {
		t.Fatalf("report = %+v, %v", rep, err)
	}
	var cached Report
	if hit, _ := c.GetJSON(ctx, cache.ReportKey("s1"), &cached); hit {
		t.Fatal("in-progress report was cached")
	}

	score := 60
	_ = sessions.FinishAnalysis(ctx, "s1", &score, "done")
	if _, err := reports.Get(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if hit, _ := c.GetJSON(ctx, cache.ReportKey("s1"), &cached); !hit || *cached.FinalScore != 60 {
		t.Fatalf("final report not cached: hit=%v %+v", hit, cached)
	}
	reports.Invalidate(ctx, "s1")
	if hit, _ := c.GetJSON(ctx, cache.ReportKey("s1"), &cached); hit {
		t.Fatal("Invalidate left the entry")
	}
}
