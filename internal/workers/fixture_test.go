package workers

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yoockh/intraview/internal/cache"
	"github.com/yoockh/intraview/internal/logger"
	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/modelslot"
	"github.com/yoockh/intraview/internal/reassembly"
	"github.com/yoockh/intraview/internal/repositories/memory"
	"github.com/yoockh/intraview/internal/services"
	"github.com/yoockh/intraview/internal/storage"
)

type fakeSTT struct {
	mu    sync.Mutex
	calls [][]byte
	text  string
	err   error
	// block, when set, stalls every call until closed, ignoring ctx
	block chan struct{}
}

func (f *fakeSTT) Transcribe(_ context.Context, audio []byte, _ string) (string, float64, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]byte(nil), audio...))
	return f.text, 0.9, f.err
}

func (f *fakeSTT) Close() error { return nil }

func (f *fakeSTT) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeClassifier struct {
	label string
	conf  float64
	err   error
	block chan struct{}
}

func (f *fakeClassifier) Classify(context.Context, []byte) (string, float64, error) {
	if f.block != nil {
		<-f.block
	}
	return f.label, f.conf, f.err
}

func (f *fakeClassifier) Close() error { return nil }

// fakeLLM answers each prompt with reply.
type fakeLLM struct {
	reply func(prompt string) (string, error)
	calls atomic.Int32
}

func (f *fakeLLM) StreamAnswer(_ context.Context, prompt string) (<-chan string, <-chan error) {
	f.calls.Add(1)
	out := make(chan string, 1)
	errs := make(chan error, 1)
	text, err := f.reply(prompt)
	if err == nil {
		out <- text
	}
	close(out)
	errs <- err
	close(errs)
	return out, errs
}

func (f *fakeLLM) Close() error { return nil }

type fixture struct {
	sessions    *memory.Store
	questions   *memory.Questions
	blobs       *storage.MemoryStore
	slots       *modelslot.Manager
	stt         *fakeSTT
	emo         *fakeClassifier
	llm         *fakeLLM
	loadErr     map[modelslot.Kind]error
	svcSessions services.SessionService
	fragments   services.FragmentService
	transcripts services.TranscriptService
	emotions    services.EmotionService
	evals       services.EvaluationService
	reports     services.ReportService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Discard()
	f := &fixture{
		sessions:  memory.NewStore(),
		questions: memory.NewQuestions(),
		blobs:     storage.NewMemoryStore(),
		stt:       &fakeSTT{text: "hello"},
		emo:       &fakeClassifier{label: "happy", conf: 0.8},
		llm:       &fakeLLM{reply: func(string) (string, error) { return "{}", nil }},
		loadErr:   map[modelslot.Kind]error{},
	}
	f.slots = modelslot.New(map[modelslot.Kind]modelslot.Loader{
		modelslot.KindSTT: func(context.Context) (modelslot.Model, error) {
			if err := f.loadErr[modelslot.KindSTT]; err != nil {
				return nil, err
			}
			return f.stt, nil
		},
		modelslot.KindEmotion: func(context.Context) (modelslot.Model, error) {
			if err := f.loadErr[modelslot.KindEmotion]; err != nil {
				return nil, err
			}
			return f.emo, nil
		},
		modelslot.KindLLM: func(context.Context) (modelslot.Model, error) {
			if err := f.loadErr[modelslot.KindLLM]; err != nil {
				return nil, err
			}
			return f.llm, nil
		},
	}, modelslot.WithLogger(log))
	t.Cleanup(func() { _ = f.slots.Close() })

	f.svcSessions = services.NewSessionService(f.sessions, cache.NewMemoryPresence(), log)
	f.fragments = services.NewFragmentService(memory.NewFragments(), f.blobs, log)
	f.transcripts = services.NewTranscriptService(memory.NewTranscripts())
	f.emotions = services.NewEmotionService(memory.NewEmotions())
	f.evals = services.NewEvaluationService(f.questions, memory.NewQna())
	f.reports = services.NewReportService(f.svcSessions, f.evals, f.emotions, cache.NewMemoryCache(), time.Minute, log)
	return f
}

func (f *fixture) store(t *testing.T, sessionID string, modality models.Modality, idx int64, payload []byte, questionID *int64) *models.MediaFragment {
	t.Helper()
	doc, err := f.fragments.Store(context.Background(), &reassembly.Fragment{
		SessionID: sessionID,
		Key:       reassembly.Key{Modality: modality, Index: idx},
		Meta:      reassembly.Metadata{Timestamp: time.Now().UTC(), QuestionID: questionID},
		Payload:   payload,
	})
	if err != nil {
		t.Fatalf("store fragment: %v", err)
	}
	return doc
}

func (f *fixture) transcriptionWorker() *TranscriptionWorker {
	return NewTranscriptionWorker(f.slots, f.fragments, f.transcripts, logger.Discard(), nil)
}

func (f *fixture) analysisWorker() *AnalysisWorker {
	return NewAnalysisWorker(AnalysisDeps{
		Slots:       f.slots,
		Sessions:    f.svcSessions,
		Transcripts: f.transcripts,
		Evaluations: f.evals,
		Emotions:    f.emotions,
		Fragments:   f.fragments,
		Reports:     f.reports,
	})
}

func kindOf(prompt string) string {
	switch {
	case strings.Contains(prompt, "grading"):
		return "evaluation"
	case strings.Contains(prompt, "facial"):
		return "emotion"
	default:
		return "questions"
	}
}

func ptr[T any](v T) *T { return &v }

// stall returns a channel for a fake's block field and a release func that
// is also run at cleanup.
func stall(t *testing.T) (chan struct{}, func()) {
	ch := make(chan struct{})
	release := sync.OnceFunc(func() { close(ch) })
	t.Cleanup(release)
	return ch, release
}

func waitEvicted(t *testing.T, slots *modelslot.Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := slots.Resident(); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("model still resident after the abandoned call returned")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
