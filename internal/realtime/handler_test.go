package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yoockh/intraview/internal/cache"
	"github.com/yoockh/intraview/internal/logger"
	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/modelslot"
	"github.com/yoockh/intraview/internal/protocol"
	"github.com/yoockh/intraview/internal/repositories/memory"
	"github.com/yoockh/intraview/internal/services"
	"github.com/yoockh/intraview/internal/storage"
	"github.com/yoockh/intraview/internal/workers"
)

type fakeSTT struct{}

func (fakeSTT) Transcribe(_ context.Context, audio []byte, _ string) (string, float64, error) {
	return "heard " + string(audio), 0.9, nil
}
func (fakeSTT) Close() error { return nil }

type fakeClassifier struct{}

func (fakeClassifier) Classify(context.Context, []byte) (string, float64, error) {
	return "neutral", 0.7, nil
}
func (fakeClassifier) Close() error { return nil }

type recordingAnalyzer struct {
	mu  sync.Mutex
	ids []string
}

func (a *recordingAnalyzer) Submit(_ context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, sessionID)
	return nil
}

func (a *recordingAnalyzer) submitted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ids...)
}

type env struct {
	srv      *httptest.Server
	store    *memory.Store
	presence *cache.MemoryPresence
	sessions services.SessionService
	frags    services.FragmentService
	slots    *modelslot.Manager
	analyzer *recordingAnalyzer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logger.Discard()
	e := &env{
		store:    memory.NewStore(),
		presence: cache.NewMemoryPresence(),
		analyzer: &recordingAnalyzer{},
	}
	e.sessions = services.NewSessionService(e.store, e.presence, log)
	e.frags = services.NewFragmentService(memory.NewFragments(), storage.NewMemoryStore(), log)
	e.slots = modelslot.New(map[modelslot.Kind]modelslot.Loader{
		modelslot.KindSTT:     func(context.Context) (modelslot.Model, error) { return fakeSTT{}, nil },
		modelslot.KindEmotion: func(context.Context) (modelslot.Model, error) { return fakeClassifier{}, nil },
	})
	pool := workers.NewPool(2, 16)
	transcripts := services.NewTranscriptService(memory.NewTranscripts())
	emotions := services.NewEmotionService(memory.NewEmotions())

	h := NewHandler(Config{PingInterval: time.Second, DrainTimeout: 2 * time.Second}, Deps{
		Sessions:    e.sessions,
		Presence:    e.presence,
		Fragments:   e.frags,
		Transcriber: workers.NewTranscriptionWorker(e.slots, e.frags, transcripts, log, nil),
		Emotions:    workers.NewEmotionWorker(e.slots, e.frags, emotions, log, nil),
		Slots:       e.slots,
		Analyzer:    e.analyzer,
		Pool:        pool,
		Log:         log,
	})

	up := websocket.Upgrader{}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(r.Context(), ws, "")
	}))
	t.Cleanup(func() {
		e.srv.Close()
		pool.Close()
		_ = e.slots.Close()
	})
	return e
}

func (e *env) session(status models.SessionStatus) string {
	id := uuid.NewString()
	e.store.Put(models.Session{ID: id, UserID: "u1", Status: status})
	return id
}

func (e *env) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m map[string]any
	if err := c.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

// readType skips records until one of type typ arrives.
func readType(t *testing.T, c *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		if m := read(t, c); m["type"] == typ {
			return m
		}
	}
	t.Fatalf("no %s record", typ)
	return nil
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) || ce.Code != code {
			t.Fatalf("read err = %v, want close %d", err, code)
		}
		return
	}
}

func initSession(t *testing.T, c *websocket.Conn, id string) {
	t.Helper()
	send(t, c, map[string]any{"type": "session_init", "session_id": id})
	if m := read(t, c); m["type"] != protocol.TypeSessionInitAck || m["session_id"] != id {
		t.Fatalf("ack = %v", m)
	}
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestRefusesUnknownAndClosedSessions(t *testing.T) {
	e := newEnv(t)

	c := e.dial(t)
	send(t, c, map[string]any{"type": "session_init", "session_id": uuid.NewString()})
	expectClose(t, c, websocket.ClosePolicyViolation)

	done := e.session(models.SessionCompleted)
	c = e.dial(t)
	send(t, c, map[string]any{"type": "session_init", "session_id": done})
	expectClose(t, c, websocket.ClosePolicyViolation)
}

func TestMessagesBeforeInit(t *testing.T) {
	e := newEnv(t)
	c := e.dial(t)

	send(t, c, map[string]any{"type": "audio_blob", "chunk_index": 0, "data": b64("x")})
	if m := read(t, c); m["type"] != "error" || m["code"] != protocol.CodeNotAccepted {
		t.Fatalf("got %v", m)
	}
	send(t, c, map[string]any{"type": "ping"})
	if m := read(t, c); m["type"] != protocol.TypePong {
		t.Fatalf("got %v", m)
	}
}

func TestMalformedKeepsChannelOpen(t *testing.T) {
	e := newEnv(t)
	c := e.dial(t)
	initSession(t, c, e.session(models.SessionOngoing))

	if err := c.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if m := read(t, c); m["code"] != protocol.CodeMalformed {
		t.Fatalf("got %v", m)
	}
	if err := c.WriteMessage(websocket.BinaryMessage, []byte("short")); err != nil {
		t.Fatal(err)
	}
	if m := read(t, c); m["code"] != protocol.CodeMalformed {
		t.Fatalf("got %v", m)
	}
	send(t, c, map[string]any{"type": "audio_metadata", "chunk_index": 0, "start_timestamp": "yesterday"})
	if m := read(t, c); m["code"] != protocol.CodeMalformed {
		t.Fatalf("got %v", m)
	}
	send(t, c, map[string]any{"type": "ping"})
	if m := read(t, c); m["type"] != protocol.TypePong {
		t.Fatalf("got %v", m)
	}
}

func TestIngestAndComplete(t *testing.T) {
	e := newEnv(t)
	id := e.session(models.SessionOngoing)
	c := e.dial(t)
	initSession(t, c, id)
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	// metadata first, then payload
	send(t, c, map[string]any{"type": "audio_metadata", "chunk_index": 0, "start_timestamp": ts, "question_id": 3})
	send(t, c, map[string]any{"type": "audio_blob", "chunk_index": 0, "data": "data:audio/webm;base64," + b64("one")})
	m := readType(t, c, protocol.TypeTranscription)
	if m["seq"] != float64(1) || m["text"] != "heard one" || m["status"] != protocol.StatusOK || m["question_id"] != float64(3) {
		t.Fatalf("transcription = %v", m)
	}

	// binary payload first, then metadata
	bin, err := protocol.EncodeBinary(id, models.ModalityAudio, 1, []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(websocket.BinaryMessage, bin); err != nil {
		t.Fatal(err)
	}
	send(t, c, map[string]any{"type": "audio_metadata", "chunk_index": 1, "start_timestamp": ts})
	m = readType(t, c, protocol.TypeTranscription)
	if m["seq"] != float64(2) || m["chunk_index"] != float64(1) || m["text"] != "heard two" {
		t.Fatalf("transcription = %v", m)
	}

	send(t, c, map[string]any{"type": "frame_metadata", "frame_index": 0, "timestamp": ts})
	send(t, c, map[string]any{"type": "frame_blob", "frame_index": 0, "data": b64("jpeg")})
	m = readType(t, c, protocol.TypeEmotionAnalysis)
	if m["label"] != "neutral" || m["seq"] != float64(3) {
		t.Fatalf("emotion = %v", m)
	}

	send(t, c, map[string]any{"type": "session_complete"})
	ack := readType(t, c, protocol.TypeCompleteAck)
	if ack["analysis_queued"] != true || ack["already_completed"] != false {
		t.Fatalf("ack = %v", ack)
	}
	ss, _ := e.sessions.Get(context.Background(), id)
	if ss.Status != models.SessionCompleted || ss.TotalChunks != 2 || ss.TotalFrames != 1 {
		t.Fatalf("session = %+v", ss)
	}
	if got := e.analyzer.submitted(); len(got) != 1 || got[0] != id {
		t.Fatalf("analysis submissions = %v", got)
	}
	if _, resident := e.slots.Resident(); resident {
		t.Fatal("models left resident after completion")
	}

	send(t, c, map[string]any{"type": "end"})
	ack = readType(t, c, protocol.TypeCompleteAck)
	if ack["already_completed"] != true || ack["analysis_queued"] != false {
		t.Fatalf("second ack = %v", ack)
	}
	send(t, c, map[string]any{"type": "audio_blob", "chunk_index": 5, "data": b64("late")})
	if m := read(t, c); m["code"] != protocol.CodeSessionClosed {
		t.Fatalf("got %v", m)
	}
	if len(e.analyzer.submitted()) != 1 {
		t.Fatal("analysis queued twice")
	}
}

func TestDuplicateFragment(t *testing.T) {
	e := newEnv(t)
	id := e.session(models.SessionOngoing)
	c := e.dial(t)
	initSession(t, c, id)
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	for i := 0; i < 2; i++ {
		send(t, c, map[string]any{"type": "frame_metadata", "frame_index": 7, "timestamp": ts})
		send(t, c, map[string]any{"type": "frame_blob", "frame_index": 7, "data": b64("jpeg")})
	}
	if m := readType(t, c, "error"); m["code"] != protocol.CodeDuplicate {
		t.Fatalf("got %v", m)
	}
}

func TestOrphanAudioFlushedOnComplete(t *testing.T) {
	e := newEnv(t)
	id := e.session(models.SessionOngoing)
	c := e.dial(t)
	initSession(t, c, id)

	send(t, c, map[string]any{"type": "audio_blob", "chunk_index": 4, "data": b64("tail")})
	send(t, c, map[string]any{"type": "frame_metadata", "frame_index": 0, "timestamp": time.Now().UTC().Format(time.RFC3339)})
	send(t, c, map[string]any{"type": "session_complete"})

	m := read(t, c)
	if m["type"] != protocol.TypeTranscription || m["chunk_index"] != float64(4) || m["text"] != "heard tail" {
		t.Fatalf("got %v, want orphan transcription before ack", m)
	}
	if m := read(t, c); m["type"] != protocol.TypeCompleteAck {
		t.Fatalf("got %v", m)
	}
}

func TestSecondChannelRefused(t *testing.T) {
	e := newEnv(t)
	id := e.session(models.SessionOngoing)
	first := e.dial(t)
	initSession(t, first, id)

	second := e.dial(t)
	send(t, second, map[string]any{"type": "session_init", "session_id": id})
	expectClose(t, second, websocket.ClosePolicyViolation)

	// the first channel is unaffected
	send(t, first, map[string]any{"type": "ping"})
	if m := read(t, first); m["type"] != protocol.TypePong {
		t.Fatalf("got %v", m)
	}
}

func TestDisconnectCleansUpAndKeepsFragments(t *testing.T) {
	e := newEnv(t)
	id := e.session(models.SessionOngoing)
	c := e.dial(t)
	initSession(t, c, id)
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	for i, text := range []string{"one", "two"} {
		send(t, c, map[string]any{"type": "audio_metadata", "chunk_index": i, "start_timestamp": ts})
		send(t, c, map[string]any{"type": "audio_blob", "chunk_index": i, "data": b64(text)})
		if m := readType(t, c, protocol.TypeTranscription); m["text"] != "heard "+text {
			t.Fatalf("transcription %d = %v", i, m)
		}
	}
	if k, ok := e.slots.Resident(); !ok || k != modelslot.KindSTT {
		t.Fatalf("Resident = %q, %v; want stt loaded mid-session", k, ok)
	}
	// a half that never completes
	send(t, c, map[string]any{"type": "audio_metadata", "chunk_index": 2, "start_timestamp": ts})
	_ = c.Close()

	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for {
		live, _ := e.presence.IsLive(ctx, id)
		_, resident := e.slots.Resident()
		if !live && !resident {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("after disconnect: presence=%v resident=%v", live, resident)
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, err := e.frags.Stats(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 2 || st.Transcribed != 2 {
		t.Fatalf("stats = %+v, want both complete fragments kept", st)
	}
	ss, _ := e.sessions.Get(ctx, id)
	if ss.Status != models.SessionOngoing {
		t.Fatalf("status = %s, want ongoing", ss.Status)
	}
	if got := e.analyzer.submitted(); len(got) != 0 {
		t.Fatalf("analysis queued on disconnect: %v", got)
	}

	// the session can be resumed on a new channel
	c = e.dial(t)
	initSession(t, c, id)
}

func TestSeqIsMonotonic(t *testing.T) {
	e := newEnv(t)
	id := e.session(models.SessionOngoing)
	c := e.dial(t)
	initSession(t, c, id)
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	for i := 0; i < 5; i++ {
		send(t, c, map[string]any{"type": "audio_metadata", "chunk_index": i, "start_timestamp": ts})
		send(t, c, map[string]any{"type": "audio_blob", "chunk_index": i, "data": b64("a")})
		send(t, c, map[string]any{"type": "frame_metadata", "frame_index": i, "timestamp": ts})
		send(t, c, map[string]any{"type": "frame_blob", "frame_index": i, "data": b64("f")})
	}
	var last float64
	lastChunk := float64(-1)
	for n := 0; n < 10; n++ {
		m := read(t, c)
		seq, _ := m["seq"].(float64)
		if seq != last+1 {
			t.Fatalf("seq %v after %v", seq, last)
		}
		last = seq
		if m["type"] == protocol.TypeTranscription {
			idx := m["chunk_index"].(float64)
			if idx <= lastChunk {
				t.Fatalf("audio out of order: %v after %v", idx, lastChunk)
			}
			lastChunk = idx
		}
	}
}
