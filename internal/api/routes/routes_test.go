package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yoockh/intraview/internal/api/handlers"
	"github.com/yoockh/intraview/internal/api/middleware"
	"github.com/yoockh/intraview/internal/cache"
	"github.com/yoockh/intraview/internal/logger"
	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/modelslot"
	"github.com/yoockh/intraview/internal/realtime"
	"github.com/yoockh/intraview/internal/repositories/memory"
	"github.com/yoockh/intraview/internal/services"
	"github.com/yoockh/intraview/internal/storage"
	"github.com/yoockh/intraview/internal/workers"
)

const secret = "test-secret"

type testAPI struct {
	engine      *gin.Engine
	store       *memory.Store
	transcripts services.TranscriptService
}

func newAPI(t *testing.T, jwtCfg middleware.JWTConfig) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Discard()

	store := memory.NewStore()
	presence := cache.NewMemoryPresence()
	sessions := services.NewSessionService(store, presence, log)
	frags := services.NewFragmentService(memory.NewFragments(), storage.NewMemoryStore(), log)
	transcripts := services.NewTranscriptService(memory.NewTranscripts())
	emotions := services.NewEmotionService(memory.NewEmotions())
	evals := services.NewEvaluationService(memory.NewQuestions(), memory.NewQna())
	reports := services.NewReportService(sessions, evals, emotions, cache.NewMemoryCache(), time.Minute, log)

	slots := modelslot.New(nil)
	pool := workers.NewPool(1, 4)
	t.Cleanup(func() {
		pool.Close()
		_ = slots.Close()
	})
	transcriber := workers.NewTranscriptionWorker(slots, frags, transcripts, log, nil)
	analysis := workers.NewAnalysisWorker(workers.AnalysisDeps{
		Slots: slots, Sessions: sessions, Transcripts: transcripts,
		Evaluations: evals, Emotions: emotions, Fragments: frags, Reports: reports,
	})
	rt := realtime.NewHandler(realtime.Config{}, realtime.Deps{
		Sessions:    sessions,
		Presence:    presence,
		Fragments:   frags,
		Transcriber: transcriber,
		Emotions:    workers.NewEmotionWorker(slots, frags, emotions, log, nil),
		Slots:       slots,
		Analyzer:    analysis,
		Pool:        pool,
		Log:         log,
	})

	r := gin.New()
	r.Use(middleware.RequestLogger(log, nil))
	RegisterRoutes(r, Deps{
		Session:       handlers.NewSessionHandler(sessions, evals, reports, analysis),
		Transcription: handlers.NewTranscriptionHandler(sessions, frags, transcripts, transcriber),
		WS:            handlers.NewWSHandler(rt, nil),
		JWT:           jwtCfg,
	})
	return &testAPI{engine: r, store: store, transcripts: transcripts}
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	cl := jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()}
	if role != "" {
		cl["app_metadata"] = map[string]any{"role": role}
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (a *testAPI) do(method, path, tok string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("body %q: %v", w.Body.String(), err)
	}
	return m
}

func TestPingAndMetrics(t *testing.T) {
	a := newAPI(t, middleware.JWTConfig{})
	if w := a.do(http.MethodGet, "/ping", ""); w.Code != http.StatusOK {
		t.Fatalf("ping = %d", w.Code)
	}
	if w := a.do(http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
}

func TestAuthAndOwnership(t *testing.T) {
	a := newAPI(t, middleware.JWTConfig{Secret: secret})
	a.store.Put(models.Session{ID: "s1", UserID: "u1", Status: models.SessionOngoing})

	tests := []struct {
		name   string
		method string
		path   string
		tok    string
		want   int
	}{
		{"no token", http.MethodGet, "/sessions/s1/status", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/sessions/s1/status", "nope", http.StatusUnauthorized},
		{"other user", http.MethodGet, "/sessions/s1/status", token(t, "u2", ""), http.StatusForbidden},
		{"owner", http.MethodGet, "/sessions/s1/status", token(t, "u1", ""), http.StatusOK},
		{"admin reads any", http.MethodGet, "/sessions/s1/status", token(t, "ops", "admin"), http.StatusOK},
		{"unknown session", http.MethodGet, "/sessions/nope/status", token(t, "u1", ""), http.StatusNotFound},
		{"reprocess as user", http.MethodPost, "/transcription/process/s1", token(t, "u1", ""), http.StatusForbidden},
		{"reprocess as admin", http.MethodPost, "/transcription/process/s1", token(t, "ops", "admin"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := a.do(tt.method, tt.path, tt.tok); w.Code != tt.want {
				t.Fatalf("%s %s = %d, want %d (%s)", tt.method, tt.path, w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestSessionStatusAndTranscripts(t *testing.T) {
	a := newAPI(t, middleware.JWTConfig{})
	a.store.Put(models.Session{ID: "s1", UserID: "u1", Status: models.SessionCompleted, TotalChunks: 2})
	ctx := context.Background()
	_, _ = a.transcripts.Append(ctx, "s1", nil, 0, "hello")
	_, _ = a.transcripts.Append(ctx, "s1", nil, 1, "world")

	m := decode(t, a.do(http.MethodGet, "/sessions/s1/status", ""))
	if m["status"] != "completed" || m["total_chunks"] != float64(2) || m["is_connected"] != false {
		t.Fatalf("status = %v", m)
	}
	m = decode(t, a.do(http.MethodGet, "/transcription/full-text/s1", ""))
	if m["text"] != "hello world" {
		t.Fatalf("full text = %v", m)
	}
	m = decode(t, a.do(http.MethodGet, "/transcription/status/s1", ""))
	if m["total"] != float64(0) {
		t.Fatalf("transcription status = %v", m)
	}
	m = decode(t, a.do(http.MethodGet, "/sessions/s1/report", ""))
	if m["session_id"] != "s1" {
		t.Fatalf("report = %v", m)
	}
}

func TestGenerateQuestionsValidation(t *testing.T) {
	a := newAPI(t, middleware.JWTConfig{})
	a.store.Put(models.Session{ID: "s1", UserID: "u1", Status: models.SessionOngoing})

	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/questions", strings.NewReader(`{"count": 0}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d (%s)", w.Code, w.Body.String())
	}
}

func TestMediaStreamRequiresOwnerToken(t *testing.T) {
	a := newAPI(t, middleware.JWTConfig{Secret: secret})
	id := uuid.NewString()
	a.store.Put(models.Session{ID: id, UserID: "u1", Status: models.SessionOngoing})
	srv := httptest.NewServer(a.engine)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/media-stream"

	if _, resp, err := websocket.DefaultDialer.Dial(base, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: err=%v resp=%v", err, resp)
	}

	c, _, err := websocket.DefaultDialer.Dial(base+"?token="+token(t, "u2", ""), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.WriteJSON(map[string]any{"type": "session_init", "session_id": id})
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := c.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("foreign session: err = %v, want 1008", err)
	}

	c2, _, err := websocket.DefaultDialer.Dial(base+"?token="+token(t, "u1", ""), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	_ = c2.WriteJSON(map[string]any{"type": "session_init", "session_id": id})
	_ = c2.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack map[string]any
	if err := c2.ReadJSON(&ack); err != nil || ack["type"] != "session_init_ack" {
		t.Fatalf("ack = %v err = %v", ack, err)
	}
}
