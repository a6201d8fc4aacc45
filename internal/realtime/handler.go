// Package realtime runs the duplex media channel of one interview session:
// acceptance, fragment reassembly, per-modality inference lanes and the
// completion handshake.
package realtime

import (
	"context"
	"errors"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/intraview/internal/cache"
	"github.com/yoockh/intraview/internal/logger"
	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/modelslot"
	"github.com/yoockh/intraview/internal/observe"
	"github.com/yoockh/intraview/internal/reassembly"
	"github.com/yoockh/intraview/internal/services"
	"github.com/yoockh/intraview/internal/workers"
)

type Config struct {
	PingInterval    time.Duration
	PresenceTTL     time.Duration
	WriteTimeout    time.Duration
	DrainTimeout    time.Duration
	LaneQueue       int
	MaxMessageBytes int64
	Limits          reassembly.Limits
}

func (c *Config) defaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 3 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.LaneQueue <= 0 {
		c.LaneQueue = 64
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 16 << 20
	}
}

type Deps struct {
	Sessions    services.SessionService
	Presence    cache.Presence
	Fragments   services.FragmentService
	Transcriber *workers.TranscriptionWorker
	Emotions    *workers.EmotionWorker
	Slots       *modelslot.Manager
	Analyzer    workers.Analyzer
	Pool        *workers.Pool
	Log         *logrus.Logger
	Metrics     *observe.Metrics
}

type Handler struct {
	cfg Config
	Deps
}

func NewHandler(cfg Config, deps Deps) *Handler {
	cfg.defaults()
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Handler{cfg: cfg, Deps: deps}
}

type state uint8

const (
	statePending state = iota
	stateOngoing
	stateCompleting
	stateCompleted
)

// channel is the per-connection state. Everything except out, accepted and
// the lanes is owned by the read goroutine.
type channel struct {
	h       *Handler
	ws      *websocket.Conn
	out     *conn
	subject string
	owner   string
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	state     state
	sessionID string
	buf       *reassembly.Buffer
	audio     *workers.Lane
	video     *workers.Lane
	accepted  atomic.Bool
}

// Serve runs the channel until the peer goes away or a protocol violation
// closes it. subject, when set, must own the session.
func (h *Handler) Serve(ctx context.Context, ws *websocket.Conn, subject string) {
	ch := &channel{
		h:       h,
		ws:      ws,
		out:     &conn{c: ws, writeTimeout: h.cfg.WriteTimeout},
		subject: subject,
		owner:   uuid.NewString(),
	}
	ch.log = h.Log.WithField("channel", ch.owner)
	ch.ctx, ch.cancel = context.WithCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			ch.log.WithFields(logrus.Fields{"panic": r, "stack": string(debug.Stack())}).Error("channel handler panic")
			ch.out.closeWith(websocket.CloseInternalServerErr, "internal error")
		}
		ch.teardown()
	}()

	readTimeout := 2*h.cfg.PingInterval + h.cfg.WriteTimeout
	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	go ch.keepalive(stop)

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ch.log.WithError(err).Debug("channel read ended")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		if !ch.handle(mt, data) {
			return
		}
	}
}

func (ch *channel) keepalive(stop <-chan struct{}) {
	t := time.NewTicker(ch.h.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := ch.out.ping(); err != nil {
				return
			}
			if !ch.accepted.Load() {
				continue
			}
			if err := ch.h.Presence.Refresh(ch.ctx, ch.sessionID, ch.owner, ch.h.cfg.PresenceTTL); err != nil {
				ch.log.WithError(err).Warn("presence refresh failed")
			}
		}
	}
}

// teardown runs on every exit path. After a completed handshake only the
// presence claim is left to drop; otherwise queued work is cancelled and
// partial state discarded.
func (ch *channel) teardown() {
	defer ch.ws.Close()
	if !ch.accepted.Load() {
		ch.cancel()
		return
	}
	h := ch.h
	log := ch.log

	abnormal := ch.state != stateCompleted
	if abnormal {
		ch.cancel()
		dropped := ch.buf.Discard()
		ch.audio.Close(nil)
		ch.video.Close(nil)
		log = log.WithField("dropped_partials", dropped)
	}

	wctx, cancel := context.WithTimeout(context.Background(), h.cfg.DrainTimeout)
	defer cancel()
	if err := ch.audio.Wait(wctx); err != nil {
		log.Warn("audio lane did not drain in time")
	}
	if err := ch.video.Wait(wctx); err != nil {
		log.Warn("video lane did not drain in time")
	}
	ch.cancel()

	if abnormal {
		h.Transcriber.Discard(ch.sessionID)
		h.Slots.Release(modelslot.KindSTT)
		h.Slots.Release(modelslot.KindEmotion)
		log.WithFields(logrus.Fields{
			"skipped_audio": ch.audio.Skipped(),
			"skipped_video": ch.video.Skipped(),
		}).Info("channel terminated without completion")
	}

	pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pcancel()
	if err := h.Presence.Clear(pctx, ch.sessionID, ch.owner); err != nil {
		log.WithError(err).Warn("presence clear failed")
	}
	h.Metrics.RecordChannel(context.Background(), -1)
}

func (ch *channel) laneFor(m models.Modality) *workers.Lane {
	if m == models.ModalityVideo {
		return ch.video
	}
	return ch.audio
}

// guard keeps a panicking inference job from taking down a pool goroutine.
func (ch *channel) guard(job func(context.Context)) func(context.Context) {
	return func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				ch.log.WithFields(logrus.Fields{"panic": r, "stack": string(debug.Stack())}).Error("lane job panic")
			}
		}()
		job(ctx)
	}
}

var errNotAccepted = errors.New("session_init required")
