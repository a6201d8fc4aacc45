// Package modelslot owns the single process-wide slot that heavy inference
// models are loaded into. At most one model is resident at any instant: a
// request for a different kind evicts the resident model before the new one
// is loaded, and callers serialize on slot access through a weighted
// semaphore of size one.
package modelslot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/yoockh/intraview/internal/logger"
	"github.com/yoockh/intraview/internal/observe"
)

type Kind string

const (
	KindSTT     Kind = "stt"
	KindEmotion Kind = "emotion"
	KindLLM     Kind = "llm"
)

// Model is a loaded inference model. Close frees everything it holds.
type Model interface {
	Close() error
}

// Loader brings one kind of model into memory.
type Loader func(ctx context.Context) (Model, error)

var (
	// ErrUnavailable wraps loader failures. The slot stays empty.
	ErrUnavailable = errors.New("model unavailable")
	ErrUnknownKind = errors.New("unknown model kind")
	ErrClosed      = errors.New("model slot closed")
)

type Option func(*Manager)

func WithLogger(log *logrus.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

type Manager struct {
	loaders map[Kind]Loader
	sem     *semaphore.Weighted

	log     *logrus.Logger
	metrics *observe.Metrics

	// mu guards the fields below. The semaphore holder is the only one that
	// loads; evictions happen either under the semaphore or from Release when
	// the semaphore is free.
	mu       sync.Mutex
	resident Kind
	model    Model
	pending  Kind // eviction requested while a lease was outstanding
	closed   bool
}

func New(loaders map[Kind]Loader, opts ...Option) *Manager {
	m := &Manager{
		loaders: make(map[Kind]Loader, len(loaders)),
		sem:     semaphore.NewWeighted(1),
	}
	for k, l := range loaders {
		m.loaders[k] = l
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = logger.Discard()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Lease is exclusive access to the slot holding one kind of model. Done must
// be called exactly once when the caller is finished with the model; the
// model stays resident afterwards.
type Lease struct {
	m     *Manager
	kind  Kind
	model Model
	once  sync.Once
}

func (l *Lease) Kind() Kind   { return l.kind }
func (l *Lease) Model() Model { return l.model }

func (l *Lease) Done() {
	l.once.Do(l.m.done)
}

// Acquire waits for the slot and returns a lease on a loaded model of kind.
func (m *Manager) Acquire(ctx context.Context, kind Kind) (*Lease, error) {
	load, ok := m.loaders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	start := time.Now()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	m.metrics.RecordSlotWait(ctx, string(kind), time.Since(start))

	m.mu.Lock()
	if m.closed {
		m.sem.Release(1)
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.model != nil && m.resident == kind {
		model := m.model
		m.mu.Unlock()
		return &Lease{m: m, kind: kind, model: model}, nil
	}
	stale, staleKind := m.take()
	m.mu.Unlock()

	// evict before load
	if stale != nil {
		m.closeModel(staleKind, stale)
	}

	model, err := load(ctx)
	m.metrics.RecordModelLoad(ctx, string(kind), err)
	if err != nil {
		m.log.WithFields(logrus.Fields{"kind": kind, "error": err}).Warn("model load failed")
		m.sem.Release(1)
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, kind, err)
	}
	if model == nil {
		m.sem.Release(1)
		return nil, fmt.Errorf("%w: %s: loader returned no model", ErrUnavailable, kind)
	}

	m.mu.Lock()
	m.resident = kind
	m.model = model
	m.mu.Unlock()
	m.log.WithField("kind", kind).Info("model loaded")
	return &Lease{m: m, kind: kind, model: model}, nil
}

// Use runs fn with the model of kind and returns the slot afterwards.
//
// When ctx ends before fn returns, Use returns ctx's error at once. fn keeps
// the lease until it comes back, so exclusivity holds, and the model is
// evicted then: a call that ran past its deadline leaves the instance
// suspect. fn must not touch caller state after ctx ends.
func (m *Manager) Use(ctx context.Context, kind Kind, fn func(Model) error) error {
	lease, err := m.Acquire(ctx, kind)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		err := call(kind, lease.Model(), fn)
		lease.Done()
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	select {
	case err := <-done:
		return err
	default:
	}
	m.Release(kind)
	m.metrics.RecordAbandoned(context.Background(), string(kind))
	m.log.WithField("kind", kind).Warn("model call abandoned after deadline")
	return fmt.Errorf("%s call abandoned: %w", kind, ctx.Err())
}

func call(kind Kind, model Model, fn func(Model) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s model panicked: %v", kind, r)
		}
	}()
	return fn(model)
}

// Release evicts kind if it is resident. When a lease is outstanding the
// eviction is recorded and carried out by that lease's Done before anyone
// else gets the slot. Release never blocks and is safe to call repeatedly.
func (m *Manager) Release(kind Kind) {
	m.mu.Lock()
	if m.model == nil || m.resident != kind {
		m.mu.Unlock()
		return
	}
	if !m.sem.TryAcquire(1) {
		m.pending = kind
		m.mu.Unlock()
		return
	}
	stale, staleKind := m.take()
	m.mu.Unlock()

	m.closeModel(staleKind, stale)
	m.sem.Release(1)
}

// ReleaseAll evicts whatever is resident.
func (m *Manager) ReleaseAll() {
	kind, ok := m.Resident()
	if ok {
		m.Release(kind)
	}
}

// Close evicts the resident model and refuses further Acquire calls. An
// outstanding lease keeps its model until Done.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.ReleaseAll()
	return nil
}

// Resident reports which kind is loaded, if any.
func (m *Manager) Resident() (Kind, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resident, m.model != nil
}

func (m *Manager) done() {
	for {
		m.mu.Lock()
		if m.model != nil && (m.closed || (m.pending != "" && m.pending == m.resident)) {
			stale, staleKind := m.take()
			m.mu.Unlock()
			m.closeModel(staleKind, stale)
			continue
		}
		m.pending = ""
		// released under mu so a concurrent Release either sees a free
		// semaphore or records its eviction before we look again
		m.sem.Release(1)
		m.mu.Unlock()
		return
	}
}

// take clears the slot and returns what was in it. Callers hold mu.
func (m *Manager) take() (Model, Kind) {
	model, kind := m.model, m.resident
	m.model = nil
	m.resident = ""
	if m.pending == kind {
		m.pending = ""
	}
	return model, kind
}

func (m *Manager) closeModel(kind Kind, model Model) {
	if err := model.Close(); err != nil {
		m.log.WithFields(logrus.Fields{"kind": kind, "error": err}).Warn("model close failed")
	}
	m.metrics.RecordEviction(context.Background(), string(kind))
	m.log.WithField("kind", kind).Info("model evicted")
}
