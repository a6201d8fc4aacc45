package workers

import (
	"context"
	"errors"
	"sync"
)

var ErrLaneClosed = errors.New("lane closed")

// Lane runs one session's jobs for one modality strictly in submission order
// on a shared Pool. Jobs queued after ctx is cancelled are dropped without
// running.
type Lane struct {
	ctx  context.Context
	pool *Pool
	max  int

	mu      sync.Mutex
	queue   []func(context.Context)
	running bool
	closed  bool
	skipped int
	done    chan struct{}
}

// NewLane bounds the backlog at max queued jobs (0 means unbounded).
func NewLane(ctx context.Context, pool *Pool, max int) *Lane {
	return &Lane{ctx: ctx, pool: pool, max: max, done: make(chan struct{})}
}

// Submit queues job. It fails with ErrQueueFull when the lane backlog or the
// pool queue is full.
func (l *Lane) Submit(job func(context.Context)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLaneClosed
	}
	if l.max > 0 && len(l.queue) >= l.max {
		return ErrQueueFull
	}
	l.queue = append(l.queue, job)
	if l.running {
		return nil
	}
	if err := l.pool.Submit(l.drain); err != nil {
		l.queue = l.queue[:len(l.queue)-1]
		if errors.Is(err, ErrClosed) {
			return ErrLaneClosed
		}
		return ErrQueueFull
	}
	l.running = true
	return nil
}

// Close refuses further jobs. When final is non-nil it runs after every job
// already queued, regardless of the backlog bound.
func (l *Lane) Close(final func(context.Context)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if final != nil {
		l.queue = append(l.queue, final)
	}
	if l.running {
		return
	}
	if len(l.queue) == 0 {
		close(l.done)
		return
	}
	l.running = true
	if err := l.pool.Submit(l.drain); err != nil {
		// the final job must run even when the pool is saturated
		go l.drain()
	}
}

// Wait blocks until the lane is closed and empty, or ctx ends.
func (l *Lane) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Skipped counts jobs dropped because the lane context was cancelled.
func (l *Lane) Skipped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skipped
}

func (l *Lane) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			if l.closed {
				close(l.done)
			}
			l.mu.Unlock()
			return
		}
		job := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		if l.ctx.Err() != nil {
			l.skipped++
			l.mu.Unlock()
			continue
		}
		l.mu.Unlock()

		job(l.ctx)
	}
}
