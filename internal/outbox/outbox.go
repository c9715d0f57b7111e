// Package outbox runs background durable writes in FIFO order with retry.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-rooms/internal/domain"
	"github.com/park285/cheese-rooms/internal/metrics"
	"github.com/park285/cheese-rooms/internal/obslog"
)

var ErrClosed = errors.New("outbox closed")

// Task is one durable write. Run must be idempotent; it may execute more than once.
type Task struct {
	Kind string
	Room domain.RoomID
	Run  func(ctx context.Context) error
}

// DeadLetter is a task that exhausted its attempts.
type DeadLetter struct {
	Task     Task
	Err      error
	Attempts int
	At       time.Time
}

type Options struct {
	Buffer      int
	MaxAttempts int
	Timeout     time.Duration // per attempt
	BaseBackoff time.Duration
	MaxDead     int
	Logger      *zap.Logger
}

type Queue struct {
	ch   chan Task
	opts Options
	log  *zap.Logger

	sendMu sync.RWMutex
	closed bool

	mu      sync.Mutex
	pending map[domain.RoomID]int
	changed chan struct{}
	dead    []DeadLetter

	done chan struct{}
}

func New(opts Options) *Queue {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	if opts.MaxDead <= 0 {
		opts.MaxDead = 256
	}
	q := &Queue{
		ch:      make(chan Task, opts.Buffer),
		opts:    opts,
		log:     obslog.Or(opts.Logger),
		pending: make(map[domain.RoomID]int),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.worker()
	return q
}

// Enqueue hands t to the worker. It blocks only while the buffer is full.
func (q *Queue) Enqueue(ctx context.Context, t Task) error {
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	q.adjust(t.Room, 1)
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		q.adjust(t.Room, -1)
		return ctx.Err()
	}
}

// Pending returns queued plus in-flight tasks for room.
func (q *Queue) Pending(room domain.RoomID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[room]
}

// WaitIdle blocks until room has no queued or in-flight tasks.
func (q *Queue) WaitIdle(ctx context.Context, room domain.RoomID) error {
	for {
		q.mu.Lock()
		n := q.pending[room]
		ch := q.changed
		q.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DeadLetters returns a copy of the exhausted tasks.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// RequeueDead moves every dead letter back onto the queue.
func (q *Queue) RequeueDead(ctx context.Context) (int, error) {
	q.mu.Lock()
	dead := q.dead
	q.dead = nil
	q.mu.Unlock()
	for i, d := range dead {
		if err := q.Enqueue(ctx, d.Task); err != nil {
			q.mu.Lock()
			q.dead = append(dead[i:], q.dead...)
			q.mu.Unlock()
			return i, err
		}
	}
	return len(dead), nil
}

// Close stops intake and waits for queued tasks to drain.
func (q *Queue) Close(ctx context.Context) error {
	q.sendMu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.sendMu.Unlock()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) adjust(room domain.RoomID, delta int) {
	q.mu.Lock()
	q.pending[room] += delta
	if q.pending[room] <= 0 {
		delete(q.pending, room)
	}
	close(q.changed)
	q.changed = make(chan struct{})
	q.mu.Unlock()
	metrics.OutboxPending.Add(float64(delta))
}

func (q *Queue) worker() {
	defer close(q.done)
	for t := range q.ch {
		q.run(t)
		q.adjust(t.Room, -1)
	}
}

func (q *Queue) run(t Task) {
	var lastErr error
	for attempt := 1; attempt <= q.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), q.opts.Timeout)
		err := t.Run(ctx)
		cancel()
		if err == nil {
			if attempt > 1 {
				q.log.Info("outbox_recovered",
					zap.String("kind", t.Kind),
					zap.Int64("room_id", int64(t.Room)),
					zap.Int("attempt", attempt),
				)
			}
			return
		}
		lastErr = err
		final := attempt == q.opts.MaxAttempts
		metrics.OutboxFailures.WithLabelValues(t.Kind, boolLabel(final)).Inc()
		if final {
			break
		}
		q.log.Warn("outbox_retry",
			zap.String("kind", t.Kind),
			zap.Int64("room_id", int64(t.Room)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		time.Sleep(q.backoff(attempt))
	}

	q.log.Error("outbox_task_failed",
		zap.String("kind", t.Kind),
		zap.Int64("room_id", int64(t.Room)),
		zap.Int("attempts", q.opts.MaxAttempts),
		zap.Error(lastErr),
	)
	q.mu.Lock()
	q.dead = append(q.dead, DeadLetter{Task: t, Err: lastErr, Attempts: q.opts.MaxAttempts, At: time.Now()})
	if over := len(q.dead) - q.opts.MaxDead; over > 0 {
		q.dead = q.dead[over:]
	}
	q.mu.Unlock()
}

// backoff doubles from BaseBackoff, capped at the sixth step.
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * q.opts.BaseBackoff
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
