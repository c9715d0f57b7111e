package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, attempts int) *Queue {
	t.Helper()
	q := New(Options{Buffer: 16, MaxAttempts: attempts, BaseBackoff: time.Millisecond, Timeout: time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func TestQueue_FIFOPerRoom(t *testing.T) {
	q := newTestQueue(t, 1)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 20; i++ {
		i := i
		err := q.Enqueue(ctx, Task{Kind: "move", Room: 7, Run: func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := q.WaitIdle(wctx, 7); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if q.Pending(7) != 0 {
		t.Fatalf("pending = %d", q.Pending(7))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("ran %d tasks", len(order))
	}
	for i, v := range order {
		if v != i+1 {
			t.Fatalf("out of order at %d: %v", i, order)
		}
	}
}

func TestQueue_RetryThenSucceed(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	var calls atomic.Int32
	err := q.Enqueue(ctx, Task{Kind: "chat", Room: 1, Run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("db down")
		}
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := q.WaitIdle(wctx, 1); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d", calls.Load())
	}
	if len(q.DeadLetters()) != 0 {
		t.Fatalf("recovered task should not be dead")
	}
}

func TestQueue_DeadLetterAndRequeue(t *testing.T) {
	q := newTestQueue(t, 2)
	ctx := context.Background()

	var healthy atomic.Bool
	var runs atomic.Int32
	task := Task{Kind: "move", Room: 3, Run: func(context.Context) error {
		runs.Add(1)
		if !healthy.Load() {
			return errors.New("still down")
		}
		return nil
	}}
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := q.WaitIdle(wctx, 3); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0].Attempts != 2 || dead[0].Err == nil {
		t.Fatalf("dead letters = %+v", dead)
	}

	healthy.Store(true)
	n, err := q.RequeueDead(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RequeueDead = %d %v", n, err)
	}
	if err := q.WaitIdle(wctx, 3); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if runs.Load() != 3 || len(q.DeadLetters()) != 0 {
		t.Fatalf("runs=%d dead=%d", runs.Load(), len(q.DeadLetters()))
	}
}

func TestQueue_WaitIdleHonoursContext(t *testing.T) {
	q := newTestQueue(t, 1)
	release := make(chan struct{})
	if err := q.Enqueue(context.Background(), Task{Kind: "move", Room: 9, Run: func(context.Context) error {
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.WaitIdle(ctx, 9); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if err := q.WaitIdle(context.Background(), 10); err != nil {
		t.Fatalf("other rooms are idle: %v", err)
	}
	close(release)
}

func TestQueue_CloseDrainsAndRejects(t *testing.T) {
	q := New(Options{Buffer: 4, MaxAttempts: 1, BaseBackoff: time.Millisecond})
	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		_ = q.Enqueue(context.Background(), Task{Kind: "chat", Room: 1, Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ran.Load() != 4 {
		t.Fatalf("drained %d of 4", ran.Load())
	}
	if err := q.Enqueue(context.Background(), Task{Room: 1, Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBackoffCapped(t *testing.T) {
	q := &Queue{opts: Options{BaseBackoff: 100 * time.Millisecond}}
	if q.backoff(1) != 100*time.Millisecond || q.backoff(3) != 400*time.Millisecond {
		t.Fatalf("unexpected backoff progression")
	}
	if q.backoff(10) != q.backoff(6) {
		t.Fatalf("backoff should cap at step 6")
	}
}
