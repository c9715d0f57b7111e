package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-rooms/internal/cache"
	"github.com/park285/cheese-rooms/internal/domain"
)

func newTestCache(t *testing.T) (cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewRedis(rdb), mr
}

func TestSequencer_SerializesRoom(t *testing.T) {
	c, _ := newTestCache(t)
	seq := NewSequencer(c, time.Second, 2*time.Second, nil)

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := seq.Lock(context.Background(), 1)
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("%d holders at once", maxInside)
	}
}

func TestSequencer_DistinctRoomsDoNotContend(t *testing.T) {
	c, _ := newTestCache(t)
	seq := NewSequencer(c, time.Second, 100*time.Millisecond, nil)

	r1, err := seq.Lock(context.Background(), 1)
	if err != nil {
		t.Fatalf("Lock 1: %v", err)
	}
	defer r1()
	r2, err := seq.Lock(context.Background(), 2)
	if err != nil {
		t.Fatalf("room 2 should not wait on room 1: %v", err)
	}
	r2()
}

func TestSequencer_TokenBlocksOtherProcess(t *testing.T) {
	c, mr := newTestCache(t)
	a := NewSequencer(c, time.Second, 50*time.Millisecond, nil)
	b := NewSequencer(c, time.Second, 50*time.Millisecond, nil)

	release, err := a.Lock(context.Background(), 9)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !mr.Exists("room:9:lock") {
		t.Fatalf("expected cache token")
	}
	if _, err := b.Lock(context.Background(), 9); !errors.Is(err, domain.ErrTransientStore) {
		t.Fatalf("expected busy room, got %v", err)
	}
	release()
	release()
	if mr.Exists("room:9:lock") {
		t.Fatalf("token should be released")
	}
	rb, err := b.Lock(context.Background(), 9)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	rb()
}

func TestSequencer_CacheOutageFallsBackToLocalGate(t *testing.T) {
	c, mr := newTestCache(t)
	seq := NewSequencer(c, time.Second, 50*time.Millisecond, nil)

	mr.SetError("ERR cache down")
	defer mr.SetError("")
	release, err := seq.Lock(context.Background(), 3)
	if err != nil {
		t.Fatalf("outage should degrade, got %v", err)
	}
	if _, err := seq.Lock(context.Background(), 3); !errors.Is(err, domain.ErrTransientStore) {
		t.Fatalf("local gate should still hold, got %v", err)
	}
	release()
}
