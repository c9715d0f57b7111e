package room

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-rooms/internal/cache"
	"github.com/park285/cheese-rooms/internal/domain"
	"github.com/park285/cheese-rooms/internal/obslog"
)

// Sequencer serializes status-mutating work per room: an in-process gate first,
// then a cache token so other server processes queue behind it too.
type Sequencer struct {
	c    cache.Cache
	ttl  time.Duration
	wait time.Duration
	log  *zap.Logger

	mu    sync.Mutex
	gates map[domain.RoomID]*gate
}

type gate struct {
	ch   chan struct{}
	refs int
}

func NewSequencer(c cache.Cache, ttl, wait time.Duration, log *zap.Logger) *Sequencer {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Sequencer{c: c, ttl: ttl, wait: wait, log: obslog.Or(log), gates: make(map[domain.RoomID]*gate)}
}

func keyLock(room domain.RoomID) string { return "room:" + room.String() + ":lock" }

// Lock blocks until the room is free or LockWait elapses.
// The returned release must be called exactly once.
func (s *Sequencer) Lock(ctx context.Context, room domain.RoomID) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, s.wait)
	defer cancel()

	g := s.ref(room)
	select {
	case g.ch <- struct{}{}:
	case <-ctx.Done():
		s.unref(room)
		return nil, domain.Wrap(domain.ErrTransientStore, "room is busy", ctx.Err())
	}
	unlockLocal := func() {
		<-g.ch
		s.unref(room)
	}

	token := uuid.NewString()
	held, err := s.acquire(ctx, room, token)
	if err != nil {
		unlockLocal()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if held {
				rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
				if err := s.c.ReleaseToken(rctx, keyLock(room), token); err != nil {
					s.log.Warn("room_lock_release_failed", zap.Int64("room_id", int64(room)), zap.Error(err))
				}
				rcancel()
			}
			unlockLocal()
		})
	}, nil
}

// acquire polls the cache token with capped backoff. A cache outage degrades to the
// in-process gate alone; contention past the deadline is a transient failure.
func (s *Sequencer) acquire(ctx context.Context, room domain.RoomID, token string) (bool, error) {
	backoff := 5 * time.Millisecond
	for {
		ok, err := s.c.AcquireToken(ctx, keyLock(room), token, s.ttl)
		if err != nil {
			if ctx.Err() != nil {
				return false, domain.Wrap(domain.ErrTransientStore, "room is busy", ctx.Err())
			}
			s.log.Warn("room_lock_degraded", zap.Int64("room_id", int64(room)), zap.Error(err))
			return false, nil
		}
		if ok {
			return true, nil
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false, domain.Wrap(domain.ErrTransientStore, "room is busy", ctx.Err())
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

func (s *Sequencer) ref(room domain.RoomID) *gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[room]
	if !ok {
		g = &gate{ch: make(chan struct{}, 1)}
		s.gates[room] = g
	}
	g.refs++
	return g
}

func (s *Sequencer) unref(room domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[room]
	if !ok {
		return
	}
	g.refs--
	if g.refs <= 0 {
		delete(s.gates, room)
	}
}
