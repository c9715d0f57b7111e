package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-rooms/internal/cache"
	"github.com/park285/cheese-rooms/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(cache.NewRedis(rdb), time.Hour, nil), mr
}

func TestAddLookupRemove(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, 1, 10, domain.RolePlayer); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(ctx, 1, 20, domain.RoleSpectator); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ttl := mr.TTL("room:1:members"); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("ttl = %v", ttl)
	}

	role, ok, err := s.Lookup(ctx, 1, 20)
	if err != nil || !ok || role != domain.RoleSpectator {
		t.Fatalf("Lookup = %v %v %v", role, ok, err)
	}
	members, err := s.List(ctx, 1)
	if err != nil || len(members) != 2 {
		t.Fatalf("List = %v %v", members, err)
	}

	// role change replaces the previous entry
	if err := s.Add(ctx, 1, 20, domain.RolePlayer); err != nil {
		t.Fatalf("Add: %v", err)
	}
	members, _ = s.List(ctx, 1)
	if len(members) != 2 {
		t.Fatalf("expected one entry per user, got %v", members)
	}

	if err := s.Remove(ctx, 1, 20); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := s.Lookup(ctx, 1, 20); ok {
		t.Fatalf("user 20 should be gone")
	}
	if err := s.Clear(ctx, 1); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if mr.Exists("room:1:members") {
		t.Fatalf("member set should be dropped")
	}
}

func TestCheckAccess_FailsClosed(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.CheckAccess(ctx, 2, 10); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("absent member should be denied, got %v", err)
	}
	if err := s.Add(ctx, 2, 10, domain.RoleSpectator); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.CheckAccess(ctx, 2, 10); err != nil {
		t.Fatalf("member should pass: %v", err)
	}

	mr.SetError("ERR cache down")
	defer mr.SetError("")
	if err := s.CheckAccess(ctx, 2, 10); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("cache error must deny, got %v", err)
	}
}

func TestPresenceExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	if err := s.Add(ctx, 3, 10, domain.RolePlayer); err != nil {
		t.Fatalf("Add: %v", err)
	}
	mr.FastForward(2 * time.Hour)
	if _, ok, _ := s.Lookup(ctx, 3, 10); ok {
		t.Fatalf("presence should expire after inactivity")
	}
}

func TestParseEntry(t *testing.T) {
	if _, ok := parseEntry("garbage"); ok {
		t.Fatalf("garbage parsed")
	}
	if _, ok := parseEntry("12:owner"); ok {
		t.Fatalf("unknown role parsed")
	}
	m, ok := parseEntry("12:player")
	if !ok || m.User != 12 || m.Role != domain.RolePlayer {
		t.Fatalf("parseEntry = %+v %v", m, ok)
	}
}
