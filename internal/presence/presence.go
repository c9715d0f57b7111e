// Package presence tracks who is in a room (players and spectators) in the volatile cache.
package presence

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-rooms/internal/cache"
	"github.com/park285/cheese-rooms/internal/domain"
	"github.com/park285/cheese-rooms/internal/obslog"
)

const defaultTTL = 2 * time.Hour

type Store struct {
	c   cache.Cache
	ttl time.Duration
	log *zap.Logger
}

func NewStore(c cache.Cache, ttl time.Duration, log *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{c: c, ttl: ttl, log: obslog.Or(log)}
}

func keyMembers(room domain.RoomID) string { return "room:" + room.String() + ":members" }

func entry(u domain.UserID, role domain.Role) string { return u.String() + ":" + string(role) }

func parseEntry(s string) (domain.Member, bool) {
	id, role, ok := strings.Cut(s, ":")
	if !ok {
		return domain.Member{}, false
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return domain.Member{}, false
	}
	r := domain.Role(role)
	if r != domain.RolePlayer && r != domain.RoleSpectator {
		return domain.Member{}, false
	}
	return domain.Member{User: domain.UserID(n), Role: r}, true
}

// Add records the member and refreshes the set lifetime. A user holds one role at a time.
func (s *Store) Add(ctx context.Context, room domain.RoomID, u domain.UserID, role domain.Role) error {
	key := keyMembers(room)
	other := domain.RoleSpectator
	if role == domain.RoleSpectator {
		other = domain.RolePlayer
	}
	if err := s.c.SRem(ctx, key, entry(u, other)); err != nil {
		return err
	}
	if err := s.c.SAdd(ctx, key, entry(u, role)); err != nil {
		return err
	}
	return s.c.Expire(ctx, key, s.ttl)
}

func (s *Store) Remove(ctx context.Context, room domain.RoomID, u domain.UserID) error {
	return s.c.SRem(ctx, keyMembers(room), entry(u, domain.RolePlayer), entry(u, domain.RoleSpectator))
}

func (s *Store) List(ctx context.Context, room domain.RoomID) ([]domain.Member, error) {
	raw, err := s.c.SMembers(ctx, keyMembers(room))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Member, 0, len(raw))
	for _, r := range raw {
		if m, ok := parseEntry(r); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// Lookup returns the member's role, ok=false when absent.
func (s *Store) Lookup(ctx context.Context, room domain.RoomID, u domain.UserID) (domain.Role, bool, error) {
	key := keyMembers(room)
	for _, role := range []domain.Role{domain.RolePlayer, domain.RoleSpectator} {
		ok, err := s.c.SIsMember(ctx, key, entry(u, role))
		if err != nil {
			return "", false, err
		}
		if ok {
			return role, true, nil
		}
	}
	return "", false, nil
}

// Clear drops the whole member set for the room.
func (s *Store) Clear(ctx context.Context, room domain.RoomID) error {
	return s.c.Del(ctx, keyMembers(room))
}

// CheckAccess fails closed: absence and cache errors both deny.
func (s *Store) CheckAccess(ctx context.Context, room domain.RoomID, u domain.UserID) error {
	_, ok, err := s.Lookup(ctx, room, u)
	if err != nil {
		s.log.Warn("presence_access_check_error",
			zap.Int64("room_id", int64(room)),
			zap.Int64("user_id", int64(u)),
			zap.Error(err),
		)
		return domain.Wrap(domain.ErrUnauthorized, "access check unavailable", err)
	}
	if !ok {
		return domain.Wrap(domain.ErrUnauthorized, "not a member of this room", nil)
	}
	return nil
}
