// Package chat keeps a bounded recent window of each room's chat in the cache,
// mirrors every line to the durable store, and rebuilds the window from the store on a miss.
package chat

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/park285/cheese-rooms/internal/cache"
	"github.com/park285/cheese-rooms/internal/domain"
	"github.com/park285/cheese-rooms/internal/metrics"
	"github.com/park285/cheese-rooms/internal/obslog"
	"github.com/park285/cheese-rooms/internal/outbox"
	"github.com/park285/cheese-rooms/internal/store"
)

const MaxBodyLen = 500

type Options struct {
	HighWater int
	LowWater  int
	TTL       time.Duration
	Logger    *zap.Logger
}

// Store is safe for concurrent use, but Append and Recent for one room must be
// serialized by the caller for the window to stay a suffix of the durable history.
type Store struct {
	c    cache.Cache
	repo store.Repository
	box  *outbox.Queue
	opts Options
	log  *zap.Logger

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	// rooms whose cached window may have a gap and could not be dropped
	dirtyMu sync.Mutex
	dirty   map[domain.RoomID]bool
}

func NewStore(c cache.Cache, repo store.Repository, box *outbox.Queue, opts Options) *Store {
	if opts.HighWater <= 0 {
		opts.HighWater = 150
	}
	if opts.LowWater <= 0 || opts.LowWater > opts.HighWater {
		opts.LowWater = 50
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	return &Store{
		c:       c,
		repo:    repo,
		box:     box,
		opts:    opts,
		log:     obslog.Or(opts.Logger),
		entropy: ulid.Monotonic(rand.Reader, 0),
		dirty:   make(map[domain.RoomID]bool),
	}
}

func keyMessages(room domain.RoomID) string { return "room:" + room.String() + ":messages" }

// NormalizeBody trims the body and rejects empty or oversized text.
func NormalizeBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", domain.Wrap(domain.ErrInvalid, "message is empty", nil)
	}
	if utf8.RuneCountInString(body) > MaxBodyLen {
		return "", domain.Wrap(domain.ErrInvalid, fmt.Sprintf("message exceeds %d characters", MaxBodyLen), nil)
	}
	return body, nil
}

func (s *Store) newID(at time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

// Append stamps msg, pushes it onto the cached window and queues the durable write.
// Cache failures are logged; only an outbox rejection is returned.
func (s *Store) Append(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	body, err := NormalizeBody(msg.Body)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	msg.Body = body
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	if msg.ID == "" {
		msg.ID = s.newID(msg.At)
	}

	// Durable write goes first in queue order so a later miss can never rebuild past it.
	persist := msg
	if err := s.box.Enqueue(ctx, outbox.Task{
		Kind: "chat",
		Room: msg.RoomID,
		Run: func(ctx context.Context) error {
			return s.repo.AppendMessage(ctx, persist)
		},
	}); err != nil {
		return domain.ChatMessage{}, domain.Wrap(domain.ErrTransientStore, "chat persistence unavailable", err)
	}

	s.pushCached(ctx, msg)
	return msg, nil
}

func (s *Store) pushCached(ctx context.Context, msg domain.ChatMessage) {
	key := keyMessages(msg.RoomID)
	raw, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("chat_encode_failed", zap.Int64("room_id", int64(msg.RoomID)), zap.Error(err))
		s.invalidate(ctx, msg.RoomID)
		return
	}
	if s.isDirty(msg.RoomID) {
		return
	}

	// An empty window is cold; pushing onto it would hide older history from readers.
	// Leave it for the next read to rebuild.
	n, err := s.c.LLen(ctx, key)
	if err != nil {
		s.warnCache("chat_cache_len_failed", msg.RoomID, err)
		s.invalidate(ctx, msg.RoomID)
		return
	}
	if n == 0 {
		return
	}

	n, err = s.c.RPush(ctx, key, string(raw))
	if err != nil {
		s.warnCache("chat_cache_push_failed", msg.RoomID, err)
		s.invalidate(ctx, msg.RoomID)
		return
	}
	if err := s.c.Expire(ctx, key, s.opts.TTL); err != nil {
		s.warnCache("chat_cache_expire_failed", msg.RoomID, err)
		s.invalidate(ctx, msg.RoomID)
		return
	}
	if n > int64(s.opts.HighWater) {
		if err := s.c.LTrim(ctx, key, -int64(s.opts.LowWater), -1); err != nil {
			s.warnCache("chat_cache_trim_failed", msg.RoomID, err)
			s.invalidate(ctx, msg.RoomID)
		}
	}
}

// invalidate drops a window that missed a line. When the drop fails too the room is
// marked dirty and reads bypass the cache until a rebuild succeeds.
func (s *Store) invalidate(ctx context.Context, room domain.RoomID) {
	if err := s.c.Del(ctx, keyMessages(room)); err != nil {
		s.warnCache("chat_cache_drop_failed", room, err)
		s.setDirty(room, true)
	}
}

func (s *Store) isDirty(room domain.RoomID) bool {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	return s.dirty[room]
}

func (s *Store) setDirty(room domain.RoomID, on bool) {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	if on {
		s.dirty[room] = true
	} else {
		delete(s.dirty, room)
	}
}

// Recent returns the cached window, rebuilding it from the durable store on a miss or cache error.
func (s *Store) Recent(ctx context.Context, room domain.RoomID) ([]domain.ChatMessage, error) {
	var raw []string
	var err error
	if !s.isDirty(room) {
		raw, err = s.c.LRange(ctx, keyMessages(room), 0, -1)
		if err != nil {
			s.warnCache("chat_cache_read_failed", room, err)
		}
	}
	if err == nil && len(raw) > 0 {
		out := make([]domain.ChatMessage, 0, len(raw))
		for _, r := range raw {
			var m domain.ChatMessage
			if err := json.Unmarshal([]byte(r), &m); err != nil {
				s.log.Warn("chat_cache_decode_failed", zap.Int64("room_id", int64(room)), zap.Error(err))
				continue
			}
			out = append(out, m)
		}
		return out, nil
	}

	metrics.CacheFallbacks.WithLabelValues("chat").Inc()
	if err := s.box.WaitIdle(ctx, room); err != nil {
		return nil, domain.Wrap(domain.ErrTransientStore, "chat history unavailable", err)
	}
	msgs, err := s.repo.ListMessages(ctx, room, s.opts.LowWater)
	if err != nil {
		return nil, domain.Wrap(domain.ErrTransientStore, "chat history unavailable", err)
	}
	s.repopulate(ctx, room, msgs)
	return msgs, nil
}

func (s *Store) repopulate(ctx context.Context, room domain.RoomID, msgs []domain.ChatMessage) {
	if s.box.Pending(room) > 0 {
		return
	}
	if len(msgs) == 0 {
		if s.isDirty(room) && s.c.Del(ctx, keyMessages(room)) == nil {
			s.setDirty(room, false)
		}
		return
	}
	values := make([]string, 0, len(msgs))
	for _, m := range msgs {
		raw, err := json.Marshal(m)
		if err != nil {
			return
		}
		values = append(values, string(raw))
	}
	if err := s.c.ReplaceList(ctx, keyMessages(room), values, s.opts.TTL); err != nil {
		s.warnCache("chat_cache_repopulate_failed", room, err)
		return
	}
	s.setDirty(room, false)
}

// Drop removes the cached window.
func (s *Store) Drop(ctx context.Context, room domain.RoomID) error {
	if err := s.c.Del(ctx, keyMessages(room)); err != nil {
		return err
	}
	s.setDirty(room, false)
	return nil
}

func (s *Store) warnCache(event string, room domain.RoomID, err error) {
	s.log.Warn(event, zap.Int64("room_id", int64(room)), zap.Error(err))
}
