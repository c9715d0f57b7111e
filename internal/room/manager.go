// Package room owns room lifecycle, the move relay and the events they fan out.
// Every status-mutating operation runs under the room's Sequencer.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-rooms/internal/cache"
	"github.com/park285/cheese-rooms/internal/chat"
	"github.com/park285/cheese-rooms/internal/domain"
	"github.com/park285/cheese-rooms/internal/hub"
	"github.com/park285/cheese-rooms/internal/metrics"
	"github.com/park285/cheese-rooms/internal/msgcat"
	"github.com/park285/cheese-rooms/internal/obslog"
	"github.com/park285/cheese-rooms/internal/outbox"
	"github.com/park285/cheese-rooms/internal/presence"
	"github.com/park285/cheese-rooms/internal/rules"
	"github.com/park285/cheese-rooms/internal/store"
	"github.com/park285/cheese-rooms/pkg/roomdto"
)

type Config struct {
	Capacity     int
	StoreTimeout time.Duration
	BoardTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 15
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.BoardTTL <= 0 {
		c.BoardTTL = 2 * time.Hour
	}
	return c
}

// Deps are the collaborators a Manager orchestrates.
type Deps struct {
	Repo      store.Repository
	Cache     cache.Cache
	Presence  *presence.Store
	Chat      *chat.Store
	Hub       *hub.Hub
	Outbox    *outbox.Queue
	Engine    rules.Engine
	Sequencer *Sequencer
	Messages  *msgcat.Catalog
	Logger    *zap.Logger
}

type Manager struct {
	repo     store.Repository
	cache    cache.Cache
	presence *presence.Store
	chat     *chat.Store
	hub      *hub.Hub
	box      *outbox.Queue
	engine   rules.Engine
	seq      *Sequencer
	msgs     *msgcat.Catalog
	cfg      Config
	log      *zap.Logger
	now      func() time.Time

	// rooms whose cached history missed a write in this process
	dirtyMu sync.Mutex
	dirty   map[domain.RoomID]struct{}
}

func NewManager(d Deps, cfg Config) *Manager {
	return &Manager{
		repo:     d.Repo,
		cache:    d.Cache,
		presence: d.Presence,
		chat:     d.Chat,
		hub:      d.Hub,
		box:      d.Outbox,
		engine:   d.Engine,
		seq:      d.Sequencer,
		msgs:     d.Messages,
		cfg:      cfg.withDefaults(),
		log:      obslog.Or(d.Logger),
		now:      func() time.Time { return time.Now().UTC() },
		dirty:    make(map[domain.RoomID]struct{}),
	}
}

func (m *Manager) Capacity() int { return m.cfg.Capacity }

// ErrorReason renders the caller-facing text for err.
func (m *Manager) ErrorReason(err error) string {
	if m.msgs == nil {
		return err.Error()
	}
	return m.msgs.ErrorReason(err, m.cfg.Capacity)
}

func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

// classify maps store errors onto the room taxonomy. Classified errors pass through.
func classify(op string, err error) error {
	var de *domain.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &de):
		return err
	case errors.Is(err, store.ErrRoomNotFound):
		return domain.Wrap(domain.ErrNotFound, "room not found", err)
	case errors.Is(err, store.ErrDuplicateCode):
		return domain.Wrap(domain.ErrConflict, "room code already in use", err)
	default:
		return domain.Wrap(domain.ErrTransientStore, op+" failed", err)
	}
}

func (m *Manager) loadRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	r, err := m.repo.GetRoom(sctx, id)
	if err != nil {
		return nil, classify("load room", err)
	}
	return r, nil
}

// flush waits for queued durable writes of the room so a transaction sees them.
func (m *Manager) flush(ctx context.Context, id domain.RoomID) error {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.box.WaitIdle(sctx, id); err != nil {
		return domain.Wrap(domain.ErrTransientStore, "pending writes did not drain", err)
	}
	return nil
}

func (m *Manager) update(ctx context.Context, id domain.RoomID, fn func(r *domain.Room) error) (*domain.Room, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	r, err := m.repo.UpdateRoom(sctx, id, fn)
	if err != nil {
		return nil, classify("update room", err)
	}
	return r, nil
}

func roomFields(id domain.RoomID, user domain.UserID) []zap.Field {
	return []zap.Field{zap.Int64("room_id", int64(id)), zap.Int64("user_id", int64(user))}
}

func event(name string, data any) hub.Event { return hub.Event{Name: name, Data: data} }

// publishOthers delivers ev to every session in the room not owned by user.
func (m *Manager) publishOthers(id domain.RoomID, user domain.UserID, ev hub.Event) {
	for _, s := range m.hub.Sessions(id) {
		if s.User == user {
			continue
		}
		s.Deliver(ev)
	}
	metrics.EventsPublished.WithLabelValues(ev.Name).Inc()
}

func (m *Manager) sendUser(id domain.RoomID, user domain.UserID, ev hub.Event) {
	for _, s := range m.hub.SessionsOf(id, user) {
		m.hub.Send(s, ev)
	}
}

// Cached board state.

func keyFEN(id domain.RoomID) string     { return "room:" + id.String() + ":fen" }
func keyHistory(id domain.RoomID) string { return "room:" + id.String() + ":history" }

// cachedHistory returns ok=false on a miss, a cache error or a gap in the ply sequence.
func (m *Manager) cachedHistory(ctx context.Context, id domain.RoomID) ([]domain.MoveRecord, bool) {
	raw, err := m.cache.LRange(ctx, keyHistory(id), 0, -1)
	if err != nil {
		m.log.Warn("board_cache_read_failed", zap.Int64("room_id", int64(id)), zap.Error(err))
		return nil, false
	}
	if len(raw) == 0 {
		return nil, false
	}
	out := make([]domain.MoveRecord, 0, len(raw))
	for i, r := range raw {
		var mv domain.MoveRecord
		if err := json.Unmarshal([]byte(r), &mv); err != nil || mv.Ply != i+1 {
			m.log.Warn("board_cache_inconsistent", zap.Int64("room_id", int64(id)), zap.Int("index", i))
			return nil, false
		}
		out = append(out, mv)
	}
	return out, true
}

// loadHistory is the cache-aside read of a room's moves. The durable read waits
// for queued appends and repopulates the cache.
// A cached list whose tip disagrees with the settled durable board is treated as a miss.
func (m *Manager) loadHistory(ctx context.Context, r *domain.Room) ([]domain.MoveRecord, error) {
	id := r.ID
	if !m.isDirty(id) {
		if h, ok := m.cachedHistory(ctx, id); ok {
			if m.box.Pending(id) > 0 || r.FEN == "" || h[len(h)-1].FEN == r.FEN {
				return h, nil
			}
			m.log.Warn("board_cache_stale", zap.Int64("room_id", int64(id)), zap.Int("cached_plies", len(h)))
		}
	}
	if err := m.flush(ctx, id); err != nil {
		return nil, err
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	h, err := m.repo.ListMoves(sctx, id)
	if err != nil {
		return nil, classify("list moves", err)
	}
	if len(h) > 0 {
		metrics.CacheFallbacks.WithLabelValues("moves").Inc()
	}
	if m.writeHistory(ctx, id, h) {
		m.setDirty(id, false)
	}
	return h, nil
}

func (m *Manager) writeHistory(ctx context.Context, id domain.RoomID, h []domain.MoveRecord) bool {
	values := make([]string, 0, len(h))
	for _, mv := range h {
		b, err := json.Marshal(mv)
		if err != nil {
			return false
		}
		values = append(values, string(b))
	}
	if err := m.cache.ReplaceList(ctx, keyHistory(id), values, m.cfg.BoardTTL); err != nil {
		m.log.Warn("board_cache_repopulate_failed", zap.Int64("room_id", int64(id)), zap.Error(err))
		return false
	}
	fen := rules.StartFEN
	if len(h) > 0 {
		fen = h[len(h)-1].FEN
	}
	if err := m.cache.Set(ctx, keyFEN(id), fen, m.cfg.BoardTTL); err != nil {
		m.log.Warn("board_cache_repopulate_failed", zap.Int64("room_id", int64(id)), zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) isDirty(id domain.RoomID) bool {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	_, ok := m.dirty[id]
	return ok
}

func (m *Manager) setDirty(id domain.RoomID, on bool) {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	if on {
		m.dirty[id] = struct{}{}
	} else {
		delete(m.dirty, id)
	}
}

// appendCachedMove pushes mv onto the cached history. On failure the list is dropped,
// or marked dirty when even that fails, so the next read rebuilds from the durable store.
func (m *Manager) appendCachedMove(ctx context.Context, id domain.RoomID, mv domain.MoveRecord) {
	b, err := json.Marshal(mv)
	if err == nil {
		var n int64
		n, err = m.cache.RPush(ctx, keyHistory(id), string(b))
		if err == nil && n != int64(mv.Ply) {
			err = errors.New("cached history length " + strconv.FormatInt(n, 10) + " does not match ply")
		}
	}
	if err == nil {
		err = m.cache.Expire(ctx, keyHistory(id), m.cfg.BoardTTL)
	}
	if err == nil {
		err = m.cache.Set(ctx, keyFEN(id), mv.FEN, m.cfg.BoardTTL)
	}
	if err != nil {
		m.log.Warn("board_cache_write_failed", zap.Int64("room_id", int64(id)), zap.Int("ply", mv.Ply), zap.Error(err))
		if derr := m.cache.Del(ctx, keyHistory(id), keyFEN(id)); derr != nil {
			m.log.Warn("board_cache_drop_failed", zap.Int64("room_id", int64(id)), zap.Error(derr))
			m.setDirty(id, true)
		}
	}
}

// dropRoomCache removes every cached key of a finished room.
func (m *Manager) dropRoomCache(ctx context.Context, id domain.RoomID) {
	if err := m.presence.Clear(ctx, id); err != nil {
		m.log.Warn("room_cleanup_failed", zap.Int64("room_id", int64(id)), zap.String("key", "members"), zap.Error(err))
	}
	if err := m.cache.Del(ctx, keyHistory(id), keyFEN(id)); err != nil {
		m.log.Warn("room_cleanup_failed", zap.Int64("room_id", int64(id)), zap.String("key", "board"), zap.Error(err))
		m.setDirty(id, true)
	}
	if err := m.chat.Drop(ctx, id); err != nil {
		m.log.Warn("room_cleanup_failed", zap.Int64("room_id", int64(id)), zap.String("key", "messages"), zap.Error(err))
	}
}

// Views.

func RoomView(r *domain.Room) roomdto.Room {
	out := roomdto.Room{
		ID:        int64(r.ID),
		Label:     r.Label,
		Code:      r.Code,
		Status:    string(r.Status()),
		Player1:   int64(r.White),
		Player2:   int64(r.Black),
		Reason:    r.Reason(),
		FEN:       r.FEN,
		CreatedAt: r.CreatedAt,
	}
	if w, l, ok := r.Result(); ok {
		out.Winner, out.Loser = int64(w), int64(l)
	}
	if out.FEN == "" {
		out.FEN = rules.StartFEN
	}
	return out
}

func MoveView(mv domain.MoveRecord) roomdto.Move {
	return roomdto.Move{
		Ply:        mv.Ply,
		Mover:      int64(mv.Mover),
		From:       mv.From,
		To:         mv.To,
		Promotion:  mv.Promotion,
		Captured:   mv.Captured,
		SAN:        mv.SAN,
		UCI:        mv.UCI,
		FEN:        mv.FEN,
		SideToMove: string(mv.SideToMove),
	}
}

func ChatView(msg domain.ChatMessage) roomdto.ChatMessage {
	return roomdto.ChatMessage{
		ID:         msg.ID,
		RoomID:     int64(msg.RoomID),
		Sender:     int64(msg.Sender),
		SenderName: msg.SenderName,
		Body:       msg.Body,
		At:         msg.At,
	}
}
