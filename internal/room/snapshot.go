package room

import (
	"context"

	"go.uber.org/zap"

	"github.com/park285/cheese-rooms/internal/domain"
	"github.com/park285/cheese-rooms/internal/metrics"
	"github.com/park285/cheese-rooms/internal/rules"
	"github.com/park285/cheese-rooms/pkg/roomdto"
)

// Snapshot is the read-only view a client needs to catch up on a room.
type Snapshot struct {
	Room     *domain.Room
	FEN      string
	History  []domain.MoveRecord
	Messages []domain.ChatMessage
	Members  []domain.Member
}

// GetRoomSnapshot assembles the room row with its board, moves, chat window and members.
// Cache misses fall back to the durable store and repopulate the cache.
func (m *Manager) GetRoomSnapshot(ctx context.Context, id domain.RoomID) (*Snapshot, error) {
	release, err := m.seq.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	r, err := m.loadRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := m.loadHistory(ctx, r)
	if err != nil {
		return nil, err
	}
	msgs, err := m.chat.Recent(ctx, id)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Room:     r,
		FEN:      m.boardFEN(ctx, r, history),
		History:  history,
		Messages: msgs,
		Members:  m.members(ctx, r),
	}, nil
}

func (m *Manager) boardFEN(ctx context.Context, r *domain.Room, history []domain.MoveRecord) string {
	fen, ok, err := m.cache.Get(ctx, keyFEN(r.ID))
	if err == nil && ok && fen != "" {
		return fen
	}
	fen = rules.BoardFromHistory(history).FEN
	if len(history) == 0 && r.FEN != "" {
		fen = r.FEN
	}
	if err := m.cache.Set(ctx, keyFEN(r.ID), fen, m.cfg.BoardTTL); err != nil {
		m.log.Warn("board_cache_repopulate_failed", zap.Int64("room_id", int64(r.ID)), zap.Error(err))
	}
	return fen
}

// members reads presence, falling back to the seats and live sessions when the cache is down.
func (m *Manager) members(ctx context.Context, r *domain.Room) []domain.Member {
	list, err := m.presence.List(ctx, r.ID)
	if err == nil {
		return list
	}
	metrics.CacheFallbacks.WithLabelValues("members").Inc()
	m.log.Warn("presence_list_failed", zap.Int64("room_id", int64(r.ID)), zap.Error(err))

	seen := make(map[domain.UserID]bool)
	var out []domain.Member
	for _, u := range []domain.UserID{r.White, r.Black} {
		if u != 0 && !seen[u] {
			seen[u] = true
			out = append(out, domain.Member{User: u, Role: domain.RolePlayer})
		}
	}
	for _, s := range m.hub.Sessions(r.ID) {
		if !seen[s.User] {
			seen[s.User] = true
			out = append(out, domain.Member{User: s.User, Role: domain.RoleSpectator})
		}
	}
	return out
}

// SnapshotView converts a snapshot to its wire form.
func SnapshotView(s *Snapshot) roomdto.Snapshot {
	out := roomdto.Snapshot{
		Room:     RoomView(s.Room),
		FEN:      s.FEN,
		Moves:    make([]roomdto.Move, 0, len(s.History)),
		Messages: make([]roomdto.ChatMessage, 0, len(s.Messages)),
		Members:  make([]roomdto.Member, 0, len(s.Members)),
	}
	for _, mv := range s.History {
		out.Moves = append(out.Moves, MoveView(mv))
	}
	for _, msg := range s.Messages {
		out.Messages = append(out.Messages, ChatView(msg))
	}
	for _, mem := range s.Members {
		out.Members = append(out.Members, roomdto.Member{UserID: int64(mem.User), Role: string(mem.Role)})
	}
	return out
}
