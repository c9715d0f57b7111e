package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/park285/cheese-rooms/internal/domain"
)

// memrepo is an in-memory Repository used when no database is configured and in tests.
type memrepo struct {
	mu sync.RWMutex

	nextID   domain.RoomID
	rooms    map[domain.RoomID]*domain.Room
	moves    map[domain.RoomID][]domain.MoveRecord
	messages map[domain.RoomID][]domain.ChatMessage
	msgIDs   map[string]struct{}
	results  map[domain.RoomID]domain.GameResult
}

func NewMemoryRepository() Repository {
	return &memrepo{
		rooms:    make(map[domain.RoomID]*domain.Room),
		moves:    make(map[domain.RoomID][]domain.MoveRecord),
		messages: make(map[domain.RoomID][]domain.ChatMessage),
		msgIDs:   make(map[string]struct{}),
		results:  make(map[domain.RoomID]domain.GameResult),
	}
}

func (m *memrepo) CreateRoom(ctx context.Context, r *domain.Room) (*domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeByCodeLocked(r.Code) != nil {
		return nil, ErrDuplicateCode
	}
	m.nextID++
	cp := r.Clone()
	cp.ID = m.nextID
	if cp.State == nil {
		cp.State = domain.Waiting{}
	}
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	cp.History = nil
	m.rooms[cp.ID] = cp
	return cp.Clone(), nil
}

func (m *memrepo) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r.Clone(), nil
}

func (m *memrepo) FindActiveByCode(ctx context.Context, code string) (*domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeByCodeLocked(code).Clone(), nil
}

func (m *memrepo) activeByCodeLocked(code string) *domain.Room {
	for _, r := range m.rooms {
		if !r.Terminal() && strings.EqualFold(r.Code, code) {
			return r
		}
	}
	return nil
}

func (m *memrepo) FindActiveBySeat(ctx context.Context, user domain.UserID) (*domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *domain.Room
	for _, r := range m.rooms {
		if r.Terminal() || r.Seat(user) == 0 {
			continue
		}
		if best == nil || r.ID > best.ID {
			best = r
		}
	}
	return best.Clone(), nil
}

func (m *memrepo) UpdateRoom(ctx context.Context, id domain.RoomID, fn func(r *domain.Room) error) (*domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	if err := domain.ValidateTransition(cur, next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()
	if res, done := domain.ResultOf(cur, next); done {
		sans := make([]string, 0, len(m.moves[id]))
		for _, mv := range m.moves[id] {
			sans = append(sans, mv.SAN)
		}
		res.PGN = buildPGN(next.Label, res, sans, next.UpdatedAt)
		if _, exists := m.results[id]; !exists {
			m.results[id] = res
		}
	}
	next.History = nil
	m.rooms[id] = next
	return next.Clone(), nil
}

func (m *memrepo) AppendMove(ctx context.Context, id domain.RoomID, mv domain.MoveRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	for _, existing := range m.moves[id] {
		if existing.Ply == mv.Ply {
			return nil
		}
	}
	m.moves[id] = append(m.moves[id], mv)
	sort.Slice(m.moves[id], func(i, j int) bool { return m.moves[id][i].Ply < m.moves[id][j].Ply })
	r.FEN = m.moves[id][len(m.moves[id])-1].FEN
	r.UpdatedAt = time.Now()
	return nil
}

func (m *memrepo) ListMoves(ctx context.Context, id domain.RoomID) ([]domain.MoveRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.MoveRecord{}, m.moves[id]...), nil
}

func (m *memrepo) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.msgIDs[msg.ID]; dup {
		return nil
	}
	m.msgIDs[msg.ID] = struct{}{}
	list := append(m.messages[msg.RoomID], msg)
	sort.SliceStable(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	m.messages[msg.RoomID] = list
	return nil
}

func (m *memrepo) ListMessages(ctx context.Context, id domain.RoomID, limit int) ([]domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.messages[id]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return append([]domain.ChatMessage{}, list...), nil
}

func (m *memrepo) PlayerRecord(ctx context.Context, user domain.UserID) (*domain.PlayerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec := &domain.PlayerRecord{User: user}
	for _, res := range m.results {
		if res.White != user && res.Black != user {
			continue
		}
		rec.Played++
		switch {
		case res.Outcome == domain.StatusDraw:
			rec.Drawn++
		case res.Winner == user:
			rec.Won++
		case res.Loser == user:
			rec.Lost++
		}
	}
	return rec, nil
}

func (m *memrepo) Close() error { return nil }
