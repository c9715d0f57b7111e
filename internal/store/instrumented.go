package store

import (
	"context"
	"time"

	"github.com/park285/cheese-rooms/internal/domain"
	"github.com/park285/cheese-rooms/internal/metrics"
)

type instrumented struct{ next Repository }

// Instrument records per-operation latency for repo.
func Instrument(repo Repository) Repository { return &instrumented{next: repo} }

func observe(op string, start time.Time) {
	metrics.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (i *instrumented) CreateRoom(ctx context.Context, r *domain.Room) (*domain.Room, error) {
	defer observe("create_room", time.Now())
	return i.next.CreateRoom(ctx, r)
}

func (i *instrumented) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	defer observe("get_room", time.Now())
	return i.next.GetRoom(ctx, id)
}

func (i *instrumented) FindActiveByCode(ctx context.Context, code string) (*domain.Room, error) {
	defer observe("find_by_code", time.Now())
	return i.next.FindActiveByCode(ctx, code)
}

func (i *instrumented) FindActiveBySeat(ctx context.Context, user domain.UserID) (*domain.Room, error) {
	defer observe("find_by_seat", time.Now())
	return i.next.FindActiveBySeat(ctx, user)
}

func (i *instrumented) UpdateRoom(ctx context.Context, id domain.RoomID, fn func(r *domain.Room) error) (*domain.Room, error) {
	defer observe("update_room", time.Now())
	return i.next.UpdateRoom(ctx, id, fn)
}

func (i *instrumented) AppendMove(ctx context.Context, id domain.RoomID, mv domain.MoveRecord) error {
	defer observe("append_move", time.Now())
	return i.next.AppendMove(ctx, id, mv)
}

func (i *instrumented) ListMoves(ctx context.Context, id domain.RoomID) ([]domain.MoveRecord, error) {
	defer observe("list_moves", time.Now())
	return i.next.ListMoves(ctx, id)
}

func (i *instrumented) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	defer observe("append_message", time.Now())
	return i.next.AppendMessage(ctx, msg)
}

func (i *instrumented) ListMessages(ctx context.Context, id domain.RoomID, limit int) ([]domain.ChatMessage, error) {
	defer observe("list_messages", time.Now())
	return i.next.ListMessages(ctx, id, limit)
}

func (i *instrumented) PlayerRecord(ctx context.Context, user domain.UserID) (*domain.PlayerRecord, error) {
	defer observe("player_record", time.Now())
	return i.next.PlayerRecord(ctx, user)
}

func (i *instrumented) Close() error { return i.next.Close() }
