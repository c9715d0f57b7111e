package store

import (
	"context"
	"errors"

	"github.com/park285/cheese-rooms/internal/domain"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrDuplicateCode = errors.New("room code already active")
)

// Repository is the durable tier and the source of truth.
type Repository interface {
	// CreateRoom inserts r and returns it with ID set. ErrDuplicateCode when the code is held by a live room.
	CreateRoom(ctx context.Context, r *domain.Room) (*domain.Room, error)
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	// FindActiveByCode returns nil, nil when no non-terminal room uses code.
	FindActiveByCode(ctx context.Context, code string) (*domain.Room, error)
	// FindActiveBySeat returns nil, nil when user holds no slot in a non-terminal room.
	FindActiveBySeat(ctx context.Context, user domain.UserID) (*domain.Room, error)
	// UpdateRoom runs fn against the locked row and commits the result atomically.
	// A finished game is archived in the same transaction.
	UpdateRoom(ctx context.Context, id domain.RoomID, fn func(r *domain.Room) error) (*domain.Room, error)

	// AppendMove is idempotent on (room, ply) and also advances the room's board state.
	AppendMove(ctx context.Context, id domain.RoomID, mv domain.MoveRecord) error
	ListMoves(ctx context.Context, id domain.RoomID) ([]domain.MoveRecord, error)

	// AppendMessage is idempotent on message ID.
	AppendMessage(ctx context.Context, msg domain.ChatMessage) error
	// ListMessages returns the newest limit messages, oldest first.
	ListMessages(ctx context.Context, id domain.RoomID, limit int) ([]domain.ChatMessage, error)

	PlayerRecord(ctx context.Context, user domain.UserID) (*domain.PlayerRecord, error)

	Close() error
}
