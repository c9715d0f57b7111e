package roomdto

import (
	"encoding/json"
	"time"
)

// Inbound is the raw client envelope; Data is decoded per command.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type CreateRoomRequest struct {
	Label string `json:"label"`
	Code  string `json:"code,omitempty"`
}

type JoinRoomRequest struct {
	Code string `json:"code"`
}

type RoomRef struct {
	RoomID int64 `json:"roomId"`
}

type MoveRequest struct {
	RoomID    int64  `json:"roomId"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Promotion string `json:"promotion,omitempty"`
	Notation  string `json:"notation,omitempty"`
}

type SendMessageRequest struct {
	RoomID int64  `json:"roomId"`
	Body   string `json:"message"`
}

type RemoveSpectatorRequest struct {
	RoomID int64 `json:"roomId"`
	UserID int64 `json:"userId"`
}

// Room is the public view of a room row.
type Room struct {
	ID        int64     `json:"id"`
	Label     string    `json:"label"`
	Code      string    `json:"code"`
	Status    string    `json:"status"`
	Player1   int64     `json:"player1,omitempty"`
	Player2   int64     `json:"player2,omitempty"`
	Winner    int64     `json:"winner,omitempty"`
	Loser     int64     `json:"loser,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	FEN       string    `json:"fen"`
	CreatedAt time.Time `json:"createdAt"`
}

type Move struct {
	Ply        int    `json:"ply"`
	Mover      int64  `json:"mover"`
	From       string `json:"from"`
	To         string `json:"to"`
	Promotion  string `json:"promotion,omitempty"`
	Captured   string `json:"captured,omitempty"`
	SAN        string `json:"san"`
	UCI        string `json:"uci"`
	FEN        string `json:"fen"`
	SideToMove string `json:"sideToMove"`
}

type ChatMessage struct {
	ID         string    `json:"id"`
	RoomID     int64     `json:"roomId"`
	Sender     int64     `json:"sender"`
	SenderName string    `json:"senderName"`
	Body       string    `json:"message"`
	At         time.Time `json:"timestamp"`
}

type Member struct {
	UserID int64  `json:"userId"`
	Role   string `json:"role"`
}

type JoinedRoom struct {
	Room Room   `json:"room"`
	Role string `json:"role"`
}

type UserJoined struct {
	UserID int64  `json:"userId"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role"`
}

type GameStart struct {
	Room Room `json:"room"`
}

type ReceiveMove struct {
	RoomID     int64  `json:"roomId"`
	Move       Move   `json:"move"`
	BoardState string `json:"boardState"`
	Status     string `json:"status"`
	// Provisional marks a terminal Status that is not committed yet; game-over confirms it.
	Provisional bool `json:"provisional,omitempty"`
}

type GameOver struct {
	RoomID   int64  `json:"roomId"`
	Status   string `json:"status"`
	Winner   string `json:"winner,omitempty"` // "white", "black" or empty on a draw
	WinnerID int64  `json:"winnerId,omitempty"`
	LoserID  int64  `json:"loserId,omitempty"`
	Reason   string `json:"reason"`
	Message  string `json:"message,omitempty"`
}

type LeftRoom struct {
	RoomID int64  `json:"roomId"`
	Status string `json:"status"`
}

type UserLeft struct {
	RoomID    int64  `json:"roomId"`
	UserID    int64  `json:"userId"`
	WasPlayer bool   `json:"wasPlayer"`
	WasSlot1  bool   `json:"wasSlot1"`
	Status    string `json:"status"`
}

type RoomFull struct {
	RoomID   int64 `json:"roomId"`
	Capacity int   `json:"capacity"`
}

type Error struct {
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable,omitempty"`
	Request   string `json:"request,omitempty"`
}

type RoomAccess struct {
	RoomID       int64  `json:"roomId"`
	AccessStatus string `json:"accessStatus"`
}

type SpectatorRemoved struct {
	RoomID int64 `json:"roomId"`
	UserID int64 `json:"userId"`
}

type RoomCreated struct {
	Room Room `json:"room"`
}

type Snapshot struct {
	Room     Room          `json:"room"`
	FEN      string        `json:"fen"`
	Moves    []Move        `json:"moves"`
	Messages []ChatMessage `json:"messages"`
	Members  []Member      `json:"members"`
}

type PlayerRecord struct {
	UserID int64 `json:"userId"`
	Played int   `json:"played"`
	Won    int   `json:"won"`
	Lost   int   `json:"lost"`
	Drawn  int   `json:"drawn"`
}
