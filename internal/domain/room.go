package domain

import (
	"strconv"
	"time"
)

type UserID int64

type RoomID int64

func (u UserID) String() string { return strconv.FormatInt(int64(u), 10) }

func (r RoomID) String() string { return strconv.FormatInt(int64(r), 10) }

// Status is the wire name of a room state.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusPlaying    Status = "playing"
	StatusCompleted  Status = "completed"
	StatusDraw       Status = "draw"
	StatusAborted    Status = "aborted"
	StatusClosed     Status = "closed"
)

// Terminal reports whether no further game-state mutation is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDraw, StatusAborted, StatusClosed:
		return true
	default:
		return false
	}
}

// State is the tagged room state. Only Completed carries a result.
type State interface {
	Status() Status
	isState()
}

type Waiting struct{}

type InProgress struct{}

type Playing struct{}

type Completed struct {
	Winner UserID
	Loser  UserID
	Reason string
}

type Drawn struct {
	Reason string
}

type Aborted struct{}

type Closed struct{}

func (Waiting) Status() Status    { return StatusWaiting }
func (InProgress) Status() Status { return StatusInProgress }
func (Playing) Status() Status    { return StatusPlaying }
func (Completed) Status() Status  { return StatusCompleted }
func (Drawn) Status() Status      { return StatusDraw }
func (Aborted) Status() Status    { return StatusAborted }
func (Closed) Status() Status     { return StatusClosed }

func (Waiting) isState()    {}
func (InProgress) isState() {}
func (Playing) isState()    {}
func (Completed) isState()  {}
func (Drawn) isState()      {}
func (Aborted) isState()    {}
func (Closed) isState()     {}

// StateFrom rebuilds a State from its persisted columns.
func StateFrom(status Status, winner, loser UserID, reason string) State {
	switch status {
	case StatusInProgress:
		return InProgress{}
	case StatusPlaying:
		return Playing{}
	case StatusCompleted:
		return Completed{Winner: winner, Loser: loser, Reason: reason}
	case StatusDraw:
		return Drawn{Reason: reason}
	case StatusAborted:
		return Aborted{}
	case StatusClosed:
		return Closed{}
	default:
		return Waiting{}
	}
}

// Room is one two-player contest. White is slot 1, Black is slot 2; zero means empty.
type Room struct {
	ID        RoomID
	Label     string
	Code      string
	State     State
	White     UserID
	Black     UserID
	FEN       string
	History   []MoveRecord
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Room) Status() Status {
	if r == nil || r.State == nil {
		return StatusWaiting
	}
	return r.State.Status()
}

func (r *Room) Terminal() bool { return r.Status().Terminal() }

// Seat returns 1 or 2 for a seated user, 0 otherwise.
func (r *Room) Seat(u UserID) int {
	if u == 0 {
		return 0
	}
	switch u {
	case r.White:
		return 1
	case r.Black:
		return 2
	}
	return 0
}

// Opponent returns the other seated user, or zero.
func (r *Room) Opponent(u UserID) UserID {
	switch r.Seat(u) {
	case 1:
		return r.Black
	case 2:
		return r.White
	}
	return 0
}

// Result returns winner and loser when the room completed.
func (r *Room) Result() (winner, loser UserID, ok bool) {
	if c, isDone := r.State.(Completed); isDone {
		return c.Winner, c.Loser, true
	}
	return 0, 0, false
}

// Reason returns the termination reason for completed and drawn rooms.
func (r *Room) Reason() string {
	switch s := r.State.(type) {
	case Completed:
		return s.Reason
	case Drawn:
		return s.Reason
	}
	return ""
}

// Clone returns a deep copy.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	cp := *r
	if r.History != nil {
		cp.History = append([]MoveRecord(nil), r.History...)
	}
	return &cp
}

// ClearSeats empties both player slots.
func (r *Room) ClearSeats() {
	r.White = 0
	r.Black = 0
}

// Role of a room member.
type Role string

const (
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

type Member struct {
	User UserID `json:"userId"`
	Role Role   `json:"role"`
}

// Side is the colour to move.
type Side string

const (
	White Side = "white"
	Black Side = "black"
)

func (s Side) Other() Side {
	if s == White {
		return Black
	}
	return White
}

// MoveRecord is one accepted move. Records are append-only and ordered by Ply.
type MoveRecord struct {
	Ply        int       `json:"ply"`
	Mover      UserID    `json:"mover"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Promotion  string    `json:"promotion,omitempty"`
	Captured   string    `json:"captured,omitempty"`
	SAN        string    `json:"san"`
	UCI        string    `json:"uci"`
	FEN        string    `json:"fen"`
	SideToMove Side      `json:"sideToMove"`
	At         time.Time `json:"at"`
}

// ChatMessage is one chat line. ID is a ULID so lexical order is time order.
type ChatMessage struct {
	ID         string    `json:"id"`
	RoomID     RoomID    `json:"roomId"`
	Sender     UserID    `json:"sender"`
	SenderName string    `json:"senderName"`
	Body       string    `json:"body"`
	At         time.Time `json:"at"`
}

// PlayerRecord aggregates finished games for one identity.
type PlayerRecord struct {
	User   UserID `json:"userId"`
	Played int    `json:"played"`
	Won    int    `json:"won"`
	Lost   int    `json:"lost"`
	Drawn  int    `json:"drawn"`
}
