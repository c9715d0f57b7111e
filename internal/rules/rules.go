// Package rules exposes the chess rules as an opaque capability.
// Legality and terminal detection are delegated entirely to the rules library.
package rules

import (
	"strings"

	"github.com/park285/cheese-rooms/internal/domain"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Board is the replayable game state: the UCI history plus the derived FEN.
type Board struct {
	FEN   string
	Moves []string
}

// NewBoard returns the initial board.
func NewBoard() Board { return Board{FEN: StartFEN} }

// BoardFromHistory rebuilds a board from accepted move records.
func BoardFromHistory(history []domain.MoveRecord) Board {
	b := Board{FEN: StartFEN, Moves: make([]string, 0, len(history))}
	for _, mv := range history {
		b.Moves = append(b.Moves, mv.UCI)
		b.FEN = mv.FEN
	}
	return b
}

// MoveInput is a requested move: either From/To(/Promotion) squares or a raw UCI/SAN Notation.
type MoveInput struct {
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Promotion string `json:"promotion,omitempty"`
	Notation  string `json:"notation,omitempty"`
}

// UCI returns the square-based form, or "" when only Notation was given.
func (in MoveInput) UCI() string {
	from := strings.ToLower(strings.TrimSpace(in.From))
	to := strings.ToLower(strings.TrimSpace(in.To))
	if from == "" || to == "" {
		return ""
	}
	promo := strings.ToLower(strings.TrimSpace(in.Promotion))
	if len(promo) > 1 {
		promo = promo[:1]
	}
	return from + to + promo
}

type TerminalKind int

const (
	NotTerminal TerminalKind = iota
	Checkmate
	Stalemate
	Draw
)

// Terminal describes how a position ended. Winner is set only for Checkmate.
type Terminal struct {
	Kind   TerminalKind
	Winner domain.Side
	Reason string
}

func (t Terminal) Over() bool { return t.Kind != NotTerminal }

// Engine is the rules capability consumed by the move relay.
type Engine interface {
	// ApplyMove returns the next board and the move record. It fails with domain.ErrIllegalMove.
	// Ply, Mover and At of the record are left for the caller.
	ApplyMove(b Board, in MoveInput) (Board, domain.MoveRecord, error)
	SideToMove(b Board) (domain.Side, error)
	TerminalStatus(b Board) (Terminal, error)
}
