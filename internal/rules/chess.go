package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-rooms/internal/domain"
)

// ChessEngine implements Engine on corentings/chess.
type ChessEngine struct{}

func NewChessEngine() *ChessEngine { return &ChessEngine{} }

// replay always starts from the initial position and applies the stored UCI moves.
func replay(moves []string) (*nchess.Game, error) {
	game := nchess.NewGame()
	for i, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay ply %d (%s): %w", i+1, mv, err)
		}
	}
	return game, nil
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func sideOf(c nchess.Color) domain.Side {
	if c == nchess.White {
		return domain.White
	}
	return domain.Black
}

func (e *ChessEngine) ApplyMove(b Board, in MoveInput) (Board, domain.MoveRecord, error) {
	game, err := replay(b.Moves)
	if err != nil {
		return b, domain.MoveRecord{}, err
	}
	if game.Outcome() != nchess.NoOutcome {
		return b, domain.MoveRecord{}, domain.Wrap(domain.ErrIllegalMove, "game is already over", nil)
	}
	pre := game.Position()

	raw := in.UCI()
	if raw == "" {
		raw = strings.TrimSpace(in.Notation)
	}
	if raw == "" {
		return b, domain.MoveRecord{}, domain.Wrap(domain.ErrIllegalMove, "empty move", nil)
	}

	// UCI first, SAN as fallback.
	if err := game.PushNotationMove(strings.ToLower(raw), nchess.UCINotation{}, nil); err != nil {
		if in.UCI() != "" {
			return b, domain.MoveRecord{}, domain.Wrap(domain.ErrIllegalMove, "", err)
		}
		if err := game.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); err != nil {
			return b, domain.MoveRecord{}, domain.Wrap(domain.ErrIllegalMove, "", err)
		}
	}
	mv := lastMove(game)
	if mv == nil {
		return b, domain.MoveRecord{}, domain.Wrap(domain.ErrIllegalMove, "", nil)
	}

	rec := domain.MoveRecord{
		From:       mv.S1().String(),
		To:         mv.S2().String(),
		Promotion:  mv.Promo().String(),
		Captured:   capturedOf(pre, mv),
		SAN:        nchess.AlgebraicNotation{}.Encode(pre, mv),
		UCI:        nchess.UCINotation{}.Encode(pre, mv),
		FEN:        game.FEN(),
		SideToMove: sideOf(game.Position().Turn()),
	}
	next := Board{FEN: rec.FEN, Moves: append(append(make([]string, 0, len(b.Moves)+1), b.Moves...), rec.UCI)}
	return next, rec, nil
}

func capturedOf(pre *nchess.Position, mv *nchess.Move) string {
	if mv.HasTag(nchess.EnPassant) {
		return nchess.Pawn.String()
	}
	p := pre.Board().Piece(mv.S2())
	if p == nchess.NoPiece {
		return ""
	}
	return p.Type().String()
}

func (e *ChessEngine) SideToMove(b Board) (domain.Side, error) {
	game, err := replay(b.Moves)
	if err != nil {
		return "", err
	}
	return sideOf(game.Position().Turn()), nil
}

func (e *ChessEngine) TerminalStatus(b Board) (Terminal, error) {
	game, err := replay(b.Moves)
	if err != nil {
		return Terminal{}, err
	}
	switch game.Outcome() {
	case nchess.WhiteWon:
		return Terminal{Kind: Checkmate, Winner: domain.White, Reason: "checkmate"}, nil
	case nchess.BlackWon:
		return Terminal{Kind: Checkmate, Winner: domain.Black, Reason: "checkmate"}, nil
	case nchess.Draw:
		reason := drawReason(game.Method())
		if reason == "stalemate" {
			return Terminal{Kind: Stalemate, Reason: reason}, nil
		}
		return Terminal{Kind: Draw, Reason: reason}, nil
	}
	// Claimable draws end the game automatically here.
	for _, m := range game.EligibleDraws() {
		switch m {
		case nchess.ThreefoldRepetition, nchess.FiftyMoveRule:
			return Terminal{Kind: Draw, Reason: drawReason(m)}, nil
		}
	}
	return Terminal{Kind: NotTerminal}, nil
}

func drawReason(m nchess.Method) string {
	switch m {
	case nchess.Stalemate:
		return "stalemate"
	case nchess.ThreefoldRepetition:
		return "threefold_repetition"
	case nchess.FivefoldRepetition:
		return "fivefold_repetition"
	case nchess.FiftyMoveRule:
		return "fifty_move_rule"
	case nchess.SeventyFiveMoveRule:
		return "seventy_five_move_rule"
	case nchess.InsufficientMaterial:
		return "insufficient_material"
	default:
		return "draw"
	}
}
