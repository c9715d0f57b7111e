package domain

import "fmt"

// ValidateTransition rejects room mutations that would produce an impossible state.
func ValidateTransition(before, after *Room) error {
	if after.White != 0 && after.White == after.Black {
		return Wrap(ErrConflict, "identity cannot hold both player slots", nil)
	}
	from, to := before.Status(), after.Status()
	if from.Terminal() && from != to {
		if !(from == StatusCompleted && to == StatusClosed) {
			return Wrap(ErrConflict, fmt.Sprintf("room is %s", from), nil)
		}
	}
	if c, ok := after.State.(Completed); ok && from != StatusCompleted {
		if c.Winner == 0 || c.Loser == 0 || c.Winner == c.Loser {
			return Wrap(ErrConflict, "completed room needs distinct winner and loser", nil)
		}
		if before.Seat(c.Winner) == 0 || before.Seat(c.Loser) == 0 {
			return Wrap(ErrConflict, "winner and loser must come from the player slots", nil)
		}
	}
	if (to == StatusAborted || to == StatusClosed) && (after.White != 0 || after.Black != 0) {
		return Wrap(ErrConflict, "closed room keeps no player slots", nil)
	}
	return nil
}

// GameResult is the archived outcome of a finished game.
type GameResult struct {
	RoomID  RoomID
	White   UserID
	Black   UserID
	Winner  UserID
	Loser   UserID
	Outcome Status // completed or draw
	Reason  string
	PGN     string
}

// ResultOf returns the archived result when the mutation finished a game.
func ResultOf(before, after *Room) (GameResult, bool) {
	if before.Terminal() {
		return GameResult{}, false
	}
	res := GameResult{RoomID: after.ID, White: before.White, Black: before.Black, Outcome: after.Status()}
	switch s := after.State.(type) {
	case Completed:
		res.Winner, res.Loser, res.Reason = s.Winner, s.Loser, s.Reason
	case Drawn:
		res.Reason = s.Reason
	default:
		return GameResult{}, false
	}
	return res, true
}
