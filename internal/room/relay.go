package room

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/park285/cheese-rooms/internal/domain"
	"github.com/park285/cheese-rooms/internal/metrics"
	"github.com/park285/cheese-rooms/internal/outbox"
	"github.com/park285/cheese-rooms/internal/rules"
	"github.com/park285/cheese-rooms/pkg/roomdto"
)

// MoveResult is an accepted move and the status the room settled in.
type MoveResult struct {
	Record domain.MoveRecord
	Board  rules.Board
	Room   *domain.Room
}

func seatOf(side domain.Side) int {
	if side == domain.White {
		return 1
	}
	return 2
}

// SubmitMove validates and relays one move. The move is broadcast before it is durable;
// a finished game is announced only after its result commits.
func (m *Manager) SubmitMove(ctx context.Context, user domain.UserID, id domain.RoomID, in rules.MoveInput) (*MoveResult, error) {
	release, err := m.seq.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := m.submitLocked(ctx, user, id, in)
	switch {
	case err == nil:
		metrics.Moves.WithLabelValues("accepted").Inc()
	case errors.Is(err, domain.ErrIllegalTurn):
		metrics.Moves.WithLabelValues("illegal_turn").Inc()
	case errors.Is(err, domain.ErrIllegalMove):
		metrics.Moves.WithLabelValues("illegal_move").Inc()
	default:
		metrics.Moves.WithLabelValues("error").Inc()
	}
	return res, err
}

func (m *Manager) submitLocked(ctx context.Context, user domain.UserID, id domain.RoomID, in rules.MoveInput) (*MoveResult, error) {
	r, err := m.loadRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Terminal() {
		return nil, domain.Wrap(domain.ErrNotFound, "game has ended", nil)
	}
	if r.White == 0 || r.Black == 0 {
		return nil, domain.Wrap(domain.ErrIllegalTurn, "waiting for an opponent", nil)
	}

	history, err := m.loadHistory(ctx, r)
	if err != nil {
		return nil, err
	}
	board := rules.BoardFromHistory(history)
	side, err := m.engine.SideToMove(board)
	if err != nil {
		return nil, domain.Wrap(domain.ErrTransientStore, "board state unreadable", err)
	}
	if r.Seat(user) != seatOf(side) {
		return nil, domain.Wrap(domain.ErrIllegalTurn, "", nil)
	}

	next, rec, err := m.engine.ApplyMove(board, in)
	if err != nil {
		return nil, err
	}
	rec.Ply = len(history) + 1
	rec.Mover = user
	rec.At = m.now()

	term, err := m.engine.TerminalStatus(next)
	if err != nil {
		m.log.Error("terminal_check_failed", append(roomFields(id, user), zap.Error(err))...)
		term = rules.Terminal{}
	}

	relay := roomdto.ReceiveMove{
		RoomID:     int64(id),
		Move:       MoveView(rec),
		BoardState: next.FEN,
		Status:     string(domain.StatusPlaying),
	}
	if term.Over() {
		relay.Status, relay.Provisional = string(terminalStatus(term)), true
	}
	m.hub.Publish(id, event(roomdto.EventReceiveMove, relay))

	m.appendCachedMove(ctx, id, rec)
	if err := m.persistMove(ctx, r, rec); err != nil {
		return nil, err
	}
	m.log.Info("move_relay", append(roomFields(id, user),
		zap.Int("ply", rec.Ply),
		zap.String("uci", rec.UCI),
		zap.Bool("terminal", term.Over()),
	)...)

	out := &MoveResult{Record: rec, Board: next, Room: r}
	if !term.Over() {
		return out, nil
	}

	final, err := m.finish(ctx, r, user, term)
	if err != nil {
		m.log.Error("game_over_commit_failed", append(roomFields(id, user), zap.Error(err))...)
		return nil, err
	}
	out.Room = final
	return out, nil
}

// persistMove queues the durable append and, on the first move, the switch to playing.
// When the queue refuses, the writes run inline.
func (m *Manager) persistMove(ctx context.Context, r *domain.Room, rec domain.MoveRecord) error {
	id := r.ID
	tasks := []outbox.Task{{
		Kind: "move",
		Room: id,
		Run: func(ctx context.Context) error {
			return m.repo.AppendMove(ctx, id, rec)
		},
	}}
	if s := r.Status(); s == domain.StatusWaiting || s == domain.StatusInProgress {
		tasks = append(tasks, outbox.Task{
			Kind: "status",
			Room: id,
			Run: func(ctx context.Context) error {
				_, err := m.repo.UpdateRoom(ctx, id, func(r *domain.Room) error {
					if s := r.Status(); s == domain.StatusWaiting || s == domain.StatusInProgress {
						r.State = domain.Playing{}
					}
					return nil
				})
				return err
			},
		})
	}
	for _, t := range tasks {
		err := m.box.Enqueue(ctx, t)
		if err == nil {
			continue
		}
		m.log.Warn("outbox_enqueue_failed", append(roomFields(id, rec.Mover), zap.String("kind", t.Kind), zap.Error(err))...)
		sctx, cancel := m.storeCtx(context.WithoutCancel(ctx))
		err = t.Run(sctx)
		cancel()
		if err != nil {
			return domain.Wrap(domain.ErrTransientStore, "move could not be saved", err)
		}
	}
	return nil
}

// finish commits the terminal status once the room's queued writes are durable, then announces it.
func (m *Manager) finish(ctx context.Context, before *domain.Room, mover domain.UserID, term rules.Terminal) (*domain.Room, error) {
	id := before.ID
	if err := m.flush(ctx, id); err != nil {
		return nil, err
	}
	after, err := m.update(ctx, id, func(r *domain.Room) error {
		if r.Terminal() {
			return domain.Wrap(domain.ErrConflict, "room already finished", nil)
		}
		if term.Kind == rules.Checkmate {
			r.State = domain.Completed{Winner: mover, Loser: r.Opponent(mover), Reason: term.Reason}
		} else {
			r.State = domain.Drawn{Reason: term.Reason}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.hub.Publish(id, event(roomdto.EventGameOver, m.gameOver(before, after)))
	m.log.Info("game_over", append(roomFields(id, mover),
		zap.String("status", string(after.Status())),
		zap.String("reason", after.Reason()),
	)...)
	return after, nil
}

func terminalStatus(term rules.Terminal) domain.Status {
	if term.Kind == rules.Checkmate {
		return domain.StatusCompleted
	}
	return domain.StatusDraw
}

// gameOver builds the payload; before supplies the seats when after has cleared them.
func (m *Manager) gameOver(before, after *domain.Room) roomdto.GameOver {
	out := roomdto.GameOver{
		RoomID: int64(after.ID),
		Status: string(after.Status()),
		Reason: after.Reason(),
	}
	if w, l, ok := after.Result(); ok {
		out.WinnerID, out.LoserID = int64(w), int64(l)
		switch before.Seat(w) {
		case 1:
			out.Winner = string(domain.White)
		case 2:
			out.Winner = string(domain.Black)
		}
		if m.msgs != nil {
			out.Message = m.msgs.GameOverReason(out.Reason, l)
		}
	} else if m.msgs != nil {
		out.Message = m.msgs.GameOverReason(out.Reason, 0)
	}
	return out
}
