package room

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-rooms/internal/cache"
	"github.com/park285/cheese-rooms/internal/chat"
	"github.com/park285/cheese-rooms/internal/domain"
	"github.com/park285/cheese-rooms/internal/hub"
	"github.com/park285/cheese-rooms/internal/msgcat"
	"github.com/park285/cheese-rooms/internal/outbox"
	"github.com/park285/cheese-rooms/internal/presence"
	"github.com/park285/cheese-rooms/internal/rules"
	"github.com/park285/cheese-rooms/internal/store"
	"github.com/park285/cheese-rooms/pkg/roomdto"
)

type env struct {
	m    *Manager
	hub  *hub.Hub
	repo store.Repository
	box  *outbox.Queue
	mr   *miniredis.Miniredis
	c    cache.Cache
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := cache.NewRedis(rdb)
	repo := store.NewMemoryRepository()
	box := outbox.New(outbox.Options{Buffer: 256, MaxAttempts: 2, BaseBackoff: time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = box.Close(ctx)
	})
	msgs, err := msgcat.New("")
	require.NoError(t, err)
	h := hub.New(nil)

	m := NewManager(Deps{
		Repo:      repo,
		Cache:     c,
		Presence:  presence.NewStore(c, 2*time.Hour, nil),
		Chat:      chat.NewStore(c, repo, box, chat.Options{}),
		Hub:       h,
		Outbox:    box,
		Engine:    rules.NewChessEngine(),
		Sequencer: NewSequencer(c, time.Second, 500*time.Millisecond, nil),
		Messages:  msgs,
	}, Config{Capacity: 15, StoreTimeout: 2 * time.Second})
	return &env{m: m, hub: h, repo: repo, box: box, mr: mr, c: c}
}

func (e *env) session(user domain.UserID) *hub.Session {
	return hub.NewSession(user, "user-"+user.String(), 64, nil)
}

func (e *env) settle(t *testing.T, id domain.RoomID) *domain.Room {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.box.WaitIdle(ctx, id))
	r, err := e.repo.GetRoom(ctx, id)
	require.NoError(t, err)
	return r
}

func drain(s *hub.Session) []hub.Event {
	var out []hub.Event
	for {
		select {
		case ev, ok := <-s.Outbound():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func names(evs []hub.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Name)
	}
	return out
}

func find(evs []hub.Event, name string) (hub.Event, bool) {
	for _, ev := range evs {
		if ev.Name == name {
			return ev, true
		}
	}
	return hub.Event{}, false
}

// pairedRoom creates and pairs a room, returning the room with both sessions drained.
func (e *env) pairedRoom(t *testing.T) (*domain.Room, *hub.Session, *hub.Session) {
	t.Helper()
	ctx := context.Background()
	r, err := e.m.CreateRoom(ctx, 1, "Friendly", "AB12CD")
	require.NoError(t, err)
	s1, s2 := e.session(1), e.session(2)
	_, err = e.m.JoinRoom(ctx, s1, "AB12CD")
	require.NoError(t, err)
	_, err = e.m.JoinRoom(ctx, s2, "AB12CD")
	require.NoError(t, err)
	drain(s1)
	drain(s2)
	return r, s1, s2
}

func (e *env) move(t *testing.T, user domain.UserID, id domain.RoomID, uci string) *MoveResult {
	t.Helper()
	res, err := e.m.SubmitMove(context.Background(), user, id, rules.MoveInput{Notation: uci})
	require.NoError(t, err, "move %s", uci)
	return res
}

func TestManager_CreateAndPair(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	r, err := e.m.CreateRoom(ctx, 1, "Friendly", "AB12CD")
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaiting, r.Status())
	require.Equal(t, domain.UserID(1), r.White)

	s1, s2 := e.session(1), e.session(2)
	j1, err := e.m.JoinRoom(ctx, s1, "AB12CD")
	require.NoError(t, err)
	require.Equal(t, domain.RolePlayer, j1.Role)
	require.False(t, j1.Paired)

	j2, err := e.m.JoinRoom(ctx, s2, "AB12CD")
	require.NoError(t, err)
	require.True(t, j2.Paired)
	require.Equal(t, domain.StatusInProgress, j2.Room.Status())
	require.Equal(t, domain.UserID(2), j2.Room.Black)

	ev1, ev2 := drain(s1), drain(s2)
	_, ok := find(ev1, roomdto.EventGameStart)
	require.True(t, ok, "slot 1 events: %v", names(ev1))
	_, ok = find(ev2, roomdto.EventGameStart)
	require.True(t, ok, "slot 2 events: %v", names(ev2))
	_, ok = find(ev1, roomdto.EventUserJoined)
	require.True(t, ok)
	joined, ok := find(ev2, roomdto.EventJoinedRoom)
	require.True(t, ok)
	require.Equal(t, "player", joined.Data.(roomdto.JoinedRoom).Role)
}

func TestManager_OpeningMoveBroadcast(t *testing.T) {
	e := newEnv(t)
	r, s1, s2 := e.pairedRoom(t)
	spectator := e.session(3)
	_, err := e.m.JoinRoom(context.Background(), spectator, "AB12CD")
	require.NoError(t, err)
	drain(s1)
	drain(s2)
	drain(spectator)

	res := e.move(t, 1, r.ID, "e2e4")
	require.Equal(t, 1, res.Record.Ply)

	var boards []string
	for _, s := range []*hub.Session{s1, s2, spectator} {
		ev, ok := find(drain(s), roomdto.EventReceiveMove)
		require.True(t, ok)
		payload := ev.Data.(roomdto.ReceiveMove)
		require.Equal(t, "playing", payload.Status)
		require.Equal(t, "e2e4", payload.Move.UCI)
		boards = append(boards, payload.BoardState)
	}
	require.Equal(t, boards[0], boards[1])
	require.Equal(t, boards[0], boards[2])
	require.Equal(t, res.Board.FEN, boards[0])

	settled := e.settle(t, r.ID)
	require.Equal(t, domain.StatusPlaying, settled.Status())
	require.Equal(t, res.Board.FEN, settled.FEN)
}

func TestManager_OutOfTurnLeavesBoardUntouched(t *testing.T) {
	e := newEnv(t)
	r, s1, s2 := e.pairedRoom(t)
	e.move(t, 1, r.ID, "e2e4")
	drain(s1)
	drain(s2)

	_, err := e.m.SubmitMove(context.Background(), 1, r.ID, rules.MoveInput{Notation: "d2d4"})
	require.ErrorIs(t, err, domain.ErrIllegalTurn)
	require.Empty(t, drain(s2), "rejected move must not reach other subscribers")
	require.Empty(t, drain(s1), "rejection is returned, not broadcast")

	_, err = e.m.SubmitMove(context.Background(), 2, r.ID, rules.MoveInput{From: "e7", To: "e4"})
	require.ErrorIs(t, err, domain.ErrIllegalMove)

	_, err = e.m.SubmitMove(context.Background(), 99, r.ID, rules.MoveInput{Notation: "e7e5"})
	require.ErrorIs(t, err, domain.ErrIllegalTurn)

	e.settle(t, r.ID)
	moves, err := e.repo.ListMoves(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, moves, 1)

	// black still to move from the same board
	res := e.move(t, 2, r.ID, "e7e5")
	require.Equal(t, 2, res.Record.Ply)
}

func TestManager_ForfeitDuringPlay(t *testing.T) {
	e := newEnv(t)
	r, s1, s2 := e.pairedRoom(t)
	watcher := e.session(3)
	_, err := e.m.JoinRoom(context.Background(), watcher, "AB12CD")
	require.NoError(t, err)
	e.move(t, 1, r.ID, "e2e4")
	drain(s1)
	drain(s2)
	drain(watcher)

	res, err := e.m.LeaveRoom(context.Background(), 2, r.ID)
	require.NoError(t, err)
	require.True(t, res.WasPlayer)
	require.False(t, res.WasSlot1)

	winner, loser, ok := res.Room.Result()
	require.True(t, ok)
	require.Equal(t, domain.UserID(1), winner)
	require.Equal(t, domain.UserID(2), loser)
	require.Zero(t, res.Room.White)
	require.Zero(t, res.Room.Black)

	for _, s := range []*hub.Session{s1, watcher} {
		evs := names(drain(s))
		require.Equal(t, []string{roomdto.EventUserLeft, roomdto.EventGameOver}, evs)
	}
	leaverEvents := drain(s2)
	require.Equal(t, roomdto.EventLeftRoom, leaverEvents[0].Name)
	require.False(t, e.hub.Subscribed(r.ID, s2))

	snap, err := e.m.GetRoomSnapshot(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, snap.Room.Status())
	require.Len(t, snap.History, 1)

	rec, err := e.m.PlayerRecord(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Won)

	// the finished room stays readable for everyone who was in it
	require.True(t, e.m.ValidateAccess(context.Background(), 1, r.ID), "winner")
	require.True(t, e.m.ValidateAccess(context.Background(), 2, r.ID), "loser")
	require.True(t, e.m.ValidateAccess(context.Background(), 3, r.ID), "watcher")
	require.False(t, e.m.ValidateAccess(context.Background(), 9, r.ID))

	// a further leave closes the finished room
	closed, err := e.m.LeaveRoom(context.Background(), 1, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusClosed, closed.Room.Status())
}

func TestManager_ThirdIdentitySpectates(t *testing.T) {
	e := newEnv(t)
	r, s1, _ := e.pairedRoom(t)
	s3 := e.session(3)

	j, err := e.m.JoinRoom(context.Background(), s3, "AB12CD")
	require.NoError(t, err)
	require.Equal(t, domain.RoleSpectator, j.Role)
	require.Equal(t, domain.UserID(1), j.Room.White)
	require.Equal(t, domain.UserID(2), j.Room.Black)

	ev, ok := find(drain(s1), roomdto.EventSpectatorJoined)
	require.True(t, ok)
	require.Equal(t, int64(3), ev.Data.(roomdto.UserJoined).UserID)

	_, err = e.m.SendChat(context.Background(), s3, r.ID, "good luck")
	require.NoError(t, err)

	snap, err := e.m.GetRoomSnapshot(context.Background(), r.ID)
	require.NoError(t, err)
	require.Contains(t, snap.Members, domain.Member{User: 3, Role: domain.RoleSpectator})
	require.Len(t, snap.Messages, 1)
	require.Equal(t, "good luck", snap.Messages[0].Body)
	require.True(t, e.m.ValidateAccess(context.Background(), 3, r.ID))
	require.False(t, e.m.ValidateAccess(context.Background(), 4, r.ID))

	_, err = e.m.SubmitMove(context.Background(), 3, r.ID, rules.MoveInput{Notation: "e2e4"})
	require.ErrorIs(t, err, domain.ErrIllegalTurn)
}

func TestManager_ColdSnapshotRebuildsFromStore(t *testing.T) {
	e := newEnv(t)
	r, s1, s2 := e.pairedRoom(t)
	e.move(t, 1, r.ID, "e2e4")
	e.move(t, 2, r.ID, "e7e5")
	for i := 0; i < 3; i++ {
		_, err := e.m.SendChat(context.Background(), s1, r.ID, "hello")
		require.NoError(t, err)
	}
	_, err := e.m.SendChat(context.Background(), s2, r.ID, "hi")
	require.NoError(t, err)
	e.settle(t, r.ID)

	e.mr.FlushAll()

	snap, err := e.m.GetRoomSnapshot(context.Background(), r.ID)
	require.NoError(t, err)
	durable, err := e.repo.ListMessages(context.Background(), r.ID, 50)
	require.NoError(t, err)
	require.Equal(t, durable, snap.Messages)
	require.Len(t, snap.History, 2)
	require.Equal(t, snap.History[1].FEN, snap.FEN)

	require.True(t, e.mr.Exists("room:"+r.ID.String()+":messages"))
	require.True(t, e.mr.Exists("room:"+r.ID.String()+":history"))
	require.True(t, e.mr.Exists("room:"+r.ID.String()+":fen"))
}

func TestCapacityGuard(t *testing.T) {
	e := newEnv(t)
	r, _, _ := e.pairedRoom(t)
	for u := domain.UserID(3); u <= 15; u++ {
		_, err := e.m.JoinRoom(context.Background(), e.session(u), "AB12CD")
		require.NoError(t, err)
	}
	require.Equal(t, 15, e.hub.Count(r.ID))

	late := e.session(16)
	_, err := e.m.JoinRoom(context.Background(), late, "AB12CD")
	require.ErrorIs(t, err, domain.ErrRoomFull)
	require.False(t, e.hub.Subscribed(r.ID, late))
	require.Equal(t, []string{roomdto.EventRoomFull}, names(drain(late)))
	_, present, err := presence.NewStore(e.c, time.Hour, nil).Lookup(context.Background(), r.ID, 16)
	require.NoError(t, err)
	require.False(t, present)
}

func TestLeaveBeforePlayAborts(t *testing.T) {
	e := newEnv(t)
	r, _, s2 := e.pairedRoom(t)

	res, err := e.m.LeaveRoom(context.Background(), 1, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAborted, res.Room.Status())
	require.True(t, res.WasSlot1)
	_, _, ok := res.Room.Result()
	require.False(t, ok)

	ev, ok := find(drain(s2), roomdto.EventUserLeft)
	require.True(t, ok)
	left := ev.Data.(roomdto.UserLeft)
	require.True(t, left.WasPlayer)
	require.True(t, left.WasSlot1)
	require.Equal(t, "aborted", left.Status)

	// terminal rooms are never reopened; the code is free again
	_, err = e.m.JoinRoom(context.Background(), e.session(5), "AB12CD")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = e.m.SubmitMove(context.Background(), 2, r.ID, rules.MoveInput{Notation: "e2e4"})
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = e.m.CreateRoom(context.Background(), 7, "Rematch", "AB12CD")
	require.NoError(t, err)
}

func TestCheckmateCompletesRoom(t *testing.T) {
	e := newEnv(t)
	r, s1, s2 := e.pairedRoom(t)
	e.move(t, 1, r.ID, "f2f3")
	e.move(t, 2, r.ID, "e7e5")
	e.move(t, 1, r.ID, "g2g4")
	drain(s1)
	drain(s2)
	res := e.move(t, 2, r.ID, "d8h4")

	require.Equal(t, domain.StatusCompleted, res.Room.Status())
	winner, loser, _ := res.Room.Result()
	require.Equal(t, domain.UserID(2), winner)
	require.Equal(t, domain.UserID(1), loser)

	evs := drain(s1)
	require.Equal(t, []string{roomdto.EventReceiveMove, roomdto.EventGameOver}, names(evs))
	relay := evs[0].Data.(roomdto.ReceiveMove)
	require.Equal(t, "completed", relay.Status)
	require.True(t, relay.Provisional)
	over := evs[1].Data.(roomdto.GameOver)
	require.Equal(t, "black", over.Winner)
	require.Equal(t, int64(2), over.WinnerID)
	require.Equal(t, "checkmate", over.Reason)

	_, err := e.m.SubmitMove(context.Background(), 1, r.ID, rules.MoveInput{Notation: "a2a3"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	rec, err := e.m.PlayerRecord(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Lost)
}

func TestCreateRoomValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.m.CreateRoom(ctx, 1, "x", "AB12CD")
	require.ErrorIs(t, err, domain.ErrInvalid)
	_, err = e.m.CreateRoom(ctx, 1, "Friendly", "AB-12C")
	require.ErrorIs(t, err, domain.ErrInvalid)

	_, err = e.m.CreateRoom(ctx, 1, "Friendly", "AB12CD")
	require.NoError(t, err)
	_, err = e.m.CreateRoom(ctx, 2, "Other", "AB12CD")
	require.ErrorIs(t, err, domain.ErrConflict)
	_, err = e.m.CreateRoom(ctx, 1, "Second", "ZZ99ZZ")
	require.ErrorIs(t, err, domain.ErrConflict, "creator already seated")

	g, err := e.m.CreateRoom(ctx, 3, "Generated", "")
	require.NoError(t, err)
	require.Regexp(t, `^[A-Z0-9]{6}$`, g.Code)
}

func TestDisconnectIsImplicitLeave(t *testing.T) {
	e := newEnv(t)
	r, s1, s2 := e.pairedRoom(t)

	// a second device keeps the player in the room
	s1b := e.session(1)
	_, err := e.m.JoinRoom(context.Background(), s1b, "AB12CD")
	require.NoError(t, err)
	e.m.Disconnect(context.Background(), s1)
	require.Equal(t, domain.StatusInProgress, e.settle(t, r.ID).Status())

	e.m.Disconnect(context.Background(), s1b)
	require.Equal(t, domain.StatusAborted, e.settle(t, r.ID).Status())
	_, ok := find(drain(s2), roomdto.EventUserLeft)
	require.True(t, ok)
}

func TestRemoveSpectator(t *testing.T) {
	e := newEnv(t)
	r, s1, _ := e.pairedRoom(t)
	s3 := e.session(3)
	_, err := e.m.JoinRoom(context.Background(), s3, "AB12CD")
	require.NoError(t, err)
	drain(s1)
	drain(s3)

	err = e.m.RemoveSpectator(context.Background(), 3, r.ID, 2)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	err = e.m.RemoveSpectator(context.Background(), 1, r.ID, 2)
	require.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, e.m.RemoveSpectator(context.Background(), 1, r.ID, 3))
	require.Equal(t, []string{roomdto.EventRemovedFromRoom}, names(drain(s3)))
	require.False(t, e.hub.Subscribed(r.ID, s3))
	got := names(drain(s1))
	require.Equal(t, []string{roomdto.EventSpectatorRemoved, roomdto.EventSpectatorKicked}, got)
	require.False(t, e.m.ValidateAccess(context.Background(), 3, r.ID))

	_, err = e.m.SendChat(context.Background(), s3, r.ID, "let me back")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestMoveSurvivesCacheOutage(t *testing.T) {
	e := newEnv(t)
	r, _, s2 := e.pairedRoom(t)
	e.move(t, 1, r.ID, "e2e4")

	e.mr.SetError("ERR cache down")
	_, err := e.m.SubmitMove(context.Background(), 2, r.ID, rules.MoveInput{Notation: "e7e5"})
	e.mr.SetError("")
	require.NoError(t, err)
	_, ok := find(drain(s2), roomdto.EventReceiveMove)
	require.True(t, ok)

	// the cached list missed ply 2; the next move must still see it
	res := e.move(t, 1, r.ID, "g1f3")
	require.Equal(t, 3, res.Record.Ply)
	e.settle(t, r.ID)
	moves, err := e.repo.ListMoves(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, moves, 3)
}

// drawnRoom plays knight shuffles until the start position repeats a third time.
func (e *env) drawnRoom(t *testing.T) (*domain.Room, *hub.Session, *hub.Session, *MoveResult) {
	t.Helper()
	r, s1, s2 := e.pairedRoom(t)
	seq := []string{"g1f3", "g8f6", "f3g1", "f6g8", "g1f3", "g8f6", "f3g1"}
	for i, uci := range seq {
		user := domain.UserID(1)
		if i%2 == 1 {
			user = 2
		}
		res := e.move(t, user, r.ID, uci)
		require.False(t, res.Room.Terminal(), "ply %d ended the game", i+1)
	}
	drain(s1)
	drain(s2)
	return r, s1, s2, e.move(t, 2, r.ID, "f6g8")
}

func TestRepetitionDrawsRoom(t *testing.T) {
	e := newEnv(t)
	r, s1, _, res := e.drawnRoom(t)

	require.Equal(t, domain.StatusDraw, res.Room.Status())
	_, _, ok := res.Room.Result()
	require.False(t, ok, "a draw has no winner")
	require.Equal(t, "threefold_repetition", res.Room.Reason())

	evs := drain(s1)
	require.Equal(t, []string{roomdto.EventReceiveMove, roomdto.EventGameOver}, names(evs))
	relay := evs[0].Data.(roomdto.ReceiveMove)
	require.Equal(t, "draw", relay.Status)
	require.True(t, relay.Provisional)
	over := evs[1].Data.(roomdto.GameOver)
	require.Equal(t, "draw", over.Status)
	require.Equal(t, "threefold_repetition", over.Reason)
	require.Zero(t, over.WinnerID)
	require.Empty(t, over.Winner)

	// game-over went out after the commit, so the store already agrees
	stored, err := e.repo.GetRoom(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDraw, stored.Status())

	rec, err := e.m.PlayerRecord(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Drawn)
}

func TestTerminalRoomsStayTerminal(t *testing.T) {
	ctx := context.Background()

	t.Run("draw", func(t *testing.T) {
		e := newEnv(t)
		r, _, _, _ := e.drawnRoom(t)
		_, err := e.m.JoinRoom(ctx, e.session(5), "AB12CD")
		require.ErrorIs(t, err, domain.ErrNotFound)
		_, err = e.m.SubmitMove(ctx, 1, r.ID, rules.MoveInput{Notation: "g1f3"})
		require.ErrorIs(t, err, domain.ErrNotFound)
		res, err := e.m.LeaveRoom(ctx, 1, r.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusDraw, res.Room.Status())
		require.Equal(t, domain.StatusDraw, e.settle(t, r.ID).Status())
	})

	t.Run("aborted", func(t *testing.T) {
		e := newEnv(t)
		r, _, _ := e.pairedRoom(t)
		_, err := e.m.LeaveRoom(ctx, 1, r.ID)
		require.NoError(t, err)
		_, err = e.m.SubmitMove(ctx, 1, r.ID, rules.MoveInput{Notation: "e2e4"})
		require.ErrorIs(t, err, domain.ErrNotFound)
		res, err := e.m.LeaveRoom(ctx, 2, r.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusAborted, res.Room.Status())
		require.Equal(t, domain.StatusAborted, e.settle(t, r.ID).Status())
	})

	t.Run("closed", func(t *testing.T) {
		e := newEnv(t)
		r, _, _ := e.pairedRoom(t)
		watcher := e.session(3)
		_, err := e.m.JoinRoom(ctx, watcher, "AB12CD")
		require.NoError(t, err)
		e.move(t, 1, r.ID, "e2e4")
		_, err = e.m.LeaveRoom(ctx, 2, r.ID)
		require.NoError(t, err)
		closed, err := e.m.LeaveRoom(ctx, 1, r.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusClosed, closed.Room.Status())

		res, err := e.m.LeaveRoom(ctx, 3, r.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusClosed, res.Room.Status())
		require.Equal(t, domain.StatusClosed, e.settle(t, r.ID).Status())
	})
}

func TestSoloPlayerCannotMove(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r, err := e.m.CreateRoom(ctx, 1, "Friendly", "AB12CD")
	require.NoError(t, err)
	s1 := e.session(1)
	_, err = e.m.JoinRoom(ctx, s1, "AB12CD")
	require.NoError(t, err)
	drain(s1)

	_, err = e.m.SubmitMove(ctx, 1, r.ID, rules.MoveInput{Notation: "e2e4"})
	require.ErrorIs(t, err, domain.ErrIllegalTurn)
	require.Empty(t, drain(s1))
	require.Equal(t, domain.StatusWaiting, e.settle(t, r.ID).Status())

	res, err := e.m.LeaveRoom(ctx, 1, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAborted, res.Room.Status())
	_, err = e.m.CreateRoom(ctx, 1, "Another", "ZZ99ZZ")
	require.NoError(t, err)
}

func TestLeavePlayingRoomWithoutOpponentAborts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r, err := e.m.CreateRoom(ctx, 1, "Friendly", "AB12CD")
	require.NoError(t, err)
	// a row left behind by an older build: playing with one seat
	_, err = e.repo.UpdateRoom(ctx, r.ID, func(r *domain.Room) error {
		r.State = domain.Playing{}
		return nil
	})
	require.NoError(t, err)

	res, err := e.m.LeaveRoom(ctx, 1, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAborted, res.Room.Status())
	_, _, ok := res.Room.Result()
	require.False(t, ok)
	_, err = e.m.CreateRoom(ctx, 1, "Another", "ZZ99ZZ")
	require.NoError(t, err)
}

func TestRemoveSpectatorCacheDownIsTransient(t *testing.T) {
	e := newEnv(t)
	r, _, _ := e.pairedRoom(t)
	require.NoError(t, presence.NewStore(e.c, time.Hour, nil).Add(context.Background(), r.ID, 3, domain.RoleSpectator))

	e.mr.SetError("ERR cache down")
	err := e.m.RemoveSpectator(context.Background(), 1, r.ID, 3)
	e.mr.SetError("")
	require.ErrorIs(t, err, domain.ErrTransientStore)

	require.NoError(t, e.m.RemoveSpectator(context.Background(), 1, r.ID, 3))
}
