package room

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/park285/cheese-rooms/internal/domain"
	"github.com/park285/cheese-rooms/internal/hub"
	"github.com/park285/cheese-rooms/internal/rules"
	"github.com/park285/cheese-rooms/internal/store"
	"github.com/park285/cheese-rooms/pkg/roomdto"
)

const (
	codeLength     = 6
	codeAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxLabelLength = 64
	codeAttempts   = 5
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9]{6}$`)

// CreateRoom opens a waiting room with creator in slot 1. An empty code is generated.
func (m *Manager) CreateRoom(ctx context.Context, creator domain.UserID, label, code string) (*domain.Room, error) {
	label = strings.TrimSpace(label)
	if n := utf8.RuneCountInString(label); n < 2 || n > maxLabelLength {
		return nil, domain.Wrap(domain.ErrInvalid, "room label must be 2 to 64 characters", nil)
	}
	code = strings.TrimSpace(code)
	generated := code == ""
	if !generated && !codePattern.MatchString(code) {
		return nil, domain.Wrap(domain.ErrInvalid, "room code must be 6 letters or digits", nil)
	}

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	seated, err := m.repo.FindActiveBySeat(sctx, creator)
	if err != nil {
		return nil, classify("find seat", err)
	}
	if seated != nil {
		return nil, domain.Wrap(domain.ErrConflict, "you are already playing in room "+seated.Code, nil)
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		if generated {
			if code, err = newCode(); err != nil {
				return nil, domain.Wrap(domain.ErrTransientStore, "generate room code", err)
			}
		}
		existing, err := m.repo.FindActiveByCode(sctx, code)
		if err != nil {
			return nil, classify("find code", err)
		}
		if existing != nil {
			if generated {
				continue
			}
			return nil, domain.Wrap(domain.ErrConflict, "room code already in use", nil)
		}
		r, err := m.repo.CreateRoom(sctx, &domain.Room{
			Label: label,
			Code:  code,
			State: domain.Waiting{},
			White: creator,
			FEN:   rules.StartFEN,
		})
		if errors.Is(err, store.ErrDuplicateCode) && generated {
			continue
		}
		if err != nil {
			return nil, classify("create room", err)
		}
		m.writeHistory(ctx, r.ID, nil)
		m.log.Info("room_created", append(roomFields(r.ID, creator), zap.String("code", r.Code))...)
		return r, nil
	}
	return nil, domain.Wrap(domain.ErrConflict, "could not allocate a free room code", nil)
}

func newCode() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// JoinResult is the outcome of a successful join.
type JoinResult struct {
	Room   *domain.Room
	Role   domain.Role
	Paired bool
}

// JoinRoom admits s to the active room with code, as a player when a slot is free.
func (m *Manager) JoinRoom(ctx context.Context, s *hub.Session, code string) (*JoinResult, error) {
	code = strings.TrimSpace(code)
	sctx, cancel := m.storeCtx(ctx)
	found, err := m.repo.FindActiveByCode(sctx, code)
	cancel()
	if err != nil {
		return nil, classify("find code", err)
	}
	if found == nil {
		return nil, domain.Wrap(domain.ErrNotFound, "no open room with code "+code, nil)
	}
	id := found.ID

	release, err := m.seq.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	if m.hub.Count(id) >= m.cfg.Capacity && !m.hub.Subscribed(id, s) {
		m.hub.Send(s, event(roomdto.EventRoomFull, roomdto.RoomFull{RoomID: int64(id), Capacity: m.cfg.Capacity}))
		m.log.Info("room_full", roomFields(id, s.User)...)
		return nil, domain.Wrap(domain.ErrRoomFull, "", nil)
	}
	if err := m.flush(ctx, id); err != nil {
		return nil, err
	}

	var role domain.Role
	paired := false
	r, err := m.update(ctx, id, func(r *domain.Room) error {
		if r.Terminal() {
			return domain.Wrap(domain.ErrNotFound, "room has ended", nil)
		}
		switch {
		case r.Seat(s.User) > 0:
			role = domain.RolePlayer
		case r.White == 0:
			r.White = s.User
			role = domain.RolePlayer
			if r.Status() == domain.StatusInProgress {
				r.State = domain.Waiting{}
			}
		case r.Black == 0:
			r.Black = s.User
			role = domain.RolePlayer
			if r.Status() == domain.StatusWaiting {
				r.State = domain.InProgress{}
				paired = true
			}
		default:
			role = domain.RoleSpectator
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.hub.Subscribe(id, s)
	if err := m.presence.Add(ctx, id, s.User, role); err != nil {
		m.log.Warn("presence_write_failed", append(roomFields(id, s.User), zap.Error(err))...)
	}

	view := RoomView(r)
	m.hub.Send(s, event(roomdto.EventJoinedRoom, roomdto.JoinedRoom{Room: view, Role: string(role)}))
	joined := roomdto.EventUserJoined
	if role == domain.RoleSpectator {
		joined = roomdto.EventSpectatorJoined
	}
	m.hub.PublishExcept(id, s, event(joined, roomdto.UserJoined{UserID: int64(s.User), Name: s.Name, Role: string(role)}))
	if paired {
		m.hub.Publish(id, event(roomdto.EventGameStart, roomdto.GameStart{Room: view}))
	}
	m.log.Info("room_join", append(roomFields(id, s.User), zap.String("role", string(role)), zap.Bool("paired", paired))...)
	return &JoinResult{Room: r, Role: role, Paired: paired}, nil
}

// LeaveResult describes a committed leave.
type LeaveResult struct {
	Room      *domain.Room
	WasPlayer bool
	WasSlot1  bool
}

// LeaveRoom removes user from the room. A player leaving before play aborts the room;
// during play it forfeits. A further leave on a completed room closes it.
func (m *Manager) LeaveRoom(ctx context.Context, user domain.UserID, id domain.RoomID) (*LeaveResult, error) {
	release, err := m.seq.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := m.flush(ctx, id); err != nil {
		return nil, err
	}
	before, err := m.loadRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.isMember(ctx, before, user) {
		return nil, domain.Wrap(domain.ErrNotFound, "you are not in this room", nil)
	}

	seat := before.Seat(user)
	after := before
	if needsTransition(before, seat) {
		after, err = m.update(ctx, id, func(r *domain.Room) error {
			leave(r, user)
			return nil
		})
		if err != nil {
			m.log.Warn("room_leave_failed", append(roomFields(id, user), zap.Error(err))...)
			return nil, err
		}
	}

	ended := (!before.Terminal() && after.Terminal()) || after.Status() == domain.StatusClosed
	if ended {
		m.dropRoomCache(ctx, id)
	} else if err := m.presence.Remove(ctx, id, user); err != nil {
		m.log.Warn("presence_remove_failed", append(roomFields(id, user), zap.Error(err))...)
	}

	status := string(after.Status())
	m.sendUser(id, user, event(roomdto.EventLeftRoom, roomdto.LeftRoom{RoomID: int64(id), Status: status}))
	m.publishOthers(id, user, event(roomdto.EventUserLeft, roomdto.UserLeft{
		RoomID:    int64(id),
		UserID:    int64(user),
		WasPlayer: seat > 0,
		WasSlot1:  seat == 1,
		Status:    status,
	}))
	if before.Status() == domain.StatusPlaying && after.Status() == domain.StatusCompleted {
		m.hub.Publish(id, event(roomdto.EventGameOver, m.gameOver(before, after)))
	}
	for _, s := range m.hub.SessionsOf(id, user) {
		m.hub.Unsubscribe(id, s)
	}

	m.log.Info("room_leave", append(roomFields(id, user),
		zap.String("from", string(before.Status())),
		zap.String("to", status),
		zap.Bool("was_player", seat > 0),
	)...)
	return &LeaveResult{Room: after, WasPlayer: seat > 0, WasSlot1: seat == 1}, nil
}

func (m *Manager) isMember(ctx context.Context, r *domain.Room, user domain.UserID) bool {
	if r.Seat(user) > 0 || len(m.hub.SessionsOf(r.ID, user)) > 0 {
		return true
	}
	if w, l, ok := r.Result(); ok && (w == user || l == user) {
		return true
	}
	_, ok, err := m.presence.Lookup(ctx, r.ID, user)
	if err != nil {
		m.log.Warn("presence_lookup_failed", append(roomFields(r.ID, user), zap.Error(err))...)
	}
	return ok
}

func needsTransition(r *domain.Room, seat int) bool {
	switch r.Status() {
	case domain.StatusCompleted:
		return true
	case domain.StatusWaiting, domain.StatusInProgress, domain.StatusPlaying:
		return seat > 0
	default:
		return false
	}
}

// leave applies the departure of user to the locked row.
func leave(r *domain.Room, user domain.UserID) {
	seat := r.Seat(user)
	switch r.Status() {
	case domain.StatusCompleted:
		r.State = domain.Closed{}
		r.ClearSeats()
	case domain.StatusWaiting, domain.StatusInProgress:
		if seat > 0 {
			r.State = domain.Aborted{}
			r.ClearSeats()
		}
	case domain.StatusPlaying:
		switch {
		case seat == 0:
		case r.Opponent(user) == 0:
			// nobody to award the game to
			r.State = domain.Aborted{}
			r.ClearSeats()
		default:
			r.State = domain.Completed{Winner: r.Opponent(user), Loser: user, Reason: "forfeit"}
			r.ClearSeats()
		}
	}
}

// Disconnect runs an implicit leave for every room s was still in, unless the same
// identity keeps another live session there.
func (m *Manager) Disconnect(ctx context.Context, s *hub.Session) {
	for _, id := range m.hub.UnsubscribeAll(s) {
		if len(m.hub.SessionsOf(id, s.User)) > 0 {
			continue
		}
		if _, err := m.LeaveRoom(ctx, s.User, id); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			m.log.Warn("disconnect_leave_failed", append(roomFields(id, s.User), zap.Error(err))...)
		}
	}
}

// ValidateAccess reports whether user may read the room: a live subscriber, a presence
// entry, a seat, or the recorded winner or loser. It fails closed.
func (m *Manager) ValidateAccess(ctx context.Context, user domain.UserID, id domain.RoomID) bool {
	if len(m.hub.SessionsOf(id, user)) > 0 {
		return true
	}
	if m.presence.CheckAccess(ctx, id, user) == nil {
		return true
	}
	r, err := m.loadRoom(ctx, id)
	if err != nil {
		return false
	}
	if r.Seat(user) > 0 {
		return true
	}
	w, l, ok := r.Result()
	return ok && (w == user || l == user)
}

// RemoveSpectator lets a seated player eject a spectator.
func (m *Manager) RemoveSpectator(ctx context.Context, caller domain.UserID, id domain.RoomID, target domain.UserID) error {
	release, err := m.seq.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	r, err := m.loadRoom(ctx, id)
	if err != nil {
		return err
	}
	if r.Seat(caller) == 0 {
		return domain.Wrap(domain.ErrUnauthorized, "only players can remove spectators", nil)
	}
	if r.Seat(target) > 0 {
		return domain.Wrap(domain.ErrConflict, "players cannot be removed", nil)
	}
	sessions := m.hub.SessionsOf(id, target)
	_, present, err := m.presence.Lookup(ctx, id, target)
	if err != nil {
		m.log.Warn("presence_lookup_failed", append(roomFields(id, target), zap.Error(err))...)
		if len(sessions) == 0 {
			return domain.Wrap(domain.ErrTransientStore, "membership unavailable", err)
		}
	}
	if !present && len(sessions) == 0 {
		return domain.Wrap(domain.ErrNotFound, "spectator not in room", nil)
	}

	if err := m.presence.Remove(ctx, id, target); err != nil {
		m.log.Warn("presence_remove_failed", append(roomFields(id, target), zap.Error(err))...)
	}
	payload := roomdto.SpectatorRemoved{RoomID: int64(id), UserID: int64(target)}
	for _, s := range sessions {
		m.hub.Send(s, event(roomdto.EventRemovedFromRoom, payload))
		m.hub.Unsubscribe(id, s)
	}
	m.sendUser(id, caller, event(roomdto.EventSpectatorRemoved, payload))
	m.hub.Publish(id, event(roomdto.EventSpectatorKicked, payload))
	m.log.Info("spectator_removed", append(roomFields(id, caller), zap.Int64("target_id", int64(target)))...)
	return nil
}

// SendChat appends a chat line from s and relays it to the room.
func (m *Manager) SendChat(ctx context.Context, s *hub.Session, id domain.RoomID, body string) (domain.ChatMessage, error) {
	if !m.hub.Subscribed(id, s) {
		return domain.ChatMessage{}, domain.Wrap(domain.ErrUnauthorized, "join the room before chatting", nil)
	}
	release, err := m.seq.Lock(ctx, id)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	defer release()

	msg, err := m.chat.Append(ctx, domain.ChatMessage{RoomID: id, Sender: s.User, SenderName: s.Name, Body: body})
	if err != nil {
		return domain.ChatMessage{}, err
	}
	m.hub.Publish(id, event(roomdto.EventReceiveChat, ChatView(msg)))
	return msg, nil
}

// PlayerRecord returns the finished-game tally for user.
func (m *Manager) PlayerRecord(ctx context.Context, user domain.UserID) (*domain.PlayerRecord, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	rec, err := m.repo.PlayerRecord(sctx, user)
	if err != nil {
		return nil, classify("player record", err)
	}
	return rec, nil
}
