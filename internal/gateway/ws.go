package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-rooms/internal/auth"
	"github.com/park285/cheese-rooms/internal/domain"
	"github.com/park285/cheese-rooms/internal/hub"
	"github.com/park285/cheese-rooms/internal/metrics"
	"github.com/park285/cheese-rooms/internal/room"
	"github.com/park285/cheese-rooms/internal/rules"
	"github.com/park285/cheese-rooms/pkg/roomdto"
)

const (
	writeTimeout     = 5 * time.Second
	pingTimeout      = 3 * time.Second
	maxPingFailures  = 2
	disconnectWindow = 10 * time.Second
	readLimit        = 16 << 10
)

type handlerFunc func(ctx context.Context, sess *hub.Session, raw json.RawMessage) error

// serveWS authenticates once, then runs the read, write and ping loops until the peer goes away.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.verifier.Verify(r.Context(), auth.BearerFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.opts.AllowedOrigins,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.log.Warn("ws_accept_failed", zap.Int64("user_id", int64(id.ID)), zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)

	sess := hub.NewSession(id.ID, id.Name, s.opts.SessionBuffer, s.log)
	metrics.SessionsConnected.Inc()
	log := s.log.With(zap.Int64("user_id", int64(id.ID)), zap.String("session_id", sess.ID.String()))
	log.Info("ws_connected")

	ctx, cancel := context.WithCancel(s.base)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(ctx, cancel, conn, sess)
	}()
	go s.pingLoop(ctx, cancel, conn, log)

	s.readLoop(ctx, conn, sess, log)

	cancel()
	dctx, dcancel := context.WithTimeout(context.Background(), disconnectWindow)
	s.rooms.Disconnect(dctx, sess)
	dcancel()
	sess.Close()
	<-done
	metrics.SessionsConnected.Dec()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	log.Info("ws_disconnected")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *hub.Session, log *zap.Logger) {
	for {
		var in roomdto.Inbound
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				log.Debug("ws_read_ended", zap.Error(err))
			}
			return
		}
		s.dispatch(ctx, sess, in)
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *hub.Session) {
	for ev := range sess.Outbound() {
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, conn, ev)
		wcancel()
		if err != nil {
			cancel()
			// keep draining so Close does not strand buffered events
			for range sess.Outbound() {
			}
			return
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, log *zap.Logger) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			log.Debug("ws_ping_failed", zap.Int("failures", failures), zap.Error(err))
			if failures >= maxPingFailures {
				_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				cancel()
				return
			}
		}
	}
}

// dispatch runs one inbound command. Failures and panics become an error event for the caller only.
func (s *Server) dispatch(ctx context.Context, sess *hub.Session, in roomdto.Inbound) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("ws_handler_panic",
				zap.String("event", in.Event),
				zap.Int64("user_id", int64(sess.User)),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			s.sendError(sess, in.Event, &domain.Error{Code: domain.CodeInternal, Message: "internal error"})
		}
	}()

	h, ok := s.handlers[in.Event]
	if !ok {
		s.sendError(sess, in.Event, domain.Wrap(domain.ErrInvalid, "unknown event "+in.Event, nil))
		return
	}
	err := h(ctx, sess, in.Data)
	if err == nil {
		return
	}
	// room-full already went out as its own event
	if errors.Is(err, domain.ErrRoomFull) {
		return
	}
	s.sendError(sess, in.Event, err)
}

func (s *Server) sendError(sess *hub.Session, request string, err error) {
	var de *domain.Error
	retryable := errors.As(err, &de) && de.Retryable
	code := domain.CodeOf(err)
	if code == domain.CodeInternal || code == domain.CodeTransientStore {
		s.log.Warn("ws_command_failed", zap.String("event", request), zap.Int64("user_id", int64(sess.User)), zap.Error(err))
	} else {
		s.log.Debug("ws_command_rejected", zap.String("event", request), zap.Int64("user_id", int64(sess.User)), zap.Error(err))
	}
	s.hub.Send(sess, hub.Event{Name: roomdto.EventError, Data: roomdto.Error{
		Code:      code,
		Reason:    s.rooms.ErrorReason(err),
		Retryable: retryable,
		Request:   request,
	}})
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, domain.Wrap(domain.ErrInvalid, "missing data", nil)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, domain.Wrap(domain.ErrInvalid, "malformed data", err)
	}
	return v, nil
}

func roomRef(raw json.RawMessage) (domain.RoomID, error) {
	ref, err := decode[roomdto.RoomRef](raw)
	if err != nil {
		return 0, err
	}
	if ref.RoomID <= 0 {
		return 0, domain.Wrap(domain.ErrInvalid, "roomId is required", nil)
	}
	return domain.RoomID(ref.RoomID), nil
}

func (s *Server) commandTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		roomdto.CmdCreateRoom: func(ctx context.Context, sess *hub.Session, raw json.RawMessage) error {
			req, err := decode[roomdto.CreateRoomRequest](raw)
			if err != nil {
				return err
			}
			r, err := s.rooms.CreateRoom(ctx, sess.User, req.Label, req.Code)
			if err != nil {
				return err
			}
			s.hub.Send(sess, hub.Event{Name: roomdto.EventRoomCreated, Data: roomdto.RoomCreated{Room: room.RoomView(r)}})
			return nil
		},
		roomdto.CmdJoinRoom: func(ctx context.Context, sess *hub.Session, raw json.RawMessage) error {
			req, err := decode[roomdto.JoinRoomRequest](raw)
			if err != nil {
				return err
			}
			_, err = s.rooms.JoinRoom(ctx, sess, req.Code)
			return err
		},
		roomdto.CmdLeaveRoom: func(ctx context.Context, sess *hub.Session, raw json.RawMessage) error {
			id, err := roomRef(raw)
			if err != nil {
				return err
			}
			_, err = s.rooms.LeaveRoom(ctx, sess.User, id)
			return err
		},
		roomdto.CmdMove: func(ctx context.Context, sess *hub.Session, raw json.RawMessage) error {
			req, err := decode[roomdto.MoveRequest](raw)
			if err != nil {
				return err
			}
			if req.RoomID <= 0 {
				return domain.Wrap(domain.ErrInvalid, "roomId is required", nil)
			}
			_, err = s.rooms.SubmitMove(ctx, sess.User, domain.RoomID(req.RoomID), rules.MoveInput{
				From:      req.From,
				To:        req.To,
				Promotion: req.Promotion,
				Notation:  req.Notation,
			})
			return err
		},
		roomdto.CmdSendMessage: func(ctx context.Context, sess *hub.Session, raw json.RawMessage) error {
			req, err := decode[roomdto.SendMessageRequest](raw)
			if err != nil {
				return err
			}
			if req.RoomID <= 0 {
				return domain.Wrap(domain.ErrInvalid, "roomId is required", nil)
			}
			_, err = s.rooms.SendChat(ctx, sess, domain.RoomID(req.RoomID), req.Body)
			return err
		},
		roomdto.CmdRemoveSpectator: func(ctx context.Context, sess *hub.Session, raw json.RawMessage) error {
			req, err := decode[roomdto.RemoveSpectatorRequest](raw)
			if err != nil {
				return err
			}
			if req.RoomID <= 0 || req.UserID <= 0 {
				return domain.Wrap(domain.ErrInvalid, "roomId and userId are required", nil)
			}
			return s.rooms.RemoveSpectator(ctx, sess.User, domain.RoomID(req.RoomID), domain.UserID(req.UserID))
		},
		roomdto.CmdValidateRoomAccess: func(ctx context.Context, sess *hub.Session, raw json.RawMessage) error {
			id, err := roomRef(raw)
			if err != nil {
				return err
			}
			status := roomdto.AccessDenied
			if s.rooms.ValidateAccess(ctx, sess.User, id) {
				status = roomdto.AccessGranted
			}
			s.hub.Send(sess, hub.Event{Name: roomdto.EventRoomAccess, Data: roomdto.RoomAccess{RoomID: int64(id), AccessStatus: status}})
			return nil
		},
		roomdto.CmdGetRoom: func(ctx context.Context, sess *hub.Session, raw json.RawMessage) error {
			id, err := roomRef(raw)
			if err != nil {
				return err
			}
			if !s.rooms.ValidateAccess(ctx, sess.User, id) {
				return domain.Wrap(domain.ErrUnauthorized, "not a member of this room", nil)
			}
			snap, err := s.rooms.GetRoomSnapshot(ctx, id)
			if err != nil {
				return err
			}
			s.hub.Send(sess, hub.Event{Name: roomdto.EventRoomSnapshot, Data: room.SnapshotView(snap)})
			return nil
		},
	}
}
