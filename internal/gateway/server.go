// Package gateway exposes the room engine over HTTP and websockets.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/park285/cheese-rooms/internal/auth"
	"github.com/park285/cheese-rooms/internal/domain"
	"github.com/park285/cheese-rooms/internal/hub"
	"github.com/park285/cheese-rooms/internal/metrics"
	"github.com/park285/cheese-rooms/internal/obslog"
	"github.com/park285/cheese-rooms/internal/room"
	"github.com/park285/cheese-rooms/pkg/roomdto"
)

type Options struct {
	AllowedOrigins []string
	SessionBuffer  int
	PingInterval   time.Duration
	RequestTimeout time.Duration
	// Health reports backing store readiness for /healthz. Nil means always ready.
	Health func(ctx context.Context) error
	Logger *zap.Logger
}

type Server struct {
	rooms    *room.Manager
	hub      *hub.Hub
	verifier auth.Verifier
	opts     Options
	log      *zap.Logger
	handlers map[string]handlerFunc

	// base outlives individual requests; Close cancels it to end every websocket.
	base context.Context
	stop context.CancelFunc
}

func New(rooms *room.Manager, h *hub.Hub, verifier auth.Verifier, opts Options) *Server {
	if opts.SessionBuffer <= 0 {
		opts.SessionBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	s := &Server{
		rooms:    rooms,
		hub:      h,
		verifier: verifier,
		opts:     opts,
		log:      obslog.Or(opts.Logger),
	}
	s.base, s.stop = context.WithCancel(context.Background())
	s.handlers = s.commandTable()
	return s
}

// Close ends every open websocket. http.Server.Shutdown does not track hijacked connections.
func (s *Server) Close() { s.stop() }

// Router wires every route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.serveWS)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/rooms", s.handleCreateRoom)
		r.Get("/rooms/{id}", s.handleGetRoom)
		r.Get("/players/{id}/record", s.handlePlayerRecord)
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type identityKey struct{}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.verifier.Verify(r.Context(), auth.BearerFrom(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func identityFrom(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(identityKey{}).(auth.Identity)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req roomdto.CreateRoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.writeError(w, domain.Wrap(domain.ErrInvalid, "malformed body", err))
		return
	}
	rm, err := s.rooms.CreateRoom(r.Context(), identityFrom(r.Context()).ID, req.Label, req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, roomdto.RoomCreated{Room: room.RoomView(rm)})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	caller := identityFrom(r.Context()).ID
	if !s.rooms.ValidateAccess(r.Context(), caller, domain.RoomID(id)) {
		writeJSON(w, http.StatusForbidden, roomdto.RoomAccess{RoomID: id, AccessStatus: roomdto.AccessDenied})
		return
	}
	snap, err := s.rooms.GetRoomSnapshot(r.Context(), domain.RoomID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room.SnapshotView(snap))
}

func (s *Server) handlePlayerRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.rooms.PlayerRecord(r.Context(), domain.UserID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomdto.PlayerRecord{
		UserID: int64(rec.User),
		Played: rec.Played,
		Won:    rec.Won,
		Lost:   rec.Lost,
		Drawn:  rec.Drawn,
	})
}

func pathID(r *http.Request) (int64, error) {
	n, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || n <= 0 {
		return 0, domain.Wrap(domain.ErrInvalid, "id must be a positive integer", err)
	}
	return n, nil
}

func statusFor(err error) int {
	switch domain.CodeOf(err) {
	case domain.CodeInvalid:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict, domain.CodeRoomFull:
		return http.StatusConflict
	case domain.CodeIllegalTurn, domain.CodeIllegalMove:
		return http.StatusUnprocessableEntity
	case domain.CodeTransientStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Warn("http_request_failed", zap.Int("status", status), zap.Error(err))
	}
	var de *domain.Error
	retryable := errors.As(err, &de) && de.Retryable
	writeJSON(w, status, roomdto.Error{Code: domain.CodeOf(err), Reason: s.rooms.ErrorReason(err), Retryable: retryable})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
