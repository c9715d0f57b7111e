// Package hub maps rooms to the live sessions subscribed to them and fans events out.
package hub

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-rooms/internal/domain"
	"github.com/park285/cheese-rooms/internal/metrics"
	"github.com/park285/cheese-rooms/internal/obslog"
)

// Event is the wire envelope: {"event": name, "data": {...}}.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Session binds one live connection to an identity and its room subscriptions.
type Session struct {
	ID   uuid.UUID
	User domain.UserID
	Name string

	log *zap.Logger

	mu     sync.Mutex
	out    chan Event
	rooms  map[domain.RoomID]struct{}
	closed bool
}

func NewSession(user domain.UserID, name string, buffer int, log *zap.Logger) *Session {
	if buffer <= 0 {
		buffer = 64
	}
	return &Session{
		ID:    uuid.New(),
		User:  user,
		Name:  name,
		log:   obslog.Or(log),
		out:   make(chan Event, buffer),
		rooms: make(map[domain.RoomID]struct{}),
	}
}

// Deliver queues ev without blocking. Full buffers drop the event; closed sessions ignore it.
func (s *Session) Deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- ev:
		return true
	default:
		metrics.EventsDropped.Inc()
		s.log.Warn("session_buffer_full",
			zap.String("session_id", s.ID.String()),
			zap.Int64("user_id", int64(s.User)),
			zap.String("event", ev.Name),
		)
		return false
	}
}

// Outbound is drained by the connection's write loop. It is closed by Close.
func (s *Session) Outbound() <-chan Event { return s.out }

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Rooms returns the rooms the session is subscribed to.
func (s *Session) Rooms() []domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RoomID, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

func (s *Session) InRoom(room domain.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

func (s *Session) track(room domain.RoomID, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.rooms[room] = struct{}{}
	} else {
		delete(s.rooms, room)
	}
}

// Hub is the room subscription table.
type Hub struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]map[uuid.UUID]*Session
	log   *zap.Logger
}

func New(log *zap.Logger) *Hub {
	return &Hub{
		rooms: make(map[domain.RoomID]map[uuid.UUID]*Session),
		log:   obslog.Or(log),
	}
}

// Subscribe adds s to room. It is idempotent.
func (h *Hub) Subscribe(room domain.RoomID, s *Session) {
	h.mu.Lock()
	subs, ok := h.rooms[room]
	if !ok {
		subs = make(map[uuid.UUID]*Session)
		h.rooms[room] = subs
		metrics.RoomsActive.Inc()
	}
	subs[s.ID] = s
	h.mu.Unlock()
	s.track(room, true)
}

func (h *Hub) Unsubscribe(room domain.RoomID, s *Session) {
	h.mu.Lock()
	if subs, ok := h.rooms[room]; ok {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(h.rooms, room)
			metrics.RoomsActive.Dec()
		}
	}
	h.mu.Unlock()
	s.track(room, false)
}

// UnsubscribeAll removes s from every room and returns the rooms it left.
func (h *Hub) UnsubscribeAll(s *Session) []domain.RoomID {
	rooms := s.Rooms()
	for _, room := range rooms {
		h.Unsubscribe(room, s)
	}
	return rooms
}

// Publish delivers ev to every session subscribed to room right now.
func (h *Hub) Publish(room domain.RoomID, ev Event) int {
	return h.PublishExcept(room, nil, ev)
}

// PublishExcept delivers ev to the room, skipping the given session.
func (h *Hub) PublishExcept(room domain.RoomID, skip *Session, ev Event) int {
	targets := h.snapshot(room)
	n := 0
	for _, s := range targets {
		if skip != nil && s.ID == skip.ID {
			continue
		}
		if s.Deliver(ev) {
			n++
		}
	}
	metrics.EventsPublished.WithLabelValues(ev.Name).Inc()
	return n
}

// Send delivers ev to a single session. A closed session is a no-op.
func (h *Hub) Send(s *Session, ev Event) bool {
	if s == nil {
		return false
	}
	ok := s.Deliver(ev)
	metrics.EventsPublished.WithLabelValues(ev.Name).Inc()
	return ok
}

// Count returns the number of sessions subscribed to room.
func (h *Hub) Count(room domain.RoomID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) Subscribed(room domain.RoomID, s *Session) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][s.ID]
	return ok
}

// SessionsOf returns the sessions of user subscribed to room.
func (h *Hub) SessionsOf(room domain.RoomID, user domain.UserID) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Session
	for _, s := range h.rooms[room] {
		if s.User == user {
			out = append(out, s)
		}
	}
	return out
}

// Sessions returns every session subscribed to room.
func (h *Hub) Sessions(room domain.RoomID) []*Session {
	return h.snapshot(room)
}

func (h *Hub) snapshot(room domain.RoomID) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.rooms[room]
	out := make([]*Session, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}
