package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/aeolun/cyberchat/pkg/protocol"
)

var (
	ErrAlreadyRegistered = errors.New("session already registered")
	ErrNotRegistered     = errors.New("session not registered")
	ErrInvalidRoomName   = errors.New("invalid room name")
)

type registration struct {
	sess *Session
	room string
}

// Registry is the single source of truth for rooms and their members.
//
// Every membership change and every broadcast runs under one mutex, so all
// members of a room observe that room's events in the same order. Rooms are
// created on first use and never removed for the lifetime of the server.
type Registry struct {
	mu        sync.Mutex
	rooms     map[string]map[string]*Session // room -> session ID -> session
	roomOrder []string                       // creation order
	sessions  map[string]*registration
	metrics   *Metrics
}

// NewRegistry creates a registry with the given rooms already present.
func NewRegistry(seedRooms ...string) *Registry {
	r := &Registry{
		rooms:    make(map[string]map[string]*Session),
		sessions: make(map[string]*registration),
	}
	for _, name := range seedRooms {
		if name != "" {
			r.ensureRoomLocked(name)
		}
	}
	return r
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
	if metrics != nil {
		r.mu.Lock()
		metrics.RecordRooms(len(r.roomOrder))
		r.mu.Unlock()
	}
}

// ensureRoomLocked returns the member set of room, creating it if needed.
// Caller must hold r.mu.
func (r *Registry) ensureRoomLocked(room string) map[string]*Session {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[room] = members
		r.roomOrder = append(r.roomOrder, room)
		if r.metrics != nil {
			r.metrics.RecordRooms(len(r.roomOrder))
		}
	}
	return members
}

// Register adds a session to room. A session can be registered once.
//
// If welcome is non-nil, the event it builds from the current room list is
// sent to the session before any broadcast can reach it. A failed welcome
// send is logged; the session stays registered and its receive loop will
// notice the broken connection.
func (r *Registry) Register(sess *Session, room string, welcome func(rooms []string) protocol.Event) error {
	if room == "" {
		return ErrInvalidRoomName
	}

	r.mu.Lock()
	if _, ok := r.sessions[sess.ID]; ok {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}
	r.ensureRoomLocked(room)[sess.ID] = sess
	r.sessions[sess.ID] = &registration{sess: sess, room: room}
	count := len(r.sessions)
	if welcome != nil {
		rooms := make([]string, len(r.roomOrder))
		copy(rooms, r.roomOrder)
		ev := welcome(rooms)
		if err := r.sendLocked(sess, ev); err != nil {
			errorLog.Printf("Session %s: failed to send %s: %v", sess.ID, ev.Type(), err)
		}
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
		r.metrics.RecordSessionCreated()
	}
	return nil
}

// Deregister removes a session from its room and from the registry.
// It returns the room the session was in; ok is false if the session was
// not registered.
func (r *Registry) Deregister(id string) (room string, ok bool) {
	r.mu.Lock()
	reg, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.rooms[reg.room], id)
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
	}
	return reg.room, true
}

// Join moves a registered session into room, creating the room if needed.
// It returns the room the session left. Joining the current room is a no-op
// that still succeeds.
func (r *Registry) Join(id, room string) (previous string, err error) {
	if room == "" {
		return "", ErrInvalidRoomName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.sessions[id]
	if !ok {
		return "", ErrNotRegistered
	}
	previous = reg.room
	if previous == room {
		return previous, nil
	}

	delete(r.rooms[previous], id)
	r.ensureRoomLocked(room)[id] = reg.sess
	reg.room = room
	return previous, nil
}

// RoomOf returns the room a session is in
func (r *Registry) RoomOf(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.sessions[id]
	if !ok {
		return "", false
	}
	return reg.room, true
}

// RoomNames returns every room ever created, in creation order.
// The returned slice is a copy.
func (r *Registry) RoomNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.roomOrder))
	copy(names, r.roomOrder)
	return names
}

// HasRoom reports whether room has been created
func (r *Registry) HasRoom(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.rooms[room]
	return ok
}

// Members returns the sorted session IDs currently in room
func (r *Registry) Members(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of every registered session
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, reg := range r.sessions {
		sessions = append(sessions, reg.sess)
	}
	return sessions
}

// Broadcast sends ev to every member of room except excludeID (which may be
// empty). Each recipient gets its own freshly sealed frame. A failed send is
// logged and counted. The recipient's connection is closed by the failed
// write; it stays registered until its own receive loop notices.
//
// Writes happen under the registry lock. They are bounded by the write
// timeout, and a connection that misses it is never written to again.
//
// Returns the number of members the event was delivered to.
func (r *Registry) Broadcast(room string, ev protocol.Event, excludeID string) int {
	payload, err := protocol.MarshalEvent(ev)
	if err != nil {
		errorLog.Printf("Failed to marshal %s event for room %q: %v", ev.Type(), room, err)
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for id, sess := range r.rooms[room] {
		if id == excludeID {
			continue
		}
		if err := sess.sendPayload(payload); err != nil {
			errorLog.Printf("Session %s: broadcast of %s failed: %v", id, ev.Type(), err)
			if r.metrics != nil {
				r.metrics.RecordSendFailure()
			}
			continue
		}
		delivered++
		if r.metrics != nil {
			r.metrics.RecordMessageSent(string(ev.Type()))
		}
	}
	return delivered
}

// SendTo delivers ev to a single registered session. The write happens under
// the registry lock so a direct reply is ordered against concurrent broadcasts.
func (r *Registry) SendTo(id string, ev protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.sessions[id]
	if !ok {
		return ErrNotRegistered
	}
	return r.sendLocked(reg.sess, ev)
}

// sendLocked marshals and writes ev to one session. Caller must hold r.mu.
func (r *Registry) sendLocked(sess *Session, ev protocol.Event) error {
	payload, err := protocol.MarshalEvent(ev)
	if err != nil {
		return err
	}
	if err := sess.sendPayload(payload); err != nil {
		if r.metrics != nil {
			r.metrics.RecordSendFailure()
		}
		return err
	}
	if r.metrics != nil {
		r.metrics.RecordMessageSent(string(ev.Type()))
	}
	return nil
}

// CloseAll closes every registered session's connection. Sessions stay
// registered; their receive loops observe the closed transport and run the
// normal close path.
func (r *Registry) CloseAll() {
	for _, sess := range r.Sessions() {
		sess.Conn.Close()
	}
}
