// Package socket implements the real-time conversation layer: the in-memory
// connection registry, the per-connection session controller and the room
// fan-out primitive, speaking JSON events over a WebSocket.
package socket

import (
	"log"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// EventSink is the minimal interface the registry needs from a transport:
// the ability to push one outbound event to the connected client.
type EventSink interface {
	Send(ev Event) error
}

// Conn is one live duplex channel bound to exactly one authenticated user.
// Its joined-room set is owned and guarded by the Registry; nothing mutates
// it from outside.
type Conn struct {
	ID     string
	UserID bson.ObjectID
	sink   EventSink
	rooms  map[string]struct{}
}

// NewConn binds a transport sink to an authenticated user identity.
func NewConn(userID bson.ObjectID, sink EventSink) *Conn {
	return &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		sink:   sink,
		rooms:  make(map[string]struct{}),
	}
}

// Send pushes one event to the client behind this connection.
func (c *Conn) Send(ev Event) error { return c.sink.Send(ev) }

// Registry tracks, for each user, the set of currently-open connections and,
// for each connection, the set of joined rooms. Entirely in-memory: after a
// restart it is rebuilt by each client replaying setup.
//
// It is an explicit instance, constructed once at server start and passed by
// reference, so tests can run several isolated registries side by side.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn            // conn id -> conn
	users map[string]map[string]*Conn // user id hex -> conn id -> conn
	rooms map[string]map[string]*Conn // room id -> conn id -> conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		users: make(map[string]map[string]*Conn),
		rooms: make(map[string]map[string]*Conn),
	}
}

// Register binds an authenticated connection into the registry.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID] = c
	uid := c.UserID.Hex()
	if _, ok := r.users[uid]; !ok {
		r.users[uid] = make(map[string]*Conn)
	}
	r.users[uid][c.ID] = c
}

// Unregister removes the connection and all of its room memberships.
// Invoked on disconnect; safe to call more than once.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID]; !ok {
		return
	}
	delete(r.conns, c.ID)

	uid := c.UserID.Hex()
	if set, ok := r.users[uid]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(r.users, uid)
		}
	}

	for room := range c.rooms {
		r.dropFromRoom(c, room)
	}
	c.rooms = make(map[string]struct{})
}

// Join adds the connection to a room. Joining a room the connection already
// belongs to is a no-op, which is what makes setup replay idempotent.
func (r *Registry) Join(c *Conn, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID]; !ok {
		// disconnected while the triggering store call was in flight
		return
	}
	if _, ok := c.rooms[roomID]; ok {
		return
	}
	c.rooms[roomID] = struct{}{}
	if _, ok := r.rooms[roomID]; !ok {
		r.rooms[roomID] = make(map[string]*Conn)
	}
	r.rooms[roomID][c.ID] = c
}

// Leave removes the connection from a room; leaving a room not joined is a
// no-op.
func (r *Registry) Leave(c *Conn, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := c.rooms[roomID]; !ok {
		return
	}
	delete(c.rooms, roomID)
	r.dropFromRoom(c, roomID)
}

// JoinUser adds every live connection of the user to the room. Used when a
// conversation is created or a member added, so the affected user starts
// receiving room traffic without waiting for their next setup.
func (r *Registry) JoinUser(userID bson.ObjectID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.users[userID.Hex()] {
		if _, ok := c.rooms[roomID]; ok {
			continue
		}
		c.rooms[roomID] = struct{}{}
		if _, ok := r.rooms[roomID]; !ok {
			r.rooms[roomID] = make(map[string]*Conn)
		}
		r.rooms[roomID][c.ID] = c
	}
}

// LeaveUser removes every live connection of the user from the room. Used
// after a member leaves or is removed.
func (r *Registry) LeaveUser(userID bson.ObjectID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.users[userID.Hex()] {
		if _, ok := c.rooms[roomID]; !ok {
			continue
		}
		delete(c.rooms, roomID)
		r.dropFromRoom(c, roomID)
	}
}

// CloseRoom removes every connection from the room. Used after a leader
// deletes the conversation, once the final event has been fanned out.
func (r *Registry) CloseRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.rooms[roomID] {
		delete(c.rooms, roomID)
	}
	delete(r.rooms, roomID)
}

// InRoom reports whether the connection currently belongs to the room.
func (r *Registry) InRoom(c *Conn, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// RoomSize returns the number of connections currently joined to the room.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// FanOut delivers the event to every connection joined to the room at the
// time of the call; connections joining afterwards are not replayed to.
// Delivery is best-effort per connection: a sink that fails is unregistered
// so broken transports do not linger in the registry.
func (r *Registry) FanOut(roomID string, ev Event) {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.rooms[roomID]))
	for _, c := range r.rooms[roomID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(ev); err != nil {
			log.Printf("fan-out to connection %s failed, dropping it: %v", c.ID, err)
			r.Unregister(c)
		}
	}
}

// SendToUser delivers the event to all live connections of one user,
// joined rooms or not. This is the personal-room path used for direct
// notifications such as the creation ack.
func (r *Registry) SendToUser(userID string, ev Event) {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(ev); err != nil {
			log.Printf("send to user %s connection %s failed, dropping it: %v", userID, c.ID, err)
			r.Unregister(c)
		}
	}
}

// dropFromRoom removes the conn from the room index; caller holds mu.
func (r *Registry) dropFromRoom(c *Conn, roomID string) {
	if set, ok := r.rooms[roomID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(r.rooms, roomID)
		}
	}
}
