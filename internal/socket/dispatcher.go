package socket

// Dispatcher is the fan-out surface handed to event handlers: a thin
// wrapper over the registry distinguishing room broadcast from
// personal-room delivery.
//
// Events fanned out from one inbound event reach all currently-joined
// connections in a single relative order per room; there is no cross-room
// ordering guarantee.
type Dispatcher struct {
	reg *Registry
}

// NewDispatcher returns a Dispatcher over the given registry.
func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// ToRoom broadcasts an event to every connection joined to the room.
func (d *Dispatcher) ToRoom(roomID, event string, data any) {
	d.reg.FanOut(roomID, Event{Event: event, Data: data})
}

// ToUser delivers an event to all of one user's connections: the personal
// room, named by the user id.
func (d *Dispatcher) ToUser(userID, event string, data any) {
	d.reg.SendToUser(userID, Event{Event: event, Data: data})
}
