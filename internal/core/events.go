package core

import (
	"encoding/json"
	"time"
)

// EventKind tags the shapes this layer knows how to label. The gateway
// never interprets payloads; unknown kinds pass through as generic.
type EventKind string

const (
	EventMessage      EventKind = "message"
	EventTicketUpdate EventKind = "ticket_update"
	EventPresence     EventKind = "presence"
	EventCampaign     EventKind = "campaign"
	EventPayment      EventKind = "payment"
	EventConnected    EventKind = "connected"
	EventGeneric      EventKind = "generic"
)

var knownKinds = map[EventKind]bool{
	EventMessage:      true,
	EventTicketUpdate: true,
	EventPresence:     true,
	EventCampaign:     true,
	EventPayment:      true,
	EventConnected:    true,
}

// KindOf classifies an event name into the tagged union. Anything not
// recognized is carried as-is under the generic variant.
func KindOf(name string) EventKind {
	if knownKinds[EventKind(name)] {
		return EventKind(name)
	}
	return EventGeneric
}

// Event is a single fan-out unit: an opaque payload bound for a room.
type Event struct {
	Kind    EventKind       `json:"kind"`
	Name    string          `json:"name"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

func NewEvent(room, name string, payload json.RawMessage) Event {
	return Event{
		Kind:    KindOf(name),
		Name:    name,
		Room:    room,
		Payload: payload,
		At:      time.Now(),
	}
}
