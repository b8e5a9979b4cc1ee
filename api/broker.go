package api

import (
	"encoding/json"
	"sync"
)

// Envelope is the wire form of an event delivered to a session: the
// event name plus its already-encoded payload.
type Envelope struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data"`
}

const subscriberBuffer = 16

type subscriber struct {
	id   string
	room string
	ch   chan Envelope
}

// Broker fans events out to the sessions connected to this instance.
// Delivery is non-blocking: a session that cannot keep up misses the
// event and is expected to re-fetch on its next mount.
type Broker struct {
	mu    sync.Mutex
	rooms map[string]map[*subscriber]struct{}
	byID  map[string]*subscriber
}

func NewBroker() *Broker {
	return &Broker{
		rooms: make(map[string]map[*subscriber]struct{}),
		byID:  make(map[string]*subscriber),
	}
}

// Subscribe registers a session in a room and returns its event channel
// together with a cancel function.
func (b *Broker) Subscribe(room, sessionID string) (<-chan Envelope, func()) {
	sub := &subscriber{id: sessionID, room: room, ch: make(chan Envelope, subscriberBuffer)}
	b.mu.Lock()
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[*subscriber]struct{})
	}
	b.rooms[room][sub] = struct{}{}
	b.byID[sessionID] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.rooms[room], sub)
		if len(b.rooms[room]) == 0 {
			delete(b.rooms, room)
		}
		if b.byID[sessionID] == sub {
			delete(b.byID, sessionID)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Send delivers an envelope to a single session. It reports whether the
// session is connected here and accepted the event.
func (b *Broker) Send(sessionID string, env Envelope) bool {
	b.mu.Lock()
	sub, ok := b.byID[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case sub.ch <- env:
		return true
	default:
		return false
	}
}

// Dispatch delivers an envelope to every session in its room.
func (b *Broker) Dispatch(env Envelope) {
	b.mu.Lock()
	for sub := range b.rooms[env.Room] {
		select {
		case sub.ch <- env:
		default:
		}
	}
	b.mu.Unlock()
}
