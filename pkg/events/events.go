// Package events provides an in-process pub/sub broker for slot and
// lead activity. The control plane streams these to UI clients; slow
// subscribers are dropped rather than allowed to stall publishers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadhive/leadhive/pkg/types"
)

// EventType identifies what happened.
type EventType string

const (
	SlotStatusChanged EventType = "slot.status"
	SlotHeartbeat     EventType = "slot.heartbeat"
	SlotCommand       EventType = "slot.command"
	LeadCaptured      EventType = "lead.captured"
	LeadClicked       EventType = "lead.clicked"
	LeadVerified      EventType = "lead.verified"
	LeadRejected      EventType = "lead.rejected"
	WorkerError       EventType = "worker.error"
)

// Event is one broker message.
type Event struct {
	ID        string           `json:"id"`
	Type      EventType        `json:"type"`
	SlotID    string           `json:"slot_id,omitempty"`
	Status    types.SlotStatus `json:"status,omitempty"`
	LeadKey   string           `json:"lead_key,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Subscriber receives events on C until Cancel is called.
type Subscriber struct {
	C      chan Event
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscriber and closes C.
func (s *Subscriber) Cancel() {
	s.once.Do(s.cancel)
}

// Broker fans events out to subscribers.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber

	// recent is a small ring of the latest events for late joiners.
	recent []Event
}

const recentCap = 64

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]*Subscriber)}
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Broker) Subscribe(buffer int) *Subscriber {
	if buffer < 1 {
		buffer = 16
	}
	id := uuid.NewString()
	sub := &Subscriber{C: make(chan Event, buffer)}
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(sub.C)
	}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return sub
}

// Publish delivers an event to every subscriber. Full subscriber
// channels drop the event.
func (b *Broker) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.recent = append(b.recent, ev)
	if len(b.recent) > recentCap {
		b.recent = b.recent[len(b.recent)-recentCap:]
	}
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.C <- ev:
		default:
		}
	}
}

// Recent returns the latest buffered events, oldest first.
func (b *Broker) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.recent))
	copy(out, b.recent)
	return out
}
