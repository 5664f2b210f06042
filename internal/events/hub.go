package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one committed gateway event as seen by subscribers. IDs are
// assigned at publish time and increase monotonically for the life of
// the process.
type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Hub fans committed events out to live subscribers and keeps the most
// recent ones around so a client connecting late can catch up.
type Hub struct {
	lastID atomic.Int64

	mu      sync.Mutex
	recent  []Event
	written int64 // total events pushed into recent

	subs   map[int64]chan Event
	subSeq int64
}

// NewHub creates a hub retaining up to capacity events for replay.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 128
	}
	return &Hub{
		recent: make([]Event, capacity),
		subs:   make(map[int64]chan Event),
	}
}

// Publish stamps an event and delivers it to every subscriber. The data
// value is marshalled to JSON; a nil payload becomes an empty object.
func (h *Hub) Publish(eventType string, data any) {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   h.lastID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.recent[h.written%int64(len(h.recent))] = ev
	h.written++

	for _, ch := range h.subs {
		// A stalled subscriber loses events rather than holding up the caller.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a live event channel. The returned cancel func
// unregisters it and closes the channel; calling cancel twice is safe.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subSeq++
	id := h.subSeq
	ch := make(chan Event, 128) // slack for a monitor catching up after reconnect
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// SnapshotSince returns the retained events with ID greater than lastID,
// oldest first. Pass 0 for everything still in the buffer.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	capacity := int64(len(h.recent))
	first := h.written - capacity
	if first < 0 {
		first = 0
	}

	out := make([]Event, 0, h.written-first)
	for i := first; i < h.written; i++ {
		if ev := h.recent[i%capacity]; ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}
