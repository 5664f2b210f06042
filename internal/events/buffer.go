package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event type names.
const (
	TypeModuleUpgraded       = "module.upgraded"
	TypeAuthorityChanged     = "authority.changed"
	TypeOwnershipTransferred = "ownership.transferred"
	TypeInitialized          = "initialized"
	TypeCallCompleted        = "call.completed"
	TypeCallFailed           = "call.failed"
)

// ModuleUpgraded is raised when the dispatcher's module reference changes.
type ModuleUpgraded struct {
	Module string `json:"module"`
}

// AuthorityChanged is raised when the dispatch authority changes.
type AuthorityChanged struct {
	Previous string `json:"previous"`
	New      string `json:"new"`
}

// OwnershipTransferred is raised when governance ownership moves.
type OwnershipTransferred struct {
	Previous string `json:"previous"`
	New      string `json:"new"`
}

// Initialized is raised when an instance reaches an initialization version.
type Initialized struct {
	Version uint64 `json:"version"`
}

// CallCompleted is the gateway's observation of a successful call.
type CallCompleted struct {
	CallID     string `json:"call_id"`
	Caller     string `json:"caller"`
	Selector   string `json:"selector"`
	Path       string `json:"path"`
	DurationMS int64  `json:"duration_ms"`
}

// CallFailed is the gateway's observation of a failed call.
type CallFailed struct {
	CallID   string `json:"call_id"`
	Caller   string `json:"caller"`
	Selector string `json:"selector"`
	Code     string `json:"code"`
	Error    string `json:"error"`
}

// Pending is one event raised during a call, not yet committed.
type Pending struct {
	InstanceID string
	Type       string
	Data       any
}

// Buffer collects events raised during one call. Flush writes them to the
// persistent event log inside the call transaction; Publish fans them out
// to the hub. A rolled-back call publishes nothing.
type Buffer struct {
	pending []Pending
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Emit records an event against an instance.
func (b *Buffer) Emit(instanceID, eventType string, data any) {
	b.pending = append(b.pending, Pending{
		InstanceID: instanceID,
		Type:       eventType,
		Data:       data,
	})
}

// Pending returns the raised events in order.
func (b *Buffer) Pending() []Pending {
	return b.pending
}

// Flush writes the buffered events to the event log within tx.
func (b *Buffer) Flush(ctx context.Context, tx *sql.Tx) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, p := range b.pending {
		payload := []byte("{}")
		if p.Data != nil {
			bts, err := json.Marshal(p.Data)
			if err != nil {
				return fmt.Errorf("marshal event %s: %w", p.Type, err)
			}
			payload = bts
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO event_log(instance_id, type, data, created_at) VALUES(?, ?, ?, ?);",
			p.InstanceID, p.Type, string(payload), now)
		if err != nil {
			return fmt.Errorf("append event log: %w", err)
		}
	}
	return nil
}

// Publish fans the buffered events out to the hub. Call only after the
// transaction committed.
func (b *Buffer) Publish(hub *Hub) {
	if hub == nil {
		return
	}
	for _, p := range b.pending {
		hub.Publish(p.Type, p.Data)
	}
}
