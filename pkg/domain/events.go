package domain

import (
	"context"
	"time"
)

// TableModification counts the committed writes against one table.
type TableModification struct {
	Table   string `json:"table"`
	Inserts int    `json:"inserts,omitempty"`
	Updates int    `json:"updates,omitempty"`
	Deletes int    `json:"deletes,omitempty"`
}

// HasInserts reports whether rows were inserted.
func (m TableModification) HasInserts() bool { return m.Inserts > 0 }

// HasUpdates reports whether rows were updated or deleted.
func (m TableModification) HasUpdates() bool { return m.Updates > 0 || m.Deletes > 0 }

// EntityChange is the entity-level part of a committed event.
type EntityChange struct {
	Type    string        `json:"type"`
	Op      PersistOp     `json:"op"`
	ID      string        `json:"id,omitempty"`
	Payload ChangePayload `json:"payload,omitempty"`
}

// TransactionEvent is the serializable record of one committed transaction
// handed to listeners and the cluster broadcaster.
type TransactionEvent struct {
	TxID       string              `json:"tx_id"`
	Source     string              `json:"source,omitempty"`
	CommitTime time.Time           `json:"commit_time"`
	Tables     []TableModification `json:"tables"`
	Entities   []EntityChange      `json:"entities,omitempty"`
}

// IsEmpty reports whether the event carries no modifications.
func (e TransactionEvent) IsEmpty() bool {
	return len(e.Tables) == 0 && len(e.Entities) == 0
}

// Broadcaster receives committed transaction events so that other nodes can
// invalidate their caches.
type Broadcaster interface {
	Broadcast(ctx context.Context, event TransactionEvent) error
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(ctx context.Context, event TransactionEvent) error

// Broadcast implements Broadcaster.
func (f BroadcasterFunc) Broadcast(ctx context.Context, event TransactionEvent) error {
	return f(ctx, event)
}
