// Package queue makes delivery reliable across transient disconnects and
// process restarts. Messages that cannot be delivered immediately are
// appended durably, keyed by target identity, and replayed in FIFO order
// when the target reconnects or on the periodic retry tick.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one undelivered message. It is exclusively owned by the store
// from Append until Delete.
type Entry struct {
	ID            int64           `json:"id"`
	Target        string          `json:"target"`
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	Attempts      int             `json:"attempts"`
}

// Store is the durable persistence interface for the queue. Per-target
// ordering follows the monotonic entry id, so replays preserve original
// send order.
type Store interface {
	// Append durably persists an entry before returning. The entry's ID
	// is assigned by the store.
	Append(ctx context.Context, e *Entry) error
	// Pending returns all undelivered entries for a target, oldest first.
	Pending(ctx context.Context, target string) ([]Entry, error)
	// Targets returns every target that has pending entries.
	Targets(ctx context.Context) ([]string, error)
	// Delete removes a delivered entry.
	Delete(ctx context.Context, id int64) error
	// IncrementAttempts records a failed delivery attempt.
	IncrementAttempts(ctx context.Context, id int64) error
	// CountPending returns the total number of pending entries, and per
	// target when target is non-empty.
	CountPending(ctx context.Context, target string) (int64, error)
	// PurgeExpired drops entries enqueued before the cutoff or retried at
	// least maxAttempts times, returning how many were dropped.
	PurgeExpired(ctx context.Context, before time.Time, maxAttempts int) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
