// Package bus abstracts the message transport used by every pipeline
// component: append-only streams with consumer groups and acknowledgement,
// plus a small key-value view with TTL for quotes and toggles.
//
// Two backends implement the interface: Redis Streams for deployment and an
// in-memory twin with the same semantics for tests and self-contained paper
// runs. Components hold the interface and never import a backend directly.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one stream record. Data is the JSON envelope stored under the
// record's single "data" field; ID is the backend-assigned stream id used
// for acknowledgement.
type Entry struct {
	ID   string
	Data []byte
}

// Bus is the transport contract shared by all components.
//
// Delivery through ReadGroup is at-least-once: an entry delivered to one
// consumer group stays pending until acked and is never delivered to another
// member of the same group. Distinct groups each see every entry.
type Bus interface {
	// Append adds an entry to a stream and returns its id.
	Append(ctx context.Context, stream string, data []byte) (string, error)

	// EnsureGroup creates a consumer group at the start of a stream,
	// creating the stream if needed. Calling it for an existing group is
	// not an error.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup fetches up to count undelivered entries for the group,
	// blocking up to block when none are available. An empty slice with a
	// nil error means the block timed out.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Ack marks entries as processed for the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Set writes a key with a TTL; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get reads a key. ok is false when the key is absent or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// MGet reads several keys at once; absent keys yield nil slots.
	MGet(ctx context.Context, keys ...string) ([]*string, error)

	// Now returns the bus wall-clock in milliseconds since the epoch. All
	// timestamps in envelopes and all staleness checks use this clock so
	// they stay comparable across processes.
	Now(ctx context.Context) (int64, error)

	Close() error
}

// AppendJSON marshals v and appends it to a stream.
func AppendJSON(ctx context.Context, b Bus, stream string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s entry: %w", stream, err)
	}
	return b.Append(ctx, stream, data)
}
