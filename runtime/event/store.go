package event

import (
	"context"
	"errors"

	"goa.design/clue/health"
)

// ErrSeqConflict is returned by Append when the (message_id, seq) pair
// already exists, signaling the caller raced another writer for the same
// slot and must re-allocate (spec I1).
var ErrSeqConflict = errors.New("event: seq conflict")

// Store is the durable, append-only per-message event log (spec §4.1). A
// Store implementation must guarantee gap-free, duplicate-free sequencing
// per message_id (I1) and must make a persisted terminal event durably
// readable for at least the configured TTL (I5).
type Store interface {
	health.Pinger

	// AllocateSeq atomically reserves the next sequence number for
	// message_id, starting at 1. Concurrent callers for the same
	// message_id never observe the same value twice.
	AllocateSeq(ctx context.Context, messageID string) (uint64, error)

	// Append persists e. e.Seq must already be allocated and e.ID already
	// normalized. Returns ErrSeqConflict if (message_id, seq) or
	// (message_id, id) already exists.
	Append(ctx context.Context, e *Event) error

	// ReadSince returns up to limit events for message_id with seq strictly
	// greater than sinceSeq, ordered by seq ascending. limit <= 0 means no
	// limit.
	ReadSince(ctx context.Context, messageID string, sinceSeq uint64, limit int) ([]*Event, error)

	// ReadAll returns every persisted event for message_id, ordered by seq
	// ascending.
	ReadAll(ctx context.Context, messageID string) ([]*Event, error)
}
