// Package runindex provides a durable audit trail of RunningTask metadata
// (spec §3.1, §6.1 GET /api/agents/active), independent of the Event
// Store. The Task Registry's in-memory map is the fast path for "is this
// message running"; runindex exists so completed tasks remain queryable
// after the Registry's GC window reclaims them.
package runindex

import (
	"context"
	"time"

	"goa.design/clue/health"
)

// Status mirrors a RunningTask's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusInterrupted marks a run paused for human input mid-execution.
	// Resume restarts a fresh background execution under the same
	// message_id, per spec §9's human-in-the-loop resume endpoint.
	StatusInterrupted Status = "interrupted"
)

// Record is the durable, coarse-grained metadata for one message_id's
// execution.
type Record struct {
	MessageID string
	ChatID    string
	Status    Status
	StartedAt time.Time
	UpdatedAt time.Time
	Error     string
}

// Store persists and retrieves Records.
type Store interface {
	health.Pinger

	// Upsert writes the current state of r, keyed by MessageID.
	Upsert(ctx context.Context, r Record) error
	// Load retrieves the Record for messageID. Returns the zero Record and
	// no error if none exists.
	Load(ctx context.Context, messageID string) (Record, error)
	// ListRunning returns every Record currently in StatusRunning. The
	// Registry does not call it.
	ListRunning(ctx context.Context) ([]Record, error)
}
