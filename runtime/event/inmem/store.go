// Package inmem provides a process-local event.Store, used by tests and by
// any deployment that does not need cross-process durability.
package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/agentcore/runtime/event"
)

type store struct {
	mu     sync.Mutex
	seqs   map[string]uint64
	events map[string][]*event.Event
	ids    map[string]map[string]struct{}
}

// New constructs an empty in-memory event.Store.
func New() event.Store {
	return &store{
		seqs:   make(map[string]uint64),
		events: make(map[string][]*event.Event),
		ids:    make(map[string]map[string]struct{}),
	}
}

func (s *store) Name() string { return "event.inmem" }

func (s *store) Ping(context.Context) error { return nil }

func (s *store) AllocateSeq(_ context.Context, messageID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[messageID]++
	return s.seqs[messageID], nil
}

func (s *store) Append(_ context.Context, e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.ids[e.MessageID]
	if !ok {
		seen = make(map[string]struct{})
		s.ids[e.MessageID] = seen
	}
	if _, dup := seen[e.ID]; dup {
		return event.ErrSeqConflict
	}
	for _, existing := range s.events[e.MessageID] {
		if existing.Seq == e.Seq {
			return event.ErrSeqConflict
		}
	}
	seen[e.ID] = struct{}{}
	cp := *e
	s.events[e.MessageID] = append(s.events[e.MessageID], &cp)
	return nil
}

// ReadSince returns events in ascending seq order, matching the Mongo
// store's $sort:{seq:1} query: the Robust Writer's fallback queue can
// append a lower-seq event after a higher-seq one already landed, so the
// underlying slice is not itself seq-ordered.
func (s *store) ReadSince(_ context.Context, messageID string, sinceSeq uint64, limit int) ([]*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*event.Event
	for _, e := range s.events[messageID] {
		if e.Seq <= sinceSeq {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *store) ReadAll(ctx context.Context, messageID string) ([]*event.Event, error) {
	return s.ReadSince(ctx, messageID, 0, 0)
}
