// Package mongo adapts the low-level MongoDB client into an event.Store.
package mongo

import (
	"context"
	"errors"

	"goa.design/agentcore/runtime/event"
	"goa.design/agentcore/runtime/event/mongo/clients/mongo"
)

type store struct {
	client mongo.Client
}

// NewStore wraps client as an event.Store.
func NewStore(client mongo.Client) (event.Store, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	return &store{client: client}, nil
}

func (s *store) Name() string { return "event.mongo" }

func (s *store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

func (s *store) AllocateSeq(ctx context.Context, messageID string) (uint64, error) {
	return s.client.AllocateSeq(ctx, messageID)
}

func (s *store) Append(ctx context.Context, e *event.Event) error {
	return s.client.Append(ctx, e)
}

func (s *store) ReadSince(ctx context.Context, messageID string, sinceSeq uint64, limit int) ([]*event.Event, error) {
	return s.client.ReadSince(ctx, messageID, sinceSeq, limit)
}

func (s *store) ReadAll(ctx context.Context, messageID string) ([]*event.Event, error) {
	return s.client.ReadAll(ctx, messageID)
}
