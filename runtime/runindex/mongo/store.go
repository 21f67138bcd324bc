// Package mongo adapts the low-level MongoDB client into a runindex.Store.
package mongo

import (
	"context"
	"errors"

	"goa.design/agentcore/runtime/runindex"
	"goa.design/agentcore/runtime/runindex/mongo/clients/mongo"
)

type store struct {
	client mongo.Client
}

// NewStore wraps client as a runindex.Store.
func NewStore(client mongo.Client) (runindex.Store, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	return &store{client: client}, nil
}

func (s *store) Name() string { return "runindex.mongo" }

func (s *store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

func (s *store) Upsert(ctx context.Context, r runindex.Record) error {
	return s.client.Upsert(ctx, r)
}

func (s *store) Load(ctx context.Context, messageID string) (runindex.Record, error) {
	return s.client.Load(ctx, messageID)
}

func (s *store) ListRunning(ctx context.Context) ([]runindex.Record, error) {
	return s.client.ListRunning(ctx)
}
