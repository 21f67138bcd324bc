// Package mongo implements the low-level MongoDB client backing the Event
// Store (spec §4.1): durable append-only persistence of per-message events
// with atomic seq allocation, gap-free/dup-free ordering, and TTL-bound
// retention.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/agentcore/runtime/event"
)

type (
	// Client exposes Mongo-backed operations for the Event Store.
	Client interface {
		health.Pinger

		AllocateSeq(ctx context.Context, messageID string) (uint64, error)
		Append(ctx context.Context, e *event.Event) error
		ReadSince(ctx context.Context, messageID string, sinceSeq uint64, limit int) ([]*event.Event, error)
		ReadAll(ctx context.Context, messageID string) ([]*event.Event, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client            *mongodriver.Client
		Database          string
		EventsCollection  string
		CountersCollection string
		Timeout           time.Duration
		// EventsTTL, when positive, bounds how long a persisted event
		// remains readable (spec I5). Zero disables expiry.
		EventsTTL time.Duration
	}

	client struct {
		mongo    *mongodriver.Client
		events   collection
		counters collection
		timeout  time.Duration
	}

	eventDocument struct {
		ID        bson.ObjectID `bson:"_id,omitempty"`
		MessageID string        `bson:"message_id"`
		Seq       uint64        `bson:"seq"`
		EventID   string        `bson:"event_id"`
		ChatID    string        `bson:"chat_id,omitempty"`
		Type      string        `bson:"type"`
		Version   int           `bson:"version"`
		Data      bson.Raw      `bson:"data,omitempty"`
		Timestamp time.Time     `bson:"timestamp"`
	}

	counterDocument struct {
		ID  string `bson:"_id"`
		Seq uint64 `bson:"seq"`
	}
)

const (
	defaultEventsCollection   = "agent_message_events"
	defaultCountersCollection = "agent_message_event_counters"
	defaultTimeout            = 5 * time.Second
	clientName                = "event-store-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	eventsColl := opts.EventsCollection
	if eventsColl == "" {
		eventsColl = defaultEventsCollection
	}
	countersColl := opts.CountersCollection
	if countersColl == "" {
		countersColl = defaultCountersCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	eventsWrapper := mongoCollection{coll: db.Collection(eventsColl)}
	countersWrapper := mongoCollection{coll: db.Collection(countersColl)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, eventsWrapper, opts.EventsTTL); err != nil {
		return nil, err
	}

	return &client{
		mongo:    opts.Client,
		events:   eventsWrapper,
		counters: countersWrapper,
		timeout:  timeout,
	}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// AllocateSeq atomically increments and returns the next seq for
// message_id via an upsert $inc, grounded on the atomic-counter idiom used
// throughout the corpus's run-metadata stores.
func (c *client) AllocateSeq(ctx context.Context, messageID string) (uint64, error) {
	if messageID == "" {
		return 0, errors.New("message id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": messageID}
	update := bson.M{"$inc": bson.M{"seq": uint64(1)}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc counterDocument
	if err := c.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return 0, fmt.Errorf("allocate seq for %s: %w", messageID, err)
	}
	return doc.Seq, nil
}

// Append persists e, relying on the unique (message_id, seq) and
// (message_id, event_id) indexes to surface ErrSeqConflict on a race.
func (c *client) Append(ctx context.Context, e *event.Event) error {
	if e == nil {
		return errors.New("event is required")
	}
	if e.MessageID == "" {
		return errors.New("message id is required")
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.ID == "" {
		return errors.New("event id is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	dataBytes, err := bson.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	doc := eventDocument{
		MessageID: e.MessageID,
		Seq:       e.Seq,
		EventID:   e.ID,
		ChatID:    e.ChatID,
		Type:      string(e.Type),
		Version:   e.Version,
		Data:      bson.Raw(dataBytes),
		Timestamp: e.Timestamp.UTC(),
	}
	if _, err := c.events.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return event.ErrSeqConflict
		}
		return err
	}
	return nil
}

func (c *client) ReadSince(ctx context.Context, messageID string, sinceSeq uint64, limit int) (events []*event.Event, err error) {
	if messageID == "" {
		return nil, errors.New("message id is required")
	}

	filter := bson.M{"message_id": messageID, "seq": bson.M{"$gt": sinceSeq}}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	findOpts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cur, err := c.events.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		e, err := decodeDocument(doc)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *client) ReadAll(ctx context.Context, messageID string) ([]*event.Event, error) {
	return c.ReadSince(ctx, messageID, 0, 0)
}

func decodeDocument(doc eventDocument) (*event.Event, error) {
	e := &event.Event{
		Partial: event.Partial{
			MessageID: doc.MessageID,
			ChatID:    doc.ChatID,
			Type:      event.Type(doc.Type),
		},
		Seq:       doc.Seq,
		ID:        doc.EventID,
		Timestamp: doc.Timestamp,
		Version:   doc.Version,
	}
	data, err := decodePayloadBSON(e.Type, doc.Data)
	if err != nil {
		return nil, err
	}
	e.Data = data
	return e, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection, ttl time.Duration) error {
	models := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}, {Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if ttl > 0 {
		models = append(models, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds())),
		})
	}
	_, err := coll.Indexes().CreateMany(ctx, models)
	return err
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	FindOneAndUpdate(ctx context.Context, filter, update any, opts ...options.Lister[options.FindOneAndUpdateOptions]) *mongodriver.SingleResult
	Indexes() indexView
}

type indexView interface {
	CreateMany(ctx context.Context, models []mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) ([]string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter, update any, opts ...options.Lister[options.FindOneAndUpdateOptions]) *mongodriver.SingleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool { return c.cur.Next(ctx) }
func (c mongoCursor) Decode(val any) error           { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                      { return c.cur.Err() }
func (c mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateMany(ctx context.Context, models []mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) ([]string, error) {
	return v.view.CreateMany(ctx, models, opts...)
}

// decodePayloadBSON reconstructs a typed event payload from its stored BSON
// encoding. It mirrors the wire-format type switch in the event package but
// round-trips through BSON instead of JSON, since Append stores payloads
// via bson.Marshal.
func decodePayloadBSON(t event.Type, raw bson.Raw) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var data any
	switch t {
	case event.TypeStart:
		data = &event.StartPayload{}
	case event.TypeThinking:
		data = &event.ThinkingPayload{}
	case event.TypePlan:
		data = &event.PlanPayload{}
	case event.TypeToolStart:
		data = &event.ToolStartPayload{}
	case event.TypeToolEnd:
		data = &event.ToolEndPayload{}
	case event.TypeSubagentStart:
		data = &event.SubagentStartPayload{}
	case event.TypeSubagentEnd:
		data = &event.SubagentEndPayload{}
	case event.TypeContentStart:
		data = &event.ContentStartPayload{}
	case event.TypeContent:
		data = &event.ContentPayload{}
	case event.TypeContentEnd:
		data = &event.ContentEndPayload{}
	case event.TypeStatus:
		data = &event.StatusPayload{}
	case event.TypeEnd:
		data = &event.EndPayload{}
	case event.TypeError:
		data = &event.ErrorPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err := bson.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", t, err)
	}
	return data, nil
}
