// Package mongo hosts the MongoDB client backing the run index.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/agentcore/runtime/runindex"
)

const (
	defaultCollection = "agent_run_index"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "runindex-mongo"
)

// Client exposes Mongo-backed operations for run index metadata.
type Client interface {
	health.Pinger

	Upsert(ctx context.Context, r runindex.Record) error
	Load(ctx context.Context, messageID string) (runindex.Record, error)
	ListRunning(ctx context.Context) ([]runindex.Record, error)
}

// Options configures the Mongo run index client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, coll: wrapper, timeout: timeout}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Upsert(ctx context.Context, r runindex.Record) error {
	if r.MessageID == "" {
		return errors.New("message id is required")
	}
	now := time.Now().UTC()
	if r.StartedAt.IsZero() {
		r.StartedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	doc := fromRecord(r)

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"message_id": r.MessageID}
	update := bson.M{
		"$set":         doc,
		"$setOnInsert": bson.M{"started_at": doc.StartedAt},
	}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) Load(ctx context.Context, messageID string) (runindex.Record, error) {
	if messageID == "" {
		return runindex.Record{}, errors.New("message id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc recordDocument
	if err := c.coll.FindOne(ctx, bson.M{"message_id": messageID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return runindex.Record{}, nil
		}
		return runindex.Record{}, err
	}
	return doc.toRecord(), nil
}

func (c *client) ListRunning(ctx context.Context) (records []runindex.Record, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, bson.M{"status": runindex.StatusRunning})
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		records = append(records, doc.toRecord())
	}
	return records, cur.Err()
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type recordDocument struct {
	MessageID string    `bson:"message_id"`
	ChatID    string    `bson:"chat_id,omitempty"`
	Status    string    `bson:"status"`
	StartedAt time.Time `bson:"started_at"`
	UpdatedAt time.Time `bson:"updated_at"`
	Error     string    `bson:"error,omitempty"`
}

func fromRecord(r runindex.Record) recordDocument {
	return recordDocument{
		MessageID: r.MessageID,
		ChatID:    r.ChatID,
		Status:    string(r.Status),
		StartedAt: r.StartedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
		Error:     r.Error,
	}
}

func (doc recordDocument) toRecord() runindex.Record {
	return runindex.Record{
		MessageID: doc.MessageID,
		ChatID:    doc.ChatID,
		Status:    runindex.Status(doc.Status),
		StartedAt: doc.StartedAt,
		UpdatedAt: doc.UpdatedAt,
		Error:     doc.Error,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
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

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error { return r.res.Decode(val) }

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

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
