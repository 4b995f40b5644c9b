// Package mongo implements the durable store interfaces (store.TurnStore,
// store.MessageStore, store.MoveStore, store.AsyncOpStore,
// store.ParticipantStore) against MongoDB: an Options/New constructor
// shape, a withTimeout helper, index creation on construct,
// same seam of a narrow `collection` interface (not *mongo.Collection
// directly) so unit tests don't need a live server.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const defaultOpTimeout = 5 * time.Second

// Options configures a collection-backed store constructed via New.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// collection is the narrow surface every store in this package needs, a
// seam that lets unit tests stub storage without a live server.
type collection interface {
	InsertOne(ctx context.Context, doc any) error
	FindOne(ctx context.Context, filter bson.M) singleResult
	Find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter, update bson.M) (matched int64, err error)
	DeleteOne(ctx context.Context, filter bson.M) error
	CountDocuments(ctx context.Context, filter bson.M) (int64, error)
	Indexes() indexView
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) FindOne(ctx context.Context, filter bson.M) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter)}
}

func (c mongoCollection) Find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update bson.M) (int64, error) {
	res, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(false))
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter bson.M) error {
	_, err := c.coll.DeleteOne(ctx, filter)
	return err
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	return c.coll.CountDocuments(ctx, filter)
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

func (c mongoCursor) All(ctx context.Context, results any) error { return c.cur.All(ctx, results) }

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}

// newCollection validates opts, resolves the named collection, and ensures
// idx (if non-nil) exists before returning.
func newCollection(opts Options, name string, idx *mongodriver.IndexModel) (collection, time.Duration, error) {
	if opts.Client == nil {
		return nil, 0, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, 0, errors.New("mongo: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = name
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	if idx != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := wrapper.Indexes().CreateOne(ctx, *idx); err != nil {
			return nil, 0, err
		}
	}
	return wrapper, timeout, nil
}

// findOptsDescByCreatedAt builds the shared "most recent first, optionally
// capped" query shape used by every store's GetRecent/history-style query.
func findOptsDescByCreatedAt(limit int) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return opts
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
