package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:        string,    // task ID
//	  payload:    []byte,    // msgpack-encoded Task
//	  not_before: int64,     // unix nanos
//	  created_at: time.Time,
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "gitfix", collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "gitfix"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 100 * time.Millisecond,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID        string    `bson:"_id"`
	Payload   []byte    `bson:"payload"`
	NotBefore int64     `bson:"not_before"`
	CreatedAt time.Time `bson:"created_at"`
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	t = normalize(t)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	nb := t.NotBefore
	if nb.IsZero() {
		nb = t.EnqueuedAt
	}
	_, err = q.coll.InsertOne(ctx, mongoQueueDoc{
		ID:        t.ID,
		Payload:   data,
		NotBefore: nb.UnixNano(),
		CreatedAt: t.EnqueuedAt,
	})
	return err
}

// Dequeue blocks (via polling) until a task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	// Reusable timer for polling when no tasks are available.
	tmr := time.NewTimer(q.pollInterval)
	defer tmr.Stop()

	opts := options.FindOneAndDelete().
		SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "created_at", Value: 1}})

	for {
		var doc mongoQueueDoc
		err := q.coll.FindOneAndDelete(ctx,
			bson.M{"not_before": bson.M{"$lte": time.Now().UnixNano()}},
			opts,
		).Decode(&doc)
		if err == nil {
			return DecodeTask(doc.Payload)
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		// No tasks yet, wait a bit.
		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Warn("mongo queue length failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
