// Package mongolog implements persistence.Store on top of a MongoDB
// collection: one document per event, ordered by the collection's own
// ObjectID generation order, with a compound index on (agent_id, _id)
// supporting efficient forward pagination.
package mongolog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/persistence"
)

const (
	defaultTimeout = 5 * time.Second
)

// eventDocument is the BSON-persisted shape of a persistence.Record, with an
// Object ID substituting for the store-assigned cursor.
type eventDocument struct {
	ID          bson.ObjectID `bson:"_id,omitempty"`
	AgentID     string        `bson:"agent_id"`
	SequenceNum int64         `bson:"sequence_num"`
	EventType   string        `bson:"event_type"`
	Payload     []byte        `bson:"payload"`
	Timestamp   time.Time     `bson:"timestamp"`
}

// Store persists agent event logs to a MongoDB collection.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// Options configures the MongoDB-backed store.
type Options struct {
	// Client is a connected Mongo client.
	Client *mongodriver.Client
	// Database and Collection name the target collection.
	Database   string
	Collection string
	// Timeout bounds each operation; defaults to 5s.
	Timeout time.Duration
}

// New builds a MongoDB-backed persistence.Store, creating the supporting
// index if it does not already exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongolog: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongolog: database name is required")
	}
	collectionName := opts.Collection
	if collectionName == "" {
		collectionName = "agent_run_events"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	coll := opts.Client.Database(opts.Database).Collection(collectionName)
	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "_id", Value: 1}},
	}
	if _, err := coll.Indexes().CreateOne(idxCtx, index); err != nil {
		return nil, fmt.Errorf("mongolog: creating index: %w", err)
	}
	return &Store{coll: coll, timeout: timeout}, nil
}

// Append implements persistence.Store.
func (s *Store) Append(ctx context.Context, agentID string, ev event.Event) (persistence.Record, error) {
	if agentID == "" {
		return persistence.Record{}, persistence.ErrAgentIDRequired
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	seq, err := s.coll.CountDocuments(ctx, bson.M{"agent_id": agentID})
	if err != nil {
		return persistence.Record{}, fmt.Errorf("mongolog: count: %w", err)
	}
	ev.SequenceNum = seq

	rec, err := persistence.ToRecord(agentID, ev)
	if err != nil {
		return persistence.Record{}, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	doc := eventDocument{
		AgentID:     rec.AgentID,
		SequenceNum: rec.SequenceNum,
		EventType:   string(rec.EventType),
		Payload:     append([]byte(nil), rec.Payload...),
		Timestamp:   rec.Timestamp,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return persistence.Record{}, fmt.Errorf("mongolog: insert: %w", err)
	}
	return rec, nil
}

// List implements persistence.Store. The cursor is the hex-encoded ObjectID
// of the last record returned by a previous List call.
func (s *Store) List(ctx context.Context, agentID, cursor string, limit int) (page persistence.Page, err error) {
	if agentID == "" {
		return persistence.Page{}, persistence.ErrAgentIDRequired
	}
	if limit <= 0 {
		return persistence.Page{}, errors.New("mongolog: limit must be > 0")
	}

	filter := bson.M{"agent_id": agentID}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return persistence.Page{}, fmt.Errorf("mongolog: invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit+1)))
	if err != nil {
		return persistence.Page{}, fmt.Errorf("mongolog: find: %w", err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var docs []eventDocument
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return persistence.Page{}, fmt.Errorf("mongolog: decode: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return persistence.Page{}, err
	}

	var next string
	if len(docs) > limit {
		next = docs[limit-1].ID.Hex()
		docs = docs[:limit]
	}

	records := make([]persistence.Record, len(docs))
	for i, doc := range docs {
		records[i] = persistence.Record{
			AgentID:     doc.AgentID,
			SequenceNum: doc.SequenceNum,
			Timestamp:   doc.Timestamp,
			EventType:   event.Kind(doc.EventType),
			Payload:     append([]byte(nil), doc.Payload...),
		}
	}
	return persistence.Page{Records: records, NextCursor: next}, nil
}
