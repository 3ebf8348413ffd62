// Package redislog implements persistence.Store on top of a Redis stream
// per agent: XADD supplies durable append-with-monotonic-id semantics for
// free, and XRANGE gives cheap forward cursor pagination keyed by stream ID.
package redislog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/persistence"
)

const fieldRecord = "record"

// Store persists agent event logs as Redis streams.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// Options configures the Redis-backed store.
type Options struct {
	// Client is the Redis client used for all stream operations.
	Client *redis.Client
	// KeyPrefix namespaces stream keys; defaults to "coreagent:runlog:".
	KeyPrefix string
}

// New builds a Redis-backed persistence.Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redislog: redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "coreagent:runlog:"
	}
	return &Store{rdb: opts.Client, prefix: prefix}, nil
}

func (s *Store) streamKey(agentID string) string {
	return s.prefix + agentID
}

// Append implements persistence.Store. Sequencing uses Redis's own stream
// entry IDs rather than the SequenceNum field already on ev: the event's
// position in the stream is what XRANGE paginates by, so the stored record
// carries the monotonic count of entries preceding it, derived from XLEN at
// append time under no external synchronization other than the stream's own
// atomicity.
func (s *Store) Append(ctx context.Context, agentID string, ev event.Event) (persistence.Record, error) {
	if agentID == "" {
		return persistence.Record{}, persistence.ErrAgentIDRequired
	}

	key := s.streamKey(agentID)
	seq, err := s.rdb.XLen(ctx, key).Result()
	if err != nil {
		return persistence.Record{}, fmt.Errorf("redislog: xlen: %w", err)
	}
	ev.SequenceNum = seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	rec, err := persistence.ToRecord(agentID, ev)
	if err != nil {
		return persistence.Record{}, err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return persistence.Record{}, fmt.Errorf("redislog: encoding record: %w", err)
	}

	if _, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{fieldRecord: body},
	}).Result(); err != nil {
		return persistence.Record{}, fmt.Errorf("redislog: xadd: %w", err)
	}
	return rec, nil
}

// List implements persistence.Store. The cursor is an opaque Redis stream
// entry ID; callers pass back what a previous List returned as NextCursor.
func (s *Store) List(ctx context.Context, agentID, cursor string, limit int) (persistence.Page, error) {
	if agentID == "" {
		return persistence.Page{}, persistence.ErrAgentIDRequired
	}
	if limit <= 0 {
		return persistence.Page{}, errors.New("redislog: limit must be > 0")
	}

	start := "-"
	if cursor != "" {
		start = "(" + cursor
	}

	msgs, err := s.rdb.XRangeN(ctx, s.streamKey(agentID), start, "+", int64(limit)+1).Result()
	if err != nil {
		return persistence.Page{}, fmt.Errorf("redislog: xrange: %w", err)
	}

	var records []persistence.Record
	for _, m := range msgs {
		raw, ok := m.Values[fieldRecord].(string)
		if !ok {
			return persistence.Page{}, fmt.Errorf("redislog: stream entry %s missing %q field", m.ID, fieldRecord)
		}
		var rec persistence.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return persistence.Page{}, fmt.Errorf("redislog: decoding record: %w", err)
		}
		records = append(records, rec)
	}

	var next string
	entryIDs := make([]string, len(msgs))
	for i, m := range msgs {
		entryIDs[i] = m.ID
	}
	if len(records) > limit {
		records = records[:limit]
		next = entryIDs[limit-1]
	}
	return persistence.Page{Records: records, NextCursor: next}, nil
}
