// Package inmem provides an in-memory implementation of persistence.Store.
//
// It is intended for tests and local development. It is not durable and
// should not be used in production.
package inmem

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/persistence"
)

var errLimit = errors.New("persistence: limit must be > 0")

// Store implements persistence.Store in memory.
type Store struct {
	mu      sync.Mutex
	nextSeq map[string]int64
	records map[string][]persistence.Record
}

// New returns a new in-memory persistence store.
func New() *Store {
	return &Store{
		nextSeq: make(map[string]int64),
		records: make(map[string][]persistence.Record),
	}
}

// Append implements persistence.Store.
func (s *Store) Append(_ context.Context, agentID string, ev event.Event) (persistence.Record, error) {
	if agentID == "" {
		return persistence.Record{}, persistence.ErrAgentIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq[agentID]
	s.nextSeq[agentID] = seq + 1
	ev.SequenceNum = seq

	rec, err := persistence.ToRecord(agentID, ev)
	if err != nil {
		return persistence.Record{}, err
	}
	s.records[agentID] = append(s.records[agentID], rec)
	return rec, nil
}

// List implements persistence.Store.
func (s *Store) List(_ context.Context, agentID, cursor string, limit int) (persistence.Page, error) {
	if agentID == "" {
		return persistence.Page{}, persistence.ErrAgentIDRequired
	}
	if limit <= 0 {
		return persistence.Page{}, errLimit
	}

	var after int64 = -1
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return persistence.Page{}, err
		}
		after = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.records[agentID]
	start := 0
	for start < len(all) && all[start].SequenceNum <= after {
		start++
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	page := append([]persistence.Record(nil), all[start:end]...)
	var next string
	if end < len(all) {
		next = strconv.FormatInt(page[len(page)-1].SequenceNum, 10)
	}
	return persistence.Page{Records: page, NextCursor: next}, nil
}
