// Package persistence provides the durable, append-only event log backing
// an agent run: the canonical source of truth for replay and UI projection
// (§4.8). Writes are synchronous from the caller's point of view — a
// Store.Append call that returns nil has durably recorded the event — but
// the runtime issues them off the hot path of the agent loop and drains
// in-flight writes before reporting a clean shutdown.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentydragon/coreagent/event"
)

type (
	// Record is the storable form of an event.Event: the item payload is
	// serialized to JSON alongside the agent identity and a store-assigned
	// or caller-assigned sequence number. The (AgentID, SequenceNum) pair is
	// unique within a store.
	Record struct {
		AgentID     string          `json:"agent_id"`
		SequenceNum int64           `json:"sequence_num"`
		Timestamp   time.Time       `json:"timestamp"`
		EventType   event.Kind      `json:"event_type"`
		Payload     json.RawMessage `json:"payload"`
	}

	// Page is a forward page of records for one agent's log.
	Page struct {
		// Records are ordered oldest-first.
		Records []Record
		// NextCursor fetches the next page; empty when exhausted.
		NextCursor string
	}

	// Store is an append-only event log keyed by agent ID.
	//
	// Implementations own sequence-number assignment and must provide
	// stable, total ordering within an agent's log. Cursor values are
	// store-owned and opaque to callers.
	Store interface {
		// Append persists ev under agentID, assigning the next sequence
		// number for that agent's log. Append must be durable: a nil
		// return means the event is recorded.
		Append(ctx context.Context, agentID string, ev event.Event) (Record, error)

		// List returns the next forward page of records for agentID.
		// cursor is an opaque value from a previous List call, or empty to
		// start from the beginning. limit must be > 0.
		List(ctx context.Context, agentID, cursor string, limit int) (Page, error)
	}
)

// ErrAgentIDRequired is returned by Store implementations when agentID is
// empty.
var ErrAgentIDRequired = errors.New("persistence: agent_id is required")

// ToRecord encodes ev as a Record under agentID, without assigning a
// sequence number (callers needing one use a Store.Append, which owns
// sequencing).
func ToRecord(agentID string, ev event.Event) (Record, error) {
	payload, err := json.Marshal(ev.Item)
	if err != nil {
		return Record{}, err
	}
	return Record{
		AgentID:     agentID,
		SequenceNum: ev.SequenceNum,
		Timestamp:   ev.Timestamp,
		EventType:   ev.Item.Kind(),
		Payload:     payload,
	}, nil
}

// LoadEvents reads every record for agentID from store, paging until
// exhausted, and decodes them back into the event.Event form the agent loop
// and projection consume. This implements §4.8's load_events(agent_id).
func LoadEvents(ctx context.Context, store Store, agentID string) ([]event.Event, error) {
	var events []event.Event
	cursor := ""
	for {
		page, err := store.List(ctx, agentID, cursor, 256)
		if err != nil {
			return nil, err
		}
		for _, rec := range page.Records {
			ev, err := decodeEvent(rec)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		if page.NextCursor == "" {
			return events, nil
		}
		cursor = page.NextCursor
	}
}

// decodeEvent rebuilds an event.Event from a Record by re-wrapping the
// stored item payload in the envelope shape event.Event's UnmarshalJSON
// expects, since the sum-type discrimination logic lives there and
// shouldn't be duplicated here.
func decodeEvent(rec Record) (event.Event, error) {
	wire, err := json.Marshal(struct {
		SequenceNum int64           `json:"sequence_num"`
		Timestamp   time.Time       `json:"timestamp"`
		Kind        event.Kind      `json:"kind"`
		Item        json.RawMessage `json:"item"`
	}{rec.SequenceNum, rec.Timestamp, rec.EventType, rec.Payload})
	if err != nil {
		return event.Event{}, err
	}
	var ev event.Event
	if err := json.Unmarshal(wire, &ev); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}
