package event

import (
	"fmt"
	"time"
)

// Transcript is the append-only, in-memory event log for a single agent run.
// It is the sole owner of sequence-number assignment; callers never set
// SequenceNum themselves. Transcript does not decide *what* to append — that
// is the agent loop's job — it only guarantees the invariants in §3: strict
// sequence monotonicity and call_id referential integrity.
type Transcript struct {
	events []Event
	// seenCallIDs tracks every ToolCall.CallID appended so far, so
	// FunctionCallOutput can be validated against it in O(1).
	seenCallIDs map[string]struct{}
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{seenCallIDs: make(map[string]struct{})}
}

// Append assigns the next sequence number to item and records it. It returns
// an error for a FunctionCallOutput whose CallID has no preceding ToolCall,
// rather than silently accepting it, since that is the invariant violation
// §7 calls out as a programming error to be raised, not swallowed.
func (t *Transcript) Append(item Item) (Event, error) {
	switch v := item.(type) {
	case ToolCall:
		if v.CallID == "" {
			return Event{}, fmt.Errorf("event: tool_call missing call_id")
		}
		if _, dup := t.seenCallIDs[v.CallID]; dup {
			return Event{}, fmt.Errorf("event: duplicate call_id %q", v.CallID)
		}
		t.seenCallIDs[v.CallID] = struct{}{}
	case FunctionCallOutput:
		if _, ok := t.seenCallIDs[v.CallID]; !ok {
			return Event{}, fmt.Errorf("event: function_call_output references unknown call_id %q", v.CallID)
		}
	}
	e := Event{
		SequenceNum: int64(len(t.events)),
		Timestamp:   time.Now().UTC(),
		Item:        item,
	}
	t.events = append(t.events, e)
	return e, nil
}

// Events returns the full ordered event slice. The returned slice must be
// treated as read-only by callers; Transcript owns the backing array.
func (t *Transcript) Events() []Event {
	return t.events
}

// Len returns the number of events appended so far.
func (t *Transcript) Len() int {
	return len(t.events)
}

// Truncate keeps the last keepTurns logical turns and drops every event
// before them (§4.5 step 1, §4.8). Turn boundaries are the ones
// turnBoundaries reports: index 0 and the index right after each
// AssistantText that is not the last event; a FunctionCallOutput never ends
// a turn. When there are no more than keepTurns turns, nothing changes.
//
// When it does cut, Reasoning items are dropped from the kept tail as well,
// so no reasoning item survives a truncation, in keeping with §3's
// invariant that reasoning MUST NOT be replayed across responses.
func (t *Transcript) Truncate(keepTurns int) {
	if keepTurns <= 0 || len(t.events) == 0 {
		return
	}
	boundaries := turnBoundaries(t.events)
	if len(boundaries) <= keepTurns {
		return
	}
	cut := boundaries[len(boundaries)-keepTurns]
	kept := make([]Event, 0, len(t.events)-cut)
	for _, e := range t.events[cut:] {
		if e.Item.Kind() == KindReasoning {
			continue
		}
		kept = append(kept, e)
	}
	t.events = kept
	t.seenCallIDs = make(map[string]struct{})
	for _, e := range t.events {
		if tc, ok := e.Item.(ToolCall); ok {
			t.seenCallIDs[tc.CallID] = struct{}{}
		}
	}
}

// turnBoundaries returns, for each logical turn, the index of its first
// event. A turn starts right after an AssistantText event (the terminal
// item of a sampling round with no pending tool calls) or at index 0.
func turnBoundaries(events []Event) []int {
	bounds := []int{0}
	for i, e := range events {
		if e.Item.Kind() == KindAssistantText && i+1 < len(events) {
			bounds = append(bounds, i+1)
		}
	}
	return bounds
}

// ValidateSequencing checks the monotonic sequence-number invariant from §3
// and §8: sequence_num is strictly increasing starting at 0. This is used by
// replay and property tests rather than by the hot append path (Append
// already guarantees it by construction).
func ValidateSequencing(events []Event) error {
	for i, e := range events {
		if e.SequenceNum != int64(i) {
			return fmt.Errorf("event: sequence_num at index %d is %d, want %d", i, e.SequenceNum, i)
		}
	}
	return nil
}
