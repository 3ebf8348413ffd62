// Package event defines the append-only transcript event model shared by the
// agent loop, the persistence layer, and the UI projection. Events are
// encoded as a closed sum type: exactly one of the Item implementations is
// ever attached to an Event at a time, discriminated by Kind.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags the variant carried by an Event. Kind is a closed enum; the
// projection and replay logic switch on it exhaustively and treat an unknown
// kind as a decoding error rather than silently ignoring it.
type Kind string

const (
	KindSystemText         Kind = "system_text"
	KindUserText           Kind = "user_text"
	KindAssistantText      Kind = "assistant_text"
	KindToolCall           Kind = "tool_call"
	KindFunctionCallOutput Kind = "function_call_output"
	KindReasoning          Kind = "reasoning"
	KindAPIRequest         Kind = "api_request"
	KindResponse           Kind = "response"
)

type (
	// Item is the marker interface implemented by every event payload variant.
	// The unexported method prevents types outside this package from
	// satisfying Item by accident, keeping the sum type closed.
	Item interface {
		isItem()
		Kind() Kind
	}

	// SystemText carries static instructions, e.g. a system prompt fragment.
	SystemText struct {
		Text string `json:"text"`
	}

	// UserText carries human-provided input.
	UserText struct {
		Text string `json:"text"`
	}

	// AssistantText carries terminal text produced by a sampling step.
	AssistantText struct {
		Text string `json:"text"`
	}

	// ToolCall represents a requested tool invocation. CallID is unique
	// within the owning run's transcript.
	ToolCall struct {
		Name     string          `json:"name"`
		ArgsJSON json.RawMessage `json:"args_json"`
		CallID   string          `json:"call_id"`
	}

	// FunctionCallOutput is the result of a prior ToolCall. CallID MUST
	// reference an earlier ToolCall with the same CallID in the same run.
	FunctionCallOutput struct {
		CallID  string          `json:"call_id"`
		Result  json.RawMessage `json:"result"`
		IsError bool            `json:"is_error"`
	}

	// Reasoning is an opaque, provider-private thinking block tied to the
	// sampling response that produced it. It MUST NOT be replayed across a
	// different ResponseID than the one recorded here.
	Reasoning struct {
		ResponseID string          `json:"response_id"`
		Opaque     json.RawMessage `json:"opaque"`
	}

	// APIRequest captures an outgoing sampling request for audit/replay.
	APIRequest struct {
		Request     json.RawMessage `json:"request"`
		Model       string          `json:"model"`
		RequestID   string          `json:"request_id"`
		PhaseNumber int             `json:"phase_number"`
	}

	// Response carries completion metadata for a sampling round-trip.
	Response struct {
		ResponseID string    `json:"response_id"`
		RequestID  string    `json:"request_id"`
		Usage      Usage     `json:"usage"`
		Model      string    `json:"model"`
		CreatedAt  time.Time `json:"created_at"`
	}

	// Usage mirrors the token accounting a provider reports alongside a
	// completion.
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	}
)

func (SystemText) isItem()         {}
func (UserText) isItem()           {}
func (AssistantText) isItem()      {}
func (ToolCall) isItem()           {}
func (FunctionCallOutput) isItem() {}
func (Reasoning) isItem()          {}
func (APIRequest) isItem()         {}
func (Response) isItem()           {}

func (SystemText) Kind() Kind         { return KindSystemText }
func (UserText) Kind() Kind           { return KindUserText }
func (AssistantText) Kind() Kind      { return KindAssistantText }
func (ToolCall) Kind() Kind           { return KindToolCall }
func (FunctionCallOutput) Kind() Kind { return KindFunctionCallOutput }
func (Reasoning) Kind() Kind          { return KindReasoning }
func (APIRequest) Kind() Kind         { return KindAPIRequest }
func (Response) Kind() Kind           { return KindResponse }

// Event is a single append-only transcript entry. SequenceNum is assigned at
// append time by whoever owns monotonic sequencing for the run (the
// persistence layer, see package persistence) and is immutable thereafter.
type Event struct {
	SequenceNum int64     `json:"sequence_num"`
	Timestamp   time.Time `json:"timestamp"`
	Item        Item      `json:"item"`
}

// MarshalJSON encodes Event with an explicit "kind" discriminator alongside
// the item payload so the wire format is self-describing without relying on
// Go-specific reflection on the far end.
func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Item)
	if err != nil {
		return nil, fmt.Errorf("event: marshal item: %w", err)
	}
	return json.Marshal(struct {
		SequenceNum int64           `json:"sequence_num"`
		Timestamp   time.Time       `json:"timestamp"`
		Kind        Kind            `json:"kind"`
		Item        json.RawMessage `json:"item"`
	}{e.SequenceNum, e.Timestamp, e.Item.Kind(), payload})
}

// UnmarshalJSON decodes an Event, dispatching on the "kind" discriminator to
// the concrete Item implementation. An unrecognized kind is a decode error:
// the sum type is closed and silently dropping unknown variants would
// violate the replay invariant in §4.8 (fold(persist(events)) == fold(events)).
func (e *Event) UnmarshalJSON(data []byte) error {
	var env struct {
		SequenceNum int64           `json:"sequence_num"`
		Timestamp   time.Time       `json:"timestamp"`
		Kind        Kind            `json:"kind"`
		Item        json.RawMessage `json:"item"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("event: unmarshal envelope: %w", err)
	}
	item, err := decodeItem(env.Kind, env.Item)
	if err != nil {
		return err
	}
	e.SequenceNum = env.SequenceNum
	e.Timestamp = env.Timestamp
	e.Item = item
	return nil
}

func decodeItem(kind Kind, raw json.RawMessage) (Item, error) {
	switch kind {
	case KindSystemText:
		var v SystemText
		return v, json.Unmarshal(raw, &v)
	case KindUserText:
		var v UserText
		return v, json.Unmarshal(raw, &v)
	case KindAssistantText:
		var v AssistantText
		return v, json.Unmarshal(raw, &v)
	case KindToolCall:
		var v ToolCall
		return v, json.Unmarshal(raw, &v)
	case KindFunctionCallOutput:
		var v FunctionCallOutput
		return v, json.Unmarshal(raw, &v)
	case KindReasoning:
		var v Reasoning
		return v, json.Unmarshal(raw, &v)
	case KindAPIRequest:
		var v APIRequest
		return v, json.Unmarshal(raw, &v)
	case KindResponse:
		var v Response
		return v, json.Unmarshal(raw, &v)
	default:
		return nil, fmt.Errorf("event: unknown kind %q", kind)
	}
}
