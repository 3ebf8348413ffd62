// Package model defines the provider-agnostic sampling contract from §6's
// model provider contract: build a request from transcript items and a tool
// policy, get back a response id, the produced items, and usage. Streaming
// token-level output is explicitly out of scope (see Non-goals), so Client
// exposes a single non-streaming call.
package model

import (
	"context"
	"errors"

	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/toolprovider"
)

type (
	// ToolChoiceMode selects how the model may use tools for one request.
	ToolChoiceMode int

	// ToolChoice is the provider-agnostic form of tool_policy translated for
	// a single sampling call; RequireSpecific{names} becomes OneOf here,
	// intersected by the caller with the model-exposed tool set per §4.5.
	ToolChoice struct {
		Mode  ToolChoiceMode
		Names []string // populated only when Mode == ToolChoiceOneOf
	}

	// Request is the provider-agnostic form of responses_create's input.
	Request struct {
		Input            []event.Item
		Tools            []toolprovider.ToolSchema
		ToolChoice       ToolChoice
		Model            string
		ReasoningEffort  string
		ReasoningSummary bool
	}

	// Response is the provider-agnostic form of responses_create's output.
	// Output items are restricted to AssistantText, ToolCall, and Reasoning
	// per §6; callers must not rely on other event.Item kinds appearing here.
	Response struct {
		ID     string
		Output []event.Item
		Usage  event.Usage
	}

	// Client is the provider-agnostic model client consumed by the agent
	// loop. Implementations translate Request into a concrete provider call
	// and adapt the provider's reply back into Response.
	Client interface {
		ResponsesCreate(ctx context.Context, req Request) (Response, error)
	}
)

const (
	ToolChoiceAllowAny ToolChoiceMode = iota
	ToolChoiceRequired
	ToolChoiceForbidden
	ToolChoiceOneOf
)

// ErrRateLimited signals a provider-reported rate limit, distinguished from
// other transport errors so middleware (and the loop's retry policy) can
// react to it specifically, per §7's transport/transient error kind.
var ErrRateLimited = errors.New("model: rate limited")

// ErrContextLengthExceeded signals that the request exceeded the provider's
// context window, translated from a provider-specific signal into this
// single typed error so handlers can respond with Compact, per §7.
var ErrContextLengthExceeded = errors.New("model: context length exceeded")

// IntersectToolNames computes the RequireSpecific{names} translation from
// §4.5: the intersection of the model-exposed tool set with the requested
// subset, preserving the exposed set's order.
func IntersectToolNames(exposed []toolprovider.ToolSchema, requested []string) []string {
	want := make(map[string]struct{}, len(requested))
	for _, n := range requested {
		want[n] = struct{}{}
	}
	var out []string
	for _, t := range exposed {
		if _, ok := want[t.Name]; ok {
			out = append(out, t.Name)
		}
	}
	return out
}
