// Package projection folds the append-only event log into the UI state a
// front end renders: an ordered list of UserMessage/AssistantMarkdown/Tool/
// EndTurn items, computed purely from the events — no side channel, no
// mutable intermediate state that isn't rebuilt from the log (§4.8).
package projection

import (
	"encoding/json"
	"fmt"

	"github.com/agentydragon/coreagent/event"
)

const (
	// toolEndTurn and toolSendMessage are the two reserved tool names the
	// fold special-cases: they carry UI-facing intent rather than being
	// ordinary tool invocations, so they never surface as a Tool item.
	toolEndTurn     = "ui.end_turn"
	toolSendMessage = "ui.send_message"
)

type (
	// ItemKind tags the variant carried by an Item.
	ItemKind int

	// Item is one entry in the folded UI projection.
	Item struct {
		Kind ItemKind

		// Text holds the message body for UserMessage and AssistantMarkdown.
		Text string

		// Name and CallID identify a Tool item's invocation.
		Name   string
		CallID string
		// Result is the tool's function_call_output payload, attached once
		// the matching output arrives; nil until then.
		Result json.RawMessage
		// IsError mirrors the attached output's error flag.
		IsError bool
	}
)

const (
	KindUserMessage ItemKind = iota
	KindAssistantMarkdown
	KindTool
	KindEndTurn
)

// sendMessagePayload is the structured payload a ui.send_message tool call's
// function_call_output carries: {"mime": "...", "content": "..."}. Only the
// content is projected; mime is left for a richer renderer to use later.
type sendMessagePayload struct {
	Content string `json:"content"`
}

// Fold computes the UI projection from an ordered event slice. Fold is pure:
// given the same events it always returns the same projection, which is
// exactly what the replay-equality property in §8 requires
// (fold(persist(events)) == fold(events)).
func Fold(events []event.Event) ([]Item, error) {
	var (
		items     []Item
		toolIndex = map[string]int{} // call_id -> index into items, for non-UI tool_calls
		pendingUI = map[string]string{}
	)

	for _, ev := range events {
		switch v := ev.Item.(type) {
		case event.SystemText:
			// ignored for UI.
		case event.UserText:
			items = append(items, Item{Kind: KindUserMessage, Text: v.Text})
		case event.AssistantText:
			items = append(items, Item{Kind: KindAssistantMarkdown, Text: v.Text})
		case event.ToolCall:
			switch v.Name {
			case toolEndTurn, toolSendMessage:
				pendingUI[v.CallID] = v.Name
			default:
				toolIndex[v.CallID] = len(items)
				items = append(items, Item{Kind: KindTool, Name: v.Name, CallID: v.CallID})
			}
		case event.FunctionCallOutput:
			if name, ok := pendingUI[v.CallID]; ok {
				delete(pendingUI, v.CallID)
				switch name {
				case toolEndTurn:
					items = append(items, Item{Kind: KindEndTurn})
				case toolSendMessage:
					var payload sendMessagePayload
					if err := json.Unmarshal(v.Result, &payload); err != nil {
						return nil, fmt.Errorf("projection: decoding ui.send_message payload: %w", err)
					}
					items = append(items, Item{Kind: KindAssistantMarkdown, Text: payload.Content})
				}
				continue
			}
			idx, ok := toolIndex[v.CallID]
			if !ok {
				return nil, fmt.Errorf("projection: function_call_output for unknown call_id %q", v.CallID)
			}
			items[idx].Result = v.Result
			items[idx].IsError = v.IsError
		case event.Reasoning, event.APIRequest, event.Response:
			// not projected to UI.
		default:
			return nil, fmt.Errorf("projection: unsupported item kind %q", v.Kind())
		}
	}
	return items, nil
}
