// Package handler implements the reducer/handler composition from §4.6: an
// ordered list of Handlers, each contributing a LoopDecision on every
// before-sample check, folded by a pure Reduce function into the single
// decision the agent loop acts on.
package handler

import (
	"context"
	"fmt"

	"github.com/agentydragon/coreagent/event"
)

type (
	// DecisionKind discriminates the LoopDecision sum type.
	DecisionKind int

	// LoopDecision is the result a Handler contributes to the reducer. Only
	// the field matching Kind is meaningful.
	LoopDecision struct {
		Kind DecisionKind
		// Items populates InjectItems.
		Items []event.Item
		// Keep populates Compact: truncate to the last Keep logical turns.
		Keep int
	}

	// Handler observes transcript events and, once per iteration, proposes a
	// LoopDecision via OnBeforeSample. Handlers may carry their own run-scoped
	// state (the reducer itself is stateless); the On* hooks let a handler
	// watch specific event kinds without inspecting the whole transcript.
	Handler interface {
		OnUserText(item event.UserText)
		OnAssistantText(item event.AssistantText)
		OnToolCall(item event.ToolCall)
		OnFunctionCallOutput(item event.FunctionCallOutput)
		OnBeforeSample(ctx context.Context) LoopDecision
	}

	// BaseHandler provides no-op On* hooks so concrete handlers need only
	// override the events they care about, the way the teacher's reminder
	// engine only reacts to run-scoped state rather than every event kind.
	BaseHandler struct{}
)

const (
	NoAction DecisionKind = iota
	InjectItems
	Abort
	Compact
)

func (BaseHandler) OnUserText(event.UserText)                     {}
func (BaseHandler) OnAssistantText(event.AssistantText)           {}
func (BaseHandler) OnToolCall(event.ToolCall)                     {}
func (BaseHandler) OnFunctionCallOutput(event.FunctionCallOutput) {}

// Reduce folds the decisions of an ordered handler list per §4.6's rules:
// Abort wins over everything; Abort conflicting with a non-trivial
// continue-like decision (InjectItems, Compact) is a programming error and
// panics; multiple InjectItems concatenate preserving handler order; Compact
// takes the minimum requested keep; all-NoAction yields NoAction.
func Reduce(decisions []LoopDecision) LoopDecision {
	var (
		sawAbort    bool
		items       []event.Item
		sawCompact  bool
		minKeep     int
	)

	for _, d := range decisions {
		switch d.Kind {
		case NoAction:
			// contributes nothing
		case Abort:
			sawAbort = true
		case InjectItems:
			items = append(items, d.Items...)
		case Compact:
			if !sawCompact || d.Keep < minKeep {
				minKeep = d.Keep
			}
			sawCompact = true
		default:
			panic(fmt.Sprintf("handler: unknown decision kind %d", d.Kind))
		}
	}

	if sawAbort {
		if len(items) > 0 || sawCompact {
			panic("handler: conflicting Abort and InjectItems/Compact decisions from handlers")
		}
		return LoopDecision{Kind: Abort}
	}
	if len(items) > 0 {
		return LoopDecision{Kind: InjectItems, Items: items}
	}
	if sawCompact {
		return LoopDecision{Kind: Compact, Keep: minKeep}
	}
	return LoopDecision{Kind: NoAction}
}
