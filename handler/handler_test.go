package handler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/handler"
)

func TestReduceAllNoActionYieldsNoAction(t *testing.T) {
	d := handler.Reduce([]handler.LoopDecision{{Kind: handler.NoAction}, {Kind: handler.NoAction}})
	assert.Equal(t, handler.NoAction, d.Kind)
}

func TestReduceAbortWins(t *testing.T) {
	d := handler.Reduce([]handler.LoopDecision{
		{Kind: handler.NoAction},
		{Kind: handler.Abort},
	})
	assert.Equal(t, handler.Abort, d.Kind)
}

func TestReduceInjectItemsConcatenatesPreservingOrder(t *testing.T) {
	d := handler.Reduce([]handler.LoopDecision{
		{Kind: handler.InjectItems, Items: []event.Item{event.SystemText{Text: "a"}}},
		{Kind: handler.NoAction},
		{Kind: handler.InjectItems, Items: []event.Item{event.SystemText{Text: "b"}}},
	})
	require.Equal(t, handler.InjectItems, d.Kind)
	require.Len(t, d.Items, 2)
	assert.Equal(t, event.SystemText{Text: "a"}, d.Items[0])
	assert.Equal(t, event.SystemText{Text: "b"}, d.Items[1])
}

func TestReduceCompactTakesMinimumKeep(t *testing.T) {
	d := handler.Reduce([]handler.LoopDecision{
		{Kind: handler.Compact, Keep: 5},
		{Kind: handler.Compact, Keep: 2},
		{Kind: handler.NoAction},
	})
	assert.Equal(t, handler.Compact, d.Kind)
	assert.Equal(t, 2, d.Keep)
}

func TestReduceAbortConflictingWithInjectItemsPanics(t *testing.T) {
	assert.Panics(t, func() {
		handler.Reduce([]handler.LoopDecision{
			{Kind: handler.Abort},
			{Kind: handler.InjectItems, Items: []event.Item{event.SystemText{Text: "x"}}},
		})
	})
}

func TestReminderHandlerEmitsSafetyReminderEveryTurn(t *testing.T) {
	h := handler.NewReminderHandler()
	h.AddReminder(handler.Reminder{ID: "r1", Text: "be careful", Priority: handler.TierSafety})

	d1 := h.OnBeforeSample(context.Background())
	require.Equal(t, handler.InjectItems, d1.Kind)
	require.Len(t, d1.Items, 1)

	d2 := h.OnBeforeSample(context.Background())
	require.Equal(t, handler.InjectItems, d2.Kind, "safety reminders are never suppressed by caps")
}

func TestReminderHandlerEnforcesMaxPerRun(t *testing.T) {
	h := handler.NewReminderHandler()
	h.AddReminder(handler.Reminder{ID: "r1", Text: "hint", Priority: handler.TierGuidance, MaxPerRun: 1})

	d1 := h.OnBeforeSample(context.Background())
	require.Equal(t, handler.InjectItems, d1.Kind)

	d2 := h.OnBeforeSample(context.Background())
	assert.Equal(t, handler.NoAction, d2.Kind)
}

func TestReminderHandlerEnforcesMinTurnsBetween(t *testing.T) {
	h := handler.NewReminderHandler()
	h.AddReminder(handler.Reminder{ID: "r1", Text: "hint", Priority: handler.TierGuidance, MinTurnsBetween: 2})

	require.Equal(t, handler.InjectItems, h.OnBeforeSample(context.Background()).Kind)
	assert.Equal(t, handler.NoAction, h.OnBeforeSample(context.Background()).Kind)
	assert.Equal(t, handler.InjectItems, h.OnBeforeSample(context.Background()).Kind)
}

func TestReminderHandlerOrdersByPriorityThenID(t *testing.T) {
	h := handler.NewReminderHandler()
	h.AddReminder(handler.Reminder{ID: "z", Text: "guidance", Priority: handler.TierGuidance})
	h.AddReminder(handler.Reminder{ID: "a", Text: "safety", Priority: handler.TierSafety})

	d := h.OnBeforeSample(context.Background())
	require.Equal(t, handler.InjectItems, d.Kind)
	require.Len(t, d.Items, 2)
	assert.Equal(t, event.SystemText{Text: "safety"}, d.Items[0])
	assert.Equal(t, event.SystemText{Text: "guidance"}, d.Items[1])
}

func TestNoOpHandlerHooksDoNotPanic(t *testing.T) {
	var h handler.BaseHandler
	h.OnUserText(event.UserText{Text: "hi"})
	h.OnAssistantText(event.AssistantText{Text: "hi"})
	h.OnToolCall(event.ToolCall{Name: "x", CallID: "1"})
	h.OnFunctionCallOutput(event.FunctionCallOutput{CallID: "1"})
}
