package agentloop_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentydragon/coreagent/agentloop"
	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/gateway"
	"github.com/agentydragon/coreagent/handler"
	"github.com/agentydragon/coreagent/model"
	"github.com/agentydragon/coreagent/notify"
	"github.com/agentydragon/coreagent/toolprovider"
)

// scriptedClient replays a fixed sequence of responses, one per
// ResponsesCreate call, so tests can drive an exact multi-turn script.
type scriptedClient struct {
	responses []model.Response
	errs      []error
	calls     int
}

func (c *scriptedClient) ResponsesCreate(context.Context, model.Request) (model.Response, error) {
	i := c.calls
	c.calls++
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	if err != nil {
		return model.Response{}, err
	}
	return c.responses[i], nil
}

// echoProvider answers every tool call with the arguments it was given,
// after recording the call for dispatch-order assertions.
type echoProvider struct {
	tools []toolprovider.ToolSchema
	calls []string
}

func (p *echoProvider) ListTools(context.Context) ([]toolprovider.ToolSchema, error) {
	return p.tools, nil
}

func (p *echoProvider) CallTool(_ context.Context, name string, args json.RawMessage) (toolprovider.Result, error) {
	p.calls = append(p.calls, name)
	return toolprovider.Result{Structured: args}, nil
}

// denyingProvider always returns a reserved gateway error of a configured
// code, simulating a policy DENY outcome at the provider seam.
type denyingProvider struct {
	code gateway.ReservedCode
}

func (p *denyingProvider) ListTools(context.Context) ([]toolprovider.ToolSchema, error) {
	return []toolprovider.ToolSchema{{Name: "shell_run"}}, nil
}

func (p *denyingProvider) CallTool(context.Context, string, json.RawMessage) (toolprovider.Result, error) {
	return toolprovider.Result{}, &gateway.ReservedError{Code: p.code, Message: "denied", Stamp: true}
}

func assistantText(text string) model.Response {
	return model.Response{ID: "resp", Output: []event.Item{event.AssistantText{Text: text}}}
}

func TestRunEndsOnTerminalAssistantText(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{assistantText("done")}}
	provider := &echoProvider{}
	loop := agentloop.New("agent-1", agentloop.Config{
		Client:   client,
		Provider: provider,
	}, agentloop.ToolPolicy{}, []event.Item{event.UserText{Text: "hello"}})

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Aborted)
	assert.Equal(t, "done", result.Text)
	assert.Equal(t, 1, client.calls)
}

func TestRunExecutesToolCallsBeforeTerminating(t *testing.T) {
	toolCall := event.ToolCall{Name: "echo_run", ArgsJSON: json.RawMessage(`{"n":1}`), CallID: "call-1"}
	client := &scriptedClient{responses: []model.Response{
		{ID: "r1", Output: []event.Item{toolCall}},
		assistantText("done"),
	}}
	provider := &echoProvider{tools: []toolprovider.ToolSchema{{Name: "echo_run"}}}
	loop := agentloop.New("agent-1", agentloop.Config{
		Client:   client,
		Provider: provider,
	}, agentloop.ToolPolicy{}, []event.Item{event.UserText{Text: "hi"}})

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text)
	assert.Equal(t, []string{"echo_run"}, provider.calls)

	var sawOutput bool
	for _, ev := range loop.Transcript() {
		if out, ok := ev.Item.(event.FunctionCallOutput); ok {
			sawOutput = true
			assert.Equal(t, "call-1", out.CallID)
			assert.False(t, out.IsError)
		}
	}
	assert.True(t, sawOutput)
}

func TestParallelToolCallsPreserveDispatchOrderInTranscript(t *testing.T) {
	calls := []event.Item{
		event.ToolCall{Name: "echo_a", ArgsJSON: json.RawMessage(`1`), CallID: "a"},
		event.ToolCall{Name: "echo_b", ArgsJSON: json.RawMessage(`2`), CallID: "b"},
		event.ToolCall{Name: "echo_c", ArgsJSON: json.RawMessage(`3`), CallID: "c"},
	}
	client := &scriptedClient{responses: []model.Response{
		{ID: "r1", Output: calls},
		assistantText("done"),
	}}
	provider := &echoProvider{tools: []toolprovider.ToolSchema{{Name: "echo_a"}, {Name: "echo_b"}, {Name: "echo_c"}}}
	loop := agentloop.New("agent-1", agentloop.Config{
		Client:            client,
		Provider:          provider,
		ParallelToolCalls: true,
	}, agentloop.ToolPolicy{}, []event.Item{event.UserText{Text: "go"}})

	_, err := loop.Run(context.Background())
	require.NoError(t, err)

	var callIDs []string
	for _, ev := range loop.Transcript() {
		if out, ok := ev.Item.(event.FunctionCallOutput); ok {
			callIDs = append(callIDs, out.CallID)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, callIDs)
}

func TestResponseWithTextAndToolCallIsNotTerminalUntilNextTurn(t *testing.T) {
	toolCall := event.ToolCall{Name: "echo_run", ArgsJSON: json.RawMessage(`{}`), CallID: "call-1"}
	client := &scriptedClient{responses: []model.Response{
		{ID: "r1", Output: []event.Item{event.AssistantText{Text: "thinking out loud"}, toolCall}},
		assistantText("done"),
	}}
	provider := &echoProvider{tools: []toolprovider.ToolSchema{{Name: "echo_run"}}}
	loop := agentloop.New("agent-1", agentloop.Config{
		Client:   client,
		Provider: provider,
	}, agentloop.ToolPolicy{}, []event.Item{event.UserText{Text: "hi"}})

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text, "the deferred first-turn text must not be returned as the result")
	assert.Equal(t, []string{"echo_run"}, provider.calls)
	assert.Equal(t, 2, client.calls, "a fresh sampling turn must follow tool execution before terminating")
}

// abortHandler requests Abort on the very first OnBeforeSample call.
type abortHandler struct{ handler.BaseHandler }

func (abortHandler) OnBeforeSample(context.Context) handler.LoopDecision {
	return handler.LoopDecision{Kind: handler.Abort}
}

func TestHandlerAbortEndsRunBeforeSampling(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{assistantText("never reached")}}
	provider := &echoProvider{}
	loop := agentloop.New("agent-1", agentloop.Config{
		Client:   client,
		Provider: provider,
		Handlers: []handler.Handler{abortHandler{}},
	}, agentloop.ToolPolicy{}, []event.Item{event.UserText{Text: "hi"}})

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, 0, client.calls)
}

func TestPolicyDeniedAbortEndsRunAfterPersistingOutput(t *testing.T) {
	toolCall := event.ToolCall{Name: "shell_run", ArgsJSON: json.RawMessage(`{}`), CallID: "call-1"}
	client := &scriptedClient{responses: []model.Response{
		{ID: "r1", Output: []event.Item{toolCall}},
	}}
	provider := &denyingProvider{code: gateway.CodePolicyDeniedAbort}
	loop := agentloop.New("agent-1", agentloop.Config{
		Client:   client,
		Provider: provider,
	}, agentloop.ToolPolicy{}, []event.Item{event.UserText{Text: "run it"}})

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Aborted)

	var sawErrorOutput bool
	for _, ev := range loop.Transcript() {
		if out, ok := ev.Item.(event.FunctionCallOutput); ok && out.CallID == "call-1" {
			sawErrorOutput = true
			assert.True(t, out.IsError)
		}
	}
	assert.True(t, sawErrorOutput)
}

func TestPolicyDeniedContinueDoesNotAbortTheRun(t *testing.T) {
	toolCall := event.ToolCall{Name: "shell_run", ArgsJSON: json.RawMessage(`{}`), CallID: "call-1"}
	client := &scriptedClient{responses: []model.Response{
		{ID: "r1", Output: []event.Item{toolCall}},
		assistantText("recovered"),
	}}
	provider := &denyingProvider{code: gateway.CodePolicyDeniedContinue}
	loop := agentloop.New("agent-1", agentloop.Config{
		Client:   client,
		Provider: provider,
	}, agentloop.ToolPolicy{}, []event.Item{event.UserText{Text: "run it"}})

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Aborted)
	assert.Equal(t, "recovered", result.Text)
}

func TestNotificationInjectedOnFollowingTurnNotSameTurn(t *testing.T) {
	toolCall := event.ToolCall{Name: "echo_run", ArgsJSON: json.RawMessage(`{}`), CallID: "call-1"}
	client := &scriptedClient{responses: []model.Response{
		{ID: "r1", Output: []event.Item{toolCall}},
		assistantText("done"),
	}}
	provider := &echoProvider{tools: []toolprovider.ToolSchema{{Name: "echo_run"}}}
	buf := notify.New()
	buf.ListChanged("docs")

	loop := agentloop.New("agent-1", agentloop.Config{
		Client:        client,
		Provider:      provider,
		Notifications: buf,
	}, agentloop.ToolPolicy{}, []event.Item{event.UserText{Text: "go"}})

	_, err := loop.Run(context.Background())
	require.NoError(t, err)

	transcript := loop.Transcript()
	var toolOutputIdx, noticeIdx = -1, -1
	for i, ev := range transcript {
		switch v := ev.Item.(type) {
		case event.FunctionCallOutput:
			toolOutputIdx = i
		case event.UserText:
			if v.Text != "go" {
				noticeIdx = i
			}
		}
	}
	require.NotEqual(t, -1, toolOutputIdx, "expected a function_call_output in the transcript")
	require.NotEqual(t, -1, noticeIdx, "expected a notification user_text in the transcript")
	assert.Greater(t, noticeIdx, toolOutputIdx)
}

// compactingHandler requests a Compact on its first call only, keeping the
// last turn.
type compactingHandler struct {
	handler.BaseHandler
	requested bool
}

func (h *compactingHandler) OnBeforeSample(context.Context) handler.LoopDecision {
	if h.requested {
		return handler.LoopDecision{Kind: handler.NoAction}
	}
	h.requested = true
	return handler.LoopDecision{Kind: handler.Compact, Keep: 1}
}

func TestCompactTruncatesTranscriptToLastKeptTurns(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{assistantText("done")}}
	provider := &echoProvider{}
	h := &compactingHandler{}
	loop := agentloop.New("agent-1", agentloop.Config{
		Client:   client,
		Provider: provider,
		Handlers: []handler.Handler{h},
	}, agentloop.ToolPolicy{}, []event.Item{
		event.UserText{Text: "turn one"},
		event.AssistantText{Text: "reply one"},
		event.UserText{Text: "turn two"},
		event.AssistantText{Text: "reply two"},
	})

	_, err := loop.Run(context.Background())
	require.NoError(t, err)

	for _, ev := range loop.Transcript() {
		if ut, ok := ev.Item.(event.UserText); ok {
			assert.NotEqual(t, "turn one", ut.Text)
		}
	}
}

func TestContextLengthExceededWithoutCompactingHandlerIsAnError(t *testing.T) {
	client := &scriptedClient{errs: []error{model.ErrContextLengthExceeded}}
	provider := &echoProvider{}
	loop := agentloop.New("agent-1", agentloop.Config{
		Client:   client,
		Provider: provider,
	}, agentloop.ToolPolicy{}, []event.Item{event.UserText{Text: "hi"}})

	_, err := loop.Run(context.Background())
	assert.ErrorIs(t, err, agentloop.ErrNoHandlerForContextLength)
}

// compactingContextLengthHandler implements ContextLengthAware, requesting
// a Compact the one time sampling reports an oversized context.
type compactingContextLengthHandler struct{ handler.BaseHandler }

func (compactingContextLengthHandler) OnBeforeSample(context.Context) handler.LoopDecision {
	return handler.LoopDecision{Kind: handler.NoAction}
}

func (compactingContextLengthHandler) OnContextLengthExceeded(context.Context) handler.LoopDecision {
	return handler.LoopDecision{Kind: handler.Compact, Keep: 1}
}

func TestContextLengthExceededRecoversViaContextLengthAwareHandler(t *testing.T) {
	client := &scriptedClient{
		errs:      []error{model.ErrContextLengthExceeded, nil},
		responses: []model.Response{{}, assistantText("done")},
	}
	provider := &echoProvider{}
	loop := agentloop.New("agent-1", agentloop.Config{
		Client:   client,
		Provider: provider,
		Handlers: []handler.Handler{compactingContextLengthHandler{}},
	}, agentloop.ToolPolicy{}, []event.Item{event.UserText{Text: "hi"}})

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text)
}

// recordingHandler counts each On* hook invocation to confirm the loop
// actually dispatches appended items to handlers.
type recordingHandler struct {
	handler.BaseHandler
	userTexts      int
	assistantTexts int
}

func (h *recordingHandler) OnUserText(event.UserText)           { h.userTexts++ }
func (h *recordingHandler) OnAssistantText(event.AssistantText) { h.assistantTexts++ }
func (h *recordingHandler) OnBeforeSample(context.Context) handler.LoopDecision {
	return handler.LoopDecision{Kind: handler.NoAction}
}

func TestHandlersObserveAppendedTranscriptItems(t *testing.T) {
	client := &scriptedClient{responses: []model.Response{assistantText("done")}}
	provider := &echoProvider{}
	rec := &recordingHandler{}
	loop := agentloop.New("agent-1", agentloop.Config{
		Client:   client,
		Provider: provider,
		Handlers: []handler.Handler{rec},
	}, agentloop.ToolPolicy{}, []event.Item{event.UserText{Text: "hi"}})

	_, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.userTexts)
	assert.Equal(t, 1, rec.assistantTexts)
}
