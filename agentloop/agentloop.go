// Package agentloop implements the per-iteration algorithm from §4.5: a
// reducer pass over handlers, a sample-or-skip decision, parallel tool-call
// dispatch that preserves dispatch order in the transcript regardless of
// completion order, and repeat until a terminal assistant_text or an
// explicit Abort. This is the orchestration kernel the rest of the runtime
// (compositor, gateway, notifications buffer, persistence, projection) is
// built to serve.
package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/gateway"
	"github.com/agentydragon/coreagent/handler"
	"github.com/agentydragon/coreagent/model"
	"github.com/agentydragon/coreagent/notify"
	"github.com/agentydragon/coreagent/telemetry"
	"github.com/agentydragon/coreagent/toolerr"
	"github.com/agentydragon/coreagent/toolprovider"
)

type (
	// ToolPolicyMode selects how a run constrains the model's tool use for
	// one run, translated per-sample into a model.ToolChoice.
	ToolPolicyMode int

	// ToolPolicy is the run-level tool constraint from §4.5's per-run
	// state. RequireSpecific's Names are intersected with the
	// model-exposed tool set at sample time via model.IntersectToolNames.
	ToolPolicy struct {
		Mode  ToolPolicyMode
		Names []string
	}

	// Persister receives each appended event for asynchronous, durable
	// recording. Implementations (e.g. runtime/infra.Infrastructure) must
	// not block the caller beyond the cost of scheduling the write, per
	// §4.8: "writes do not block the loop beyond the cost of a local
	// append."
	Persister interface {
		RecordEvent(ctx context.Context, ev event.Event)
	}

	// ContextLengthAware is an optional interface a Handler may implement
	// to react to a context-length-exceeded sampling failure (§7) by
	// proposing a Compact. The base Handler hooks in package handler have
	// no such event — a provider-level sampling failure isn't one of the
	// transcript events handlers observe — so this is an additive,
	// optional extension point rather than a change to the Handler
	// interface itself.
	ContextLengthAware interface {
		OnContextLengthExceeded(ctx context.Context) handler.LoopDecision
	}

	// Config assembles the per-run collaborators described in §4.5's
	// "state per run": a model client, the tool surface the loop invokes
	// through (the compositor and gateway compose transparently behind
	// this one toolprovider.Provider seam), handlers, and the ambient
	// concerns (notifications, persistence, telemetry).
	Config struct {
		Client            model.Client
		Provider          toolprovider.Provider
		Handlers          []handler.Handler
		Notifications     *notify.Buffer
		Persister         Persister
		ParallelToolCalls bool
		MaxParallelCalls  int
		Model             string
		ReasoningEffort   string
		ReasoningSummary  bool
		// ApprovalTimeout bounds how long one tool invocation may block on
		// an ASK decision, per SPEC_FULL.md §9's Policy-ASK-timeout
		// resolution: the gateway itself is unbounded, so the loop applies
		// this deadline around CallTool when configured (zero disables it).
		ApprovalTimeout time.Duration
		Logger          telemetry.Logger
		Metrics         telemetry.Metrics
		Tracer          telemetry.Tracer
	}

	// Loop drives one agent run: transcript, pending tool-call queue,
	// tool policy, and the handlers observing them, per §4.5's "state per
	// run."
	Loop struct {
		cfg        Config
		agentID    string
		transcript []event.Event
		pending    []event.ToolCall
		toolPolicy ToolPolicy
		seq        int64

		pendingNotice string
	}

	// Result is the outcome of a completed run: either a terminal
	// assistant_text (Aborted == false) or an explicit Abort.
	Result struct {
		Text    string
		Aborted bool
	}
)

const (
	ToolPolicyAllowAnyToolOrText ToolPolicyMode = iota
	ToolPolicyRequireAnyTool
	ToolPolicyForbidAllTools
	ToolPolicyRequireSpecific
)

// ErrNoHandlerForContextLength is returned when sampling fails with
// model.ErrContextLengthExceeded and no configured handler implements
// ContextLengthAware to respond with a Compact decision.
var ErrNoHandlerForContextLength = errors.New("agentloop: context length exceeded and no handler requested compaction")

// New constructs a Loop seeded with the given initial transcript items
// (typically a system_text instruction followed by a user_text request).
func New(agentID string, cfg Config, toolPolicy ToolPolicy, seed []event.Item) *Loop {
	l := &Loop{cfg: cfg, agentID: agentID, toolPolicy: toolPolicy}
	for _, item := range seed {
		l.appendItem(context.Background(), item)
	}
	return l
}

// Transcript returns a copy of the run's event log so far.
func (l *Loop) Transcript() []event.Event {
	out := make([]event.Event, len(l.transcript))
	copy(out, l.transcript)
	return out
}

// Run drives the per-iteration algorithm (§4.5) until the run produces a
// terminal assistant_text or an explicit Abort.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	for {
		res, done, err := l.step(ctx)
		if err != nil {
			return Result{}, err
		}
		if done {
			return res, nil
		}
	}
}

// step executes one pass of §4.5's numbered algorithm and reports whether
// the run is finished.
func (l *Loop) step(ctx context.Context) (Result, bool, error) {
	if l.pendingNotice != "" {
		notice := l.pendingNotice
		l.pendingNotice = ""
		l.appendItem(ctx, event.UserText{Text: notice})
	}

	decision := handler.Reduce(l.collectDecisions(ctx))
	switch decision.Kind {
	case handler.Abort:
		return Result{Aborted: true}, true, nil
	case handler.Compact:
		l.compact(decision.Keep)
	case handler.InjectItems:
		for _, item := range decision.Items {
			l.appendItem(ctx, item)
			if call, ok := item.(event.ToolCall); ok {
				l.pending = append(l.pending, call)
			}
		}
		if err := l.executePending(ctx); err != nil {
			return Result{}, false, err
		}
		return Result{}, false, nil
	}

	text, sawText, err := l.sample(ctx)
	if err != nil {
		return Result{}, false, err
	}
	// §4.5 step 3's tie-break: a response carrying both assistant_text and
	// tool calls is not terminal. The tool calls run first, and the text is
	// deferred — the next iteration's reducer pass sees a cleared queue and
	// a fresh sampling turn decides whether to actually terminate.
	if sawText && len(l.pending) == 0 {
		return Result{Text: text}, true, nil
	}
	if err := l.executePending(ctx); err != nil {
		return Result{}, false, err
	}
	return Result{}, false, nil
}

// inputItems strips the transcript down to the bare Item sequence
// model.Request.Input expects, dropping the sequencing/timestamp envelope
// that's only meaningful to persistence and replay.
func (l *Loop) inputItems() []event.Item {
	items := make([]event.Item, len(l.transcript))
	for i, ev := range l.transcript {
		items[i] = ev.Item
	}
	return items
}

func (l *Loop) collectDecisions(ctx context.Context) []handler.LoopDecision {
	decisions := make([]handler.LoopDecision, len(l.cfg.Handlers))
	for i, h := range l.cfg.Handlers {
		decisions[i] = h.OnBeforeSample(ctx)
	}
	return decisions
}

// sample performs step 3 of §4.5: build a request from the transcript and
// tool policy, append the api_request/response bookkeeping events, and
// append every produced item. Returns the terminal assistant text (if any)
// and whether one was produced.
func (l *Loop) sample(ctx context.Context) (string, bool, error) {
	tools, err := l.cfg.Provider.ListTools(ctx)
	if err != nil {
		return "", false, fmt.Errorf("agentloop: listing tools: %w", err)
	}
	choice := l.translateToolChoice(tools)

	req := model.Request{
		Input:            l.inputItems(),
		Tools:            tools,
		ToolChoice:       choice,
		Model:            l.cfg.Model,
		ReasoningEffort:  l.cfg.ReasoningEffort,
		ReasoningSummary: l.cfg.ReasoningSummary,
	}
	reqJSON, _ := json.Marshal(req)
	l.appendItem(ctx, event.APIRequest{Request: reqJSON, Model: l.cfg.Model})

	resp, err := l.cfg.Client.ResponsesCreate(ctx, req)
	if err != nil {
		if errors.Is(err, model.ErrContextLengthExceeded) {
			return l.handleContextLengthExceeded(ctx)
		}
		return "", false, toolerr.NewWithCause(toolerr.KindTransient, "sampling failed", err)
	}

	l.appendItem(ctx, event.Response{
		ResponseID: resp.ID,
		Usage:      resp.Usage,
		Model:      l.cfg.Model,
	})

	var (
		text    string
		sawText bool
	)
	for _, item := range resp.Output {
		l.appendItem(ctx, item)
		switch v := item.(type) {
		case event.AssistantText:
			text, sawText = v.Text, true
		case event.ToolCall:
			l.pending = append(l.pending, v)
		}
	}
	return text, sawText, nil
}

// handleContextLengthExceeded implements §7's context-length-exceeded
// handling: the failure must be visible to handlers so they may respond
// with Compact. Handlers opting into ContextLengthAware are polled and
// their decisions reduced the same way OnBeforeSample decisions are; if
// none respond, the failure surfaces as a runtime error since nothing can
// make progress otherwise.
func (l *Loop) handleContextLengthExceeded(ctx context.Context) (string, bool, error) {
	var decisions []handler.LoopDecision
	for _, h := range l.cfg.Handlers {
		if aware, ok := h.(ContextLengthAware); ok {
			decisions = append(decisions, aware.OnContextLengthExceeded(ctx))
		}
	}
	if len(decisions) == 0 {
		return "", false, ErrNoHandlerForContextLength
	}
	decision := handler.Reduce(decisions)
	if decision.Kind != handler.Compact {
		return "", false, ErrNoHandlerForContextLength
	}
	l.compact(decision.Keep)
	return "", false, nil
}

// translateToolChoice implements §4.5's tool_policy-to-ToolChoice
// translation, intersecting RequireSpecific's requested names with the
// model-exposed tool set per model.IntersectToolNames.
func (l *Loop) translateToolChoice(tools []toolprovider.ToolSchema) model.ToolChoice {
	switch l.toolPolicy.Mode {
	case ToolPolicyRequireAnyTool:
		return model.ToolChoice{Mode: model.ToolChoiceRequired}
	case ToolPolicyForbidAllTools:
		return model.ToolChoice{Mode: model.ToolChoiceForbidden}
	case ToolPolicyRequireSpecific:
		return model.ToolChoice{
			Mode:  model.ToolChoiceOneOf,
			Names: model.IntersectToolNames(tools, l.toolPolicy.Names),
		}
	default:
		return model.ToolChoice{Mode: model.ToolChoiceAllowAny}
	}
}

// executePending implements step 4 of §4.5: execute every queued tool call,
// sequentially or with bounded concurrency per ParallelToolCalls, then
// append each function_call_output in dispatch order regardless of
// completion order, and empty the queue. If any invocation resolves to a
// reserved policy-abort or policy-evaluator-error code, the run ends after
// persisting that output per §7.
func (l *Loop) executePending(ctx context.Context) error {
	calls := l.pending
	l.pending = nil
	if len(calls) == 0 {
		return nil
	}

	outputs := make([]event.FunctionCallOutput, len(calls))
	aborts := make([]bool, len(calls))

	if l.cfg.ParallelToolCalls {
		maxParallel := l.cfg.MaxParallelCalls
		if maxParallel <= 0 {
			maxParallel = len(calls)
		}
		sem := make(chan struct{}, maxParallel)
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, call event.ToolCall) {
				defer wg.Done()
				defer func() { <-sem }()
				outputs[i], aborts[i] = l.invoke(ctx, call)
			}(i, call)
		}
		wg.Wait()
	} else {
		for i, call := range calls {
			outputs[i], aborts[i] = l.invoke(ctx, call)
		}
	}

	abort := false
	for i, out := range outputs {
		l.appendItem(ctx, out)
		if aborts[i] {
			abort = true
		}
	}
	l.drainNotifications()
	if abort {
		l.pending = nil
		l.forceAbortNextStep()
	}
	return nil
}

// forceAbortNextStep schedules an Abort decision for the next reducer pass.
// The abort originates from a gateway-level DENY_ABORT/evaluator error rather
// than from a handler, so the loop appends an internal abortNowHandler to its
// handler list and the reducer folds that handler's Abort like any other.
func (l *Loop) forceAbortNextStep() {
	l.cfg.Handlers = append(l.cfg.Handlers, abortNowHandler{})
}

// abortNowHandler is a single-shot internal handler appended when a
// policy-abort or evaluator-error reserved code is observed: it always
// requests Abort, ending the run on the very next reducer pass, per §7's
// "the Agent ends the turn after persisting the output."
type abortNowHandler struct{ handler.BaseHandler }

func (abortNowHandler) OnBeforeSample(context.Context) handler.LoopDecision {
	return handler.LoopDecision{Kind: handler.Abort}
}

// invoke calls the tool provider for one queued call and builds its
// function_call_output, per §4.1/§4.3. Errors are normal return values
// (IsError=true) except that a reserved policy-abort or
// policy-evaluator-error code additionally signals the run should end
// after this turn.
func (l *Loop) invoke(ctx context.Context, call event.ToolCall) (event.FunctionCallOutput, bool) {
	callCtx := ctx
	var cancel context.CancelFunc
	if l.cfg.ApprovalTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, l.cfg.ApprovalTimeout)
		defer cancel()
	}

	result, err := l.cfg.Provider.CallTool(callCtx, call.Name, call.ArgsJSON)
	if err != nil {
		var re *gateway.ReservedError
		if errors.As(err, &re) {
			payload, _ := json.Marshal(map[string]string{"error": re.Message})
			abort := re.Code == gateway.CodePolicyDeniedAbort || re.Code == gateway.CodePolicyEvaluatorError
			return event.FunctionCallOutput{CallID: call.CallID, Result: payload, IsError: true}, abort
		}
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		return event.FunctionCallOutput{CallID: call.CallID, Result: payload, IsError: true}, false
	}

	payload := result.Structured
	if payload == nil {
		payload, _ = json.Marshal(result.Content)
	}
	return event.FunctionCallOutput{CallID: call.CallID, Result: payload, IsError: result.IsError}, false
}

// drainNotifications implements §4.7's ordering rule: the buffer is polled
// after tool execution, but the formatted notice is injected as a
// user_text on the turn FOLLOWING the one that drained it, never the same
// turn — otherwise the model would see its own side effect immediately.
func (l *Loop) drainNotifications() {
	if l.cfg.Notifications == nil {
		return
	}
	batch, ok := l.cfg.Notifications.Poll()
	if !ok {
		return
	}
	text, err := notify.Format(batch)
	if err != nil {
		return
	}
	l.pendingNotice = text
}

// compact implements §4.5/§4.6's Compact decision: truncate the transcript
// to its last `keep` logical turns (a turn ends at an assistant_text
// event), dropping reasoning and other items outside that tail.
func (l *Loop) compact(keep int) {
	if keep <= 0 {
		l.transcript = nil
		return
	}
	var boundaries []int
	for i, ev := range l.transcript {
		if _, ok := ev.Item.(event.AssistantText); ok {
			boundaries = append(boundaries, i)
		}
	}
	if len(boundaries) < keep {
		return
	}
	start := 0
	if len(boundaries) > keep {
		start = boundaries[len(boundaries)-keep-1] + 1
	}
	kept := make([]event.Event, len(l.transcript)-start)
	copy(kept, l.transcript[start:])
	l.transcript = kept
}

// appendItem assigns the next sequence number, appends to the in-memory
// transcript, notifies every handler's matching On* observer, and (if
// configured) hands the event to the Persister for asynchronous, durable
// recording — the "common append path" every transcript-mutating step
// shares, per §4.8.
func (l *Loop) appendItem(ctx context.Context, item event.Item) {
	ev := event.Event{SequenceNum: l.seq, Item: item}
	l.seq++
	l.transcript = append(l.transcript, ev)
	l.notifyHandlers(item)
	if l.cfg.Persister != nil {
		l.cfg.Persister.RecordEvent(ctx, ev)
	}
}

// notifyHandlers dispatches item to the matching On* hook of every
// configured handler, per §4.6: handlers watch specific event kinds rather
// than inspecting the whole transcript each turn.
func (l *Loop) notifyHandlers(item event.Item) {
	for _, h := range l.cfg.Handlers {
		switch v := item.(type) {
		case event.UserText:
			h.OnUserText(v)
		case event.AssistantText:
			h.OnAssistantText(v)
		case event.ToolCall:
			h.OnToolCall(v)
		case event.FunctionCallOutput:
			h.OnFunctionCallOutput(v)
		}
	}
}
