package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/agentydragon/coreagent/policy"
	"github.com/agentydragon/coreagent/toolprovider"
)

type (
	// Evaluator is the subset of policy.Engine the gateway depends on. The
	// gateway is decoupled from the concrete policy package so tests can
	// substitute a stub without spinning up a sandbox.
	Evaluator interface {
		Evaluate(ctx context.Context, req policy.Request) (policy.Response, error)
	}

	// pendingCall is one entry in the pending-calls registry: a tool call
	// that is blocked awaiting an admin decision. Its decision channel
	// receives at most one resolution (resolved guards against
	// double-resolution).
	pendingCall struct {
		CallID    string
		ToolName  string
		Arguments json.RawMessage

		mu       sync.Mutex
		resolved bool
		decision chan resolution
	}

	resolution struct {
		approve bool
		// continueOnDeny distinguishes a deny that lets the turn continue
		// (DENY_CONTINUE) from one that aborts it (DENY_ABORT) when an
		// admin explicitly denies a pending ASK.
		continueOnDeny bool
	}

	// Gateway interposes on every tool call passing through an underlying
	// toolprovider.Provider, per §4.3. It is itself a toolprovider.Provider,
	// so it composes transparently with the compositor.
	Gateway struct {
		next      toolprovider.Provider
		evaluator Evaluator
		// exempt names are never evaluated by policy — the gateway's own
		// admin tools and the compositor's always-pinned infra tools.
		exempt map[string]struct{}

		mu      sync.Mutex
		pending map[string]*pendingCall
	}
)

// New wraps next with policy evaluation. exemptNames lists fully qualified
// tool names (e.g. "gateway_decide_call") that bypass policy entirely.
func New(next toolprovider.Provider, evaluator Evaluator, exemptNames ...string) *Gateway {
	exempt := make(map[string]struct{}, len(exemptNames))
	for _, n := range exemptNames {
		exempt[n] = struct{}{}
	}
	return &Gateway{
		next:      next,
		evaluator: evaluator,
		exempt:    exempt,
		pending:   make(map[string]*pendingCall),
	}
}

// ListTools delegates to the wrapped provider; policy does not affect the
// tool surface, only invocation.
func (g *Gateway) ListTools(ctx context.Context) ([]toolprovider.ToolSchema, error) {
	return g.next.ListTools(ctx)
}

// CallTool implements the flow in §4.3: evaluate policy, then ALLOW forwards,
// ASK blocks on an admin decision, and DENY_ABORT/DENY_CONTINUE fail with a
// stamped ReservedError.
func (g *Gateway) CallTool(ctx context.Context, name string, args json.RawMessage) (toolprovider.Result, error) {
	if _, ok := g.exempt[name]; ok {
		return g.next.CallTool(ctx, name, args)
	}

	resp, err := g.evaluator.Evaluate(ctx, policy.Request{Name: name, ArgumentsJSON: args})
	if err != nil {
		return toolprovider.Result{}, newReservedError(CodePolicyEvaluatorError, err.Error())
	}

	switch resp.Decision {
	case policy.Allow:
		return g.forwardAndCheckMisuse(ctx, name, args)
	case policy.DenyAbort:
		return toolprovider.Result{}, newReservedError(CodePolicyDeniedAbort, resp.Rationale)
	case policy.DenyContinue:
		return toolprovider.Result{}, newReservedError(CodePolicyDeniedContinue, resp.Rationale)
	case policy.Ask:
		return g.waitForDecision(ctx, name, args)
	default:
		return toolprovider.Result{}, fmt.Errorf("gateway: unknown policy decision %q", resp.Decision)
	}
}

// forwardAndCheckMisuse calls the wrapped provider and remaps any reserved
// code the tool itself returned without the gateway's stamp, per §4.3's
// "translate to POLICY_BACKEND_RESERVED_MISUSE" rule.
func (g *Gateway) forwardAndCheckMisuse(ctx context.Context, name string, args json.RawMessage) (toolprovider.Result, error) {
	result, err := g.next.CallTool(ctx, name, args)
	if err == nil {
		return result, nil
	}
	var re *ReservedError
	if errors.As(err, &re) && !re.Stamp {
		return toolprovider.Result{}, newReservedError(CodePolicyBackendReservedMisuse, "")
	}
	return result, err
}

// waitForDecision registers a pending-call entry and blocks until an admin
// resolves it via Decide, or ctx is cancelled — in which case the pending
// entry resolves to POLICY_DENIED_ABORT per §5's cancellation semantics.
func (g *Gateway) waitForDecision(ctx context.Context, name string, args json.RawMessage) (toolprovider.Result, error) {
	pc := &pendingCall{
		CallID:    uuid.NewString(),
		ToolName:  name,
		Arguments: args,
		decision:  make(chan resolution, 1),
	}
	g.mu.Lock()
	g.pending[pc.CallID] = pc
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, pc.CallID)
		g.mu.Unlock()
	}()

	select {
	case res := <-pc.decision:
		if res.approve {
			return g.forwardAndCheckMisuse(ctx, name, args)
		}
		if res.continueOnDeny {
			return toolprovider.Result{}, newReservedError(CodePolicyDeniedContinue, "")
		}
		return toolprovider.Result{}, newReservedError(CodePolicyDeniedAbort, "")
	case <-ctx.Done():
		return toolprovider.Result{}, newReservedError(CodePolicyDeniedAbort, "cancelled")
	}
}

// Pending returns the call_id, tool name, and arguments of every currently
// pending ASK, for exposure as the read-only resource described in §4.3.
func (g *Gateway) Pending() []PendingCallInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingCallInfo, 0, len(g.pending))
	for _, pc := range g.pending {
		out = append(out, PendingCallInfo{CallID: pc.CallID, ToolName: pc.ToolName, Arguments: pc.Arguments})
	}
	return out
}

// PendingCallInfo is the read-only view of a pending-call entry.
type PendingCallInfo struct {
	CallID    string
	ToolName  string
	Arguments json.RawMessage
}

// AdminDecision is the verdict an admin can resolve a pending ASK with.
type AdminDecision string

const (
	DecisionApprove     AdminDecision = "APPROVE"
	DecisionDenyAbort   AdminDecision = "DENY_ABORT"
	DecisionDenyContinue AdminDecision = "DENY_CONTINUE"
)

// Decide resolves the pending call identified by callID, implementing the
// admin tool decide_call(call_id, decision) from §4.3. Resolving an unknown
// id fails with a not_found error. Resolving an already-resolved id fails
// too: its entry stays registered until the waiting call returns, and until
// then the resolved flag rejects a second decision.
func (g *Gateway) Decide(callID string, decision AdminDecision) error {
	g.mu.Lock()
	pc, ok := g.pending[callID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("gateway: not_found: no pending call %q", callID)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.resolved {
		return fmt.Errorf("gateway: not_found: pending call %q already resolved", callID)
	}
	pc.resolved = true

	switch decision {
	case DecisionApprove:
		pc.decision <- resolution{approve: true}
	case DecisionDenyContinue:
		pc.decision <- resolution{continueOnDeny: true}
	case DecisionDenyAbort:
		pc.decision <- resolution{}
	default:
		pc.resolved = false
		return fmt.Errorf("gateway: unknown admin decision %q", decision)
	}
	return nil
}
