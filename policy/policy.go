// Package policy implements the approval policy engine from §4.4: a
// user-authored program evaluated in an isolated sandbox process that
// returns an ALLOW/ASK/DENY_ABORT/DENY_CONTINUE decision for a tool call.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentydragon/coreagent/sandbox"
)

// Decision is the closed set of outcomes a policy can return for a request.
type Decision string

const (
	Allow        Decision = "ALLOW"
	Ask          Decision = "ASK"
	DenyAbort    Decision = "DENY_ABORT"
	DenyContinue Decision = "DENY_CONTINUE"
)

func (d Decision) valid() bool {
	switch d {
	case Allow, Ask, DenyAbort, DenyContinue:
		return true
	default:
		return false
	}
}

type (
	// Request is the fully qualified tool name and its JSON-encoded
	// arguments, exactly as presented to the policy program.
	Request struct {
		Name         string          `json:"name"`
		ArgumentsJSON json.RawMessage `json:"arguments_json"`
	}

	// Response is the policy's verdict for a Request.
	Response struct {
		Decision  Decision `json:"decision"`
		Rationale string   `json:"rationale"`
	}

	// TestCase pairs a Request with the decision a policy is expected to
	// return for it; installing a policy requires every TestCase to pass
	// (§4.4's self-check on install).
	TestCase struct {
		Request  Request
		Expected Decision
	}

	// Engine evaluates the currently installed policy against requests, and
	// lets callers install a new policy after running it through its own
	// self-test suite.
	Engine struct {
		runner sandbox.Runner

		mu      sync.RWMutex
		source  string
		version int64

		// onVersionChange is invoked (outside the lock) after a successful
		// SetPolicy, so callers (typically the gateway or compositor) can
		// emit a resources/updated notification on the well-known
		// policy-state URI per §4.4.
		onVersionChange func(version int64)
	}
)

// NewEngine constructs a policy engine with no policy installed. Evaluate
// returns an evaluator error until a policy is installed via SetPolicy.
func NewEngine(runner sandbox.Runner, onVersionChange func(version int64)) *Engine {
	return &Engine{runner: runner, onVersionChange: onVersionChange}
}

// SetPolicy installs source as the active policy after running it against
// every entry in cases inside the sandbox. If any case fails — including a
// sandbox error — the existing policy (if any) is left installed and an
// error is returned. On success the version counter is incremented and
// onVersionChange is invoked with the new version.
func (e *Engine) SetPolicy(ctx context.Context, source string, cases []TestCase) error {
	for i, tc := range cases {
		resp, err := e.evaluateSource(ctx, source, tc.Request)
		if err != nil {
			return fmt.Errorf("policy: self-test case %d errored: %w", i, err)
		}
		if resp.Decision != tc.Expected {
			return fmt.Errorf("policy: self-test case %d: got %s, want %s", i, resp.Decision, tc.Expected)
		}
	}

	e.mu.Lock()
	e.source = source
	e.version++
	newVersion := e.version
	e.mu.Unlock()

	if e.onVersionChange != nil {
		e.onVersionChange(newVersion)
	}
	return nil
}

// Version returns the currently installed policy's version counter. Zero
// means no policy has ever been installed.
func (e *Engine) Version() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Evaluate runs the active policy against req. If no policy is installed,
// it returns an error (callers typically translate this to
// CodePolicyEvaluatorError at the gateway).
func (e *Engine) Evaluate(ctx context.Context, req Request) (Response, error) {
	e.mu.RLock()
	source := e.source
	e.mu.RUnlock()
	if source == "" {
		return Response{}, fmt.Errorf("policy: no policy installed")
	}
	return e.evaluateSource(ctx, source, req)
}

func (e *Engine) evaluateSource(ctx context.Context, source string, req Request) (Response, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("policy: marshal request: %w", err)
	}
	out, err := e.runner.Run(ctx, sandbox.Job{
		Source: source,
		Env: map[string]string{
			"POLICY_INPUT": string(input),
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("policy: sandbox: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		return Response{}, fmt.Errorf("policy: malformed response %q: %w", out, err)
	}
	if !resp.Decision.valid() {
		return Response{}, fmt.Errorf("policy: unknown decision %q", resp.Decision)
	}
	return resp, nil
}
