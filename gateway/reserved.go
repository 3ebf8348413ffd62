// Package gateway implements the policy gateway middleware from §4.3: it
// wraps a toolprovider.Provider, consults a policy.Engine on every call, and
// translates the decision into either a forwarded call, a pending approval,
// or a reserved, stamped error.
package gateway

import "fmt"

// ReservedCode is one of the fixed MCP error codes the gateway emits. Codes
// live in the -32950 region per §6, chosen once and never reused for
// anything else.
type ReservedCode int

const (
	CodePolicyDeniedAbort          ReservedCode = -32950
	CodePolicyDeniedContinue       ReservedCode = -32951
	CodePolicyEvaluatorError       ReservedCode = -32952
	CodePolicyBackendReservedMisuse ReservedCode = -32953
)

// reservedKind is a table row pairing a reserved code with its canonical
// message, mirroring the _KINDS registry pattern used for the same
// data on the policy side this was ported from: a flat table beats a
// scattered switch when new codes are rare but must stay exhaustive.
type reservedKind struct {
	code    ReservedCode
	message string
}

var reservedKinds = []reservedKind{
	{CodePolicyDeniedAbort, "policy denied: abort"},
	{CodePolicyDeniedContinue, "policy denied: continue"},
	{CodePolicyEvaluatorError, "policy evaluator error"},
	{CodePolicyBackendReservedMisuse, "reserved code misuse by tool backend"},
}

var codeToMessage = func() map[ReservedCode]string {
	m := make(map[ReservedCode]string, len(reservedKinds))
	for _, k := range reservedKinds {
		m[k.code] = k.message
	}
	return m
}()

// IsReserved reports whether code is one of the gateway's reserved codes.
func IsReserved(code ReservedCode) bool {
	_, ok := codeToMessage[code]
	return ok
}

// ReservedError is the single error type used for every gateway-originated
// denial. Stamp is always true for genuine gateway errors; a tool backend
// that returns one of the reserved Codes without a stamp is misbehaving and
// must be remapped to CodePolicyBackendReservedMisuse by the caller (see
// gateway.go), never trusted at face value. Callers match on Code via
// errors.As, never by string comparison (per SPEC_FULL.md §9).
type ReservedError struct {
	Code    ReservedCode
	Message string
	Stamp   bool
	Data    map[string]any
}

func (e *ReservedError) Error() string {
	return fmt.Sprintf("gateway: %s (code %d)", e.Message, e.Code)
}

// newReservedError builds a stamped ReservedError for code, using the
// canonical registry message unless msg overrides it.
func newReservedError(code ReservedCode, msg string) *ReservedError {
	if msg == "" {
		msg = codeToMessage[code]
	}
	return &ReservedError{
		Code:    code,
		Message: msg,
		Stamp:   true,
		Data:    map[string]any{"policy_gateway_stamp": true},
	}
}
