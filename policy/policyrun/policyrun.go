// Package policyrun provides the self-test entry-point contract a policy
// program exposes per §6: reads a single JSON request from an env var or
// stdin, calls decide, writes the JSON response to stdout, and exits 0 on
// success, 1 if invoked as a self-test and a case fails, 2 on malformed
// input. A native Go policy "program" (the sandbox.Runner's Interpreter can
// point at a compiled Go binary instead of an embedded scripting language)
// uses Main as its entire main().
package policyrun

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/agentydragon/coreagent/policy"
)

// DecideFunc is a policy program's decision function.
type DecideFunc func(policy.Request) policy.Response

// Main implements the exit-code contract from §6:
//   - reads a single JSON policy.Request from the POLICY_INPUT environment
//     variable, falling back to the whole of stdin when unset;
//   - if the POLICY_SELFTEST environment variable is set, runs decide
//     against every entry in cases and exits 1 on the first mismatch, 0 if
//     all pass, without touching stdin/stdout for the request;
//   - otherwise decodes the request, calls decide, writes the JSON response
//     to stdout, and exits 0; malformed input exits 2.
func Main(decide DecideFunc, cases []policy.TestCase) int {
	if os.Getenv("POLICY_SELFTEST") != "" {
		return runSelfTest(decide, cases)
	}

	raw := os.Getenv("POLICY_INPUT")
	if raw == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, "policyrun: read stdin:", err)
			return 2
		}
		raw = string(data)
	}

	var req policy.Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		fmt.Fprintln(os.Stderr, "policyrun: malformed request:", err)
		return 2
	}

	resp := decide(req)
	out, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "policyrun: marshal response:", err)
		return 2
	}
	fmt.Println(string(out))
	return 0
}

func runSelfTest(decide DecideFunc, cases []policy.TestCase) int {
	for i, tc := range cases {
		got := decide(tc.Request)
		if got.Decision != tc.Expected {
			fmt.Fprintf(os.Stderr, "policyrun: self-test case %d failed: got %s, want %s\n", i, got.Decision, tc.Expected)
			return 1
		}
	}
	return 0
}
