package toolprovider_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentydragon/coreagent/toolprovider"
)

func TestSplitNameSplitsOnFirstUnderscore(t *testing.T) {
	prefix, tool, err := toolprovider.SplitName("echo_echo_tool")
	require.NoError(t, err)
	assert.Equal(t, "echo", prefix)
	assert.Equal(t, "echo_tool", tool)
}

func TestSplitNameRejectsInvalid(t *testing.T) {
	cases := []string{"noprefix", "_leadingunderscore", "trailing_", "Upper_case", ""}
	for _, c := range cases {
		_, _, err := toolprovider.SplitName(c)
		assert.Errorf(t, err, "expected %q to be rejected", c)
	}
}

func TestQualifyNameRoundTrips(t *testing.T) {
	qualified := toolprovider.QualifyName("echo", "run")
	prefix, tool, err := toolprovider.SplitName(qualified)
	require.NoError(t, err)
	assert.Equal(t, "echo", prefix)
	assert.Equal(t, "run", tool)
}

// TestQualifyNameRoundTripsProperty checks §6's wire format for every
// underscore-free prefix (the common case: prefixes are mount names chosen
// by operators, not user input): QualifyName then SplitName always
// recovers the original prefix and tool, regardless of what characters the
// tool half contains.
func TestQualifyNameRoundTripsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	prefixGen := gen.RegexMatch(`^[a-z][a-z0-9]{0,20}$`)
	toolGen := gen.RegexMatch(`^[a-zA-Z0-9_.]{1,20}$`)

	properties.Property("qualify then split recovers the original prefix and tool", prop.ForAll(
		func(p, tool string) bool {
			qualified := toolprovider.QualifyName(p, tool)
			gotPrefix, gotTool, err := toolprovider.SplitName(qualified)
			return err == nil && gotPrefix == p && gotTool == tool
		},
		prefixGen, toolGen,
	))

	properties.TestingRun(t)
}

func TestValidateArgs(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`)
	require.NoError(t, toolprovider.ValidateArgs(schema, json.RawMessage(`{"text":"hi"}`)))
	assert.Error(t, toolprovider.ValidateArgs(schema, json.RawMessage(`{}`)))
}
