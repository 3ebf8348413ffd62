package notify_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentydragon/coreagent/notify"
)

func TestPollReturnsFalseWhenEmpty(t *testing.T) {
	b := notify.New()
	_, ok := b.Poll()
	assert.False(t, ok)
}

func TestPollGroupsByPrefixAndClears(t *testing.T) {
	b := notify.New()
	b.ListChanged("mytool")
	b.ResourceUpdated("mytool", "resource://mytool/things/1")
	b.ResourceUpdated("mytool", "resource://mytool/things/2")
	b.ResourceUpdated("other", "resource://other/x")

	batch, ok := b.Poll()
	require.True(t, ok)
	require.Len(t, batch.Resources, 2)

	assert.True(t, batch.Resources["mytool"].ListChanged)
	assert.ElementsMatch(t, []string{"resource://mytool/things/1", "resource://mytool/things/2"}, batch.Resources["mytool"].Updated)
	assert.False(t, batch.Resources["other"].ListChanged)

	_, ok = b.Poll()
	assert.False(t, ok, "poll must clear the buffer atomically")
}

func TestPollSurfacesPolicyChanged(t *testing.T) {
	b := notify.New()
	b.PolicyChanged()

	batch, ok := b.Poll()
	require.True(t, ok)
	assert.True(t, batch.PolicyChanged)
}

func TestFormatProducesSystemNotificationEnvelope(t *testing.T) {
	batch := notify.Batch{
		Resources: map[string]notify.ResourceBatch{
			"mytool": {ListChanged: true, Updated: []string{"resource://mytool/things/1"}},
		},
		PolicyChanged: true,
	}

	text, err := notify.Format(batch)
	require.NoError(t, err)
	assert.Contains(t, text, "<system notification>")
	assert.Contains(t, text, "</system notification>")

	start := len("<system notification>\n")
	end := len(text) - len("\n</system notification>")
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(text[start:end]), &decoded))

	resources := decoded["resources"].(map[string]any)
	mytool := resources["mytool"].(map[string]any)
	assert.Equal(t, true, mytool["list_changed"])
	assert.Equal(t, []any{"resource://mytool/things/1"}, mytool["updated"])

	policy := decoded["policy"].(map[string]any)
	assert.Equal(t, true, policy["changed"])
}

func TestFormatEmitsEmptyUpdatedArrayNotNull(t *testing.T) {
	batch := notify.Batch{Resources: map[string]notify.ResourceBatch{"mytool": {}}}
	text, err := notify.Format(batch)
	require.NoError(t, err)
	assert.Contains(t, text, `"updated":[]`)
}
