package distributed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentydragon/coreagent/compositor"
	"github.com/agentydragon/coreagent/notify"
	"github.com/agentydragon/coreagent/toolprovider"
)

type fakeMap struct {
	mu      sync.RWMutex
	content map[string]string
}

func newFakeMap() *fakeMap { return &fakeMap{content: make(map[string]string)} }

var _ Map = (*fakeMap)(nil)

func (m *fakeMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.content))
	for k := range m.content {
		out = append(out, k)
	}
	return out
}

func (m *fakeMap) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.content[key]
	return v, ok
}

func (m *fakeMap) Set(ctx context.Context, key, value string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.content[key]
	m.content[key] = value
	return prev, nil
}

func (m *fakeMap) Delete(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.content[key]
	delete(m.content, key)
	return prev, nil
}

func TestAnnounceThenResolveReturnsTheAnnouncingNode(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeMap())

	require.NoError(t, r.Announce(ctx, "billing", "node-1", "10.0.0.1:9000"))

	a, err := r.Resolve("billing")
	require.NoError(t, err)
	assert.Equal(t, Announcement{Prefix: "billing", NodeID: "node-1", Address: "10.0.0.1:9000"}, a)
}

func TestResolveUnannouncedPrefixIsNotAnnounced(t *testing.T) {
	r := New(newFakeMap())

	_, err := r.Resolve("nobody-mounted-this")
	assert.ErrorIs(t, err, ErrNotAnnounced)
}

func TestReannouncingOverwritesThePreviousOwner(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeMap())

	require.NoError(t, r.Announce(ctx, "billing", "node-1", "10.0.0.1:9000"))
	require.NoError(t, r.Announce(ctx, "billing", "node-2", "10.0.0.2:9000"))

	a, err := r.Resolve("billing")
	require.NoError(t, err)
	assert.Equal(t, "node-2", a.NodeID)
}

func TestWithdrawRemovesTheAnnouncement(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeMap())
	require.NoError(t, r.Announce(ctx, "billing", "node-1", "10.0.0.1:9000"))

	require.NoError(t, r.Withdraw(ctx, "billing"))

	_, err := r.Resolve("billing")
	assert.ErrorIs(t, err, ErrNotAnnounced)
}

func TestWithdrawingAnUnannouncedPrefixIsNotAnError(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeMap())

	assert.NoError(t, r.Withdraw(ctx, "never-announced"))
}

type stubProvider struct{ tools []toolprovider.ToolSchema }

func (p stubProvider) ListTools(context.Context) ([]toolprovider.ToolSchema, error) {
	return p.tools, nil
}

func (p stubProvider) CallTool(context.Context, string, json.RawMessage) (toolprovider.Result, error) {
	return toolprovider.Result{}, nil
}

func TestMountRemoteResolvesDialsAndMountsTheOwningNode(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeMap())
	require.NoError(t, r.Announce(ctx, "billing", "node-1", "10.0.0.1:9000"))

	var dialedAddress string
	dial := func(_ context.Context, address string) (toolprovider.Provider, error) {
		dialedAddress = address
		return stubProvider{tools: []toolprovider.ToolSchema{{Name: "charge"}}}, nil
	}

	comp := compositor.New(notify.New())
	require.NoError(t, MountRemote(ctx, comp, r, "billing", dial))
	assert.Equal(t, "10.0.0.1:9000", dialedAddress)

	tools, err := comp.ListTools(ctx)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "billing_charge")
}

func TestMountRemoteOnUnannouncedPrefixFailsWithoutDialing(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeMap())
	dialed := false
	dial := func(context.Context, string) (toolprovider.Provider, error) {
		dialed = true
		return nil, nil
	}

	comp := compositor.New(notify.New())
	err := MountRemote(ctx, comp, r, "billing", dial)
	assert.ErrorIs(t, err, ErrNotAnnounced)
	assert.False(t, dialed)
}

func TestListReturnsEveryAnnouncedMountAcrossNodes(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeMap())
	require.NoError(t, r.Announce(ctx, "billing", "node-1", "10.0.0.1:9000"))
	require.NoError(t, r.Announce(ctx, "inventory", "node-2", "10.0.0.2:9000"))

	list, err := r.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
