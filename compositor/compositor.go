// Package compositor implements the MCP compositor from §4.2: it mounts N
// subservers under namespaced prefixes and presents them as a single
// tool/resource surface, rewriting tool names to "{prefix}_{tool}" and
// resource URIs to "resource://{prefix}/{path}".
package compositor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentydragon/coreagent/toolprovider"
)

const (
	// ResourcesMountPrefix and CompositorMetaMountPrefix are the two
	// always-pinned infrastructure servers auto-mounted on construction.
	ResourcesMountPrefix      = "resources"
	CompositorMetaMountPrefix = "compositor_meta"
)

type (
	// mount is one entry in the compositor's mount table.
	mount struct {
		prefix  string
		server  toolprovider.Provider
		pinned  bool
		// listChangeSubscribers counts active subscriptions to this mount's
		// resources/list_changed notifications.
		listChangeSubscribers int
		// resourceSubscriptions is the set of resource URIs (origin form,
		// unprefixed) subscribed to on this mount.
		resourceSubscriptions map[string]struct{}
	}

	// Compositor aggregates mounted toolprovider.Providers under unique
	// prefixes. It is itself a toolprovider.Provider.
	Compositor struct {
		mu     sync.RWMutex
		mounts map[string]*mount

		notifier NotificationSink
	}

	// NotificationSink receives forwarded, prefix-rewritten notifications
	// from the compositor, for delivery to client sessions (see package
	// notify, which implements this interface as the notifications buffer).
	NotificationSink interface {
		ListChanged(prefix string)
		ResourceUpdated(prefix, uri string)
	}
)

// New constructs a Compositor and auto-mounts its two pinned infrastructure
// servers, resources and compositor_meta, mirroring the always-pinned
// auto-mount-on-construction behavior of the reference compositor. notifier
// may be nil if no notification forwarding is needed (e.g. in tests).
func New(notifier NotificationSink) *Compositor {
	c := &Compositor{
		mounts:   make(map[string]*mount),
		notifier: notifier,
	}
	_ = c.MountInproc(ResourcesMountPrefix, newResourcesServer(c), true)
	_ = c.MountInproc(CompositorMetaMountPrefix, newCompositorMetaServer(c), true)
	return c
}

// MountInproc registers server under prefix. It fails if prefix already
// exists or does not satisfy the wire-format rule from §6.
func (c *Compositor) MountInproc(prefix string, server toolprovider.Provider, pinned bool) error {
	if !toolprovider.ValidPrefix(prefix) {
		return fmt.Errorf("compositor: invalid prefix %q", prefix)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.mounts[prefix]; exists {
		return fmt.Errorf("compositor: prefix %q already mounted", prefix)
	}
	c.mounts[prefix] = &mount{
		prefix:                prefix,
		server:                server,
		pinned:                pinned,
		resourceSubscriptions: make(map[string]struct{}),
	}
	return nil
}

// MountServer attaches an external process transport under prefix. The
// transport is any toolprovider.Provider (e.g. an MCP stdio/SSE client); the
// same mounting rules as MountInproc apply.
func (c *Compositor) MountServer(prefix string, transport toolprovider.Provider) error {
	return c.MountInproc(prefix, transport, false)
}

// UnmountServer detaches prefix. It fails with a "pinned" error if the entry
// is pinned, and drops all subscriptions for that prefix without issuing a
// remote unsubscribe call, per §4.2.
func (c *Compositor) UnmountServer(prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mounts[prefix]
	if !ok {
		return fmt.Errorf("compositor: not_mounted: prefix %q", prefix)
	}
	if m.pinned {
		return fmt.Errorf("compositor: pinned: prefix %q cannot be unmounted", prefix)
	}
	delete(c.mounts, prefix)
	return nil
}

// ListTools returns the union of tools across every mount, each name
// rewritten to "{prefix}_{tool}". The result is sorted by qualified name for
// deterministic output.
func (c *Compositor) ListTools(ctx context.Context) ([]toolprovider.ToolSchema, error) {
	c.mu.RLock()
	mounts := c.snapshotMounts()
	c.mu.RUnlock()

	var out []toolprovider.ToolSchema
	for _, m := range mounts {
		tools, err := m.server.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("compositor: list_tools on %q: %w", m.prefix, err)
		}
		for _, t := range tools {
			t.Name = toolprovider.QualifyName(m.prefix, t.Name)
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CallTool parses qualifiedName into (prefix, tool) at the first "_" and
// dispatches to the matching mount. When that prefix is not mounted, the
// longest mounted prefix p for which qualifiedName starts with p+"_" is used
// instead, so prefixes that contain "_" (such as compositor_meta) resolve.
// It fails with not_mounted if neither matches.
func (c *Compositor) CallTool(ctx context.Context, qualifiedName string, args json.RawMessage) (toolprovider.Result, error) {
	prefix, tool, err := toolprovider.SplitName(qualifiedName)
	if err != nil {
		return toolprovider.Result{}, err
	}
	c.mu.RLock()
	m, ok := c.mounts[prefix]
	if !ok {
		for p, cand := range c.mounts {
			if len(qualifiedName) > len(p)+1 && strings.HasPrefix(qualifiedName, p+"_") && (m == nil || len(p) > len(m.prefix)) {
				m, tool, ok = cand, qualifiedName[len(p)+1:], true
			}
		}
	}
	c.mu.RUnlock()
	if !ok {
		return toolprovider.Result{}, fmt.Errorf("compositor: not_mounted: prefix %q", prefix)
	}
	return m.server.CallTool(ctx, tool, args)
}

// snapshotMounts returns mounts sorted by prefix for deterministic
// iteration. Callers must hold at least a read lock.
func (c *Compositor) snapshotMounts() []*mount {
	out := make([]*mount, 0, len(c.mounts))
	for _, m := range c.mounts {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].prefix < out[j].prefix })
	return out
}

// Mounts returns metadata about every current mount, for the
// compositor_meta infrastructure server and for tests.
func (c *Compositor) Mounts() []MountInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MountInfo, 0, len(c.mounts))
	for _, m := range c.snapshotMounts() {
		out = append(out, MountInfo{Prefix: m.prefix, Pinned: m.pinned})
	}
	return out
}

// MountInfo is the read-only view of a mount entry.
type MountInfo struct {
	Prefix string
	Pinned bool
}

// SubscribeListChanged records a subscription to resources/list_changed
// notifications on the mount currently registered under prefix. It is a
// no-op (but not an error) if prefix is not currently mounted. The
// subscription is held by that mount entry: UnmountServer drops it, and it
// is not replayed to a later mount under the same prefix.
func (c *Compositor) SubscribeListChanged(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.mounts[prefix]; ok {
		m.listChangeSubscribers++
	}
}

// SubscribeResource records a subscription to a specific resource URI
// (origin form, not compositor-prefixed) on prefix.
func (c *Compositor) SubscribeResource(prefix, uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.mounts[prefix]; ok {
		m.resourceSubscriptions[uri] = struct{}{}
	}
}

// NotifyListChanged is called by a mounted server (or its transport) when it
// emits resources/list_changed. The compositor forwards it to the
// notification sink tagged with the originating prefix, per §4.2's
// notification-forwarding rule.
func (c *Compositor) NotifyListChanged(prefix string) {
	if c.notifier != nil {
		c.notifier.ListChanged(prefix)
	}
}

// NotifyResourceUpdated is called by a mounted server when it emits
// resources/updated{uri}. The URI is rewritten with the mount prefix before
// forwarding, per the resource URI convention in §6.
func (c *Compositor) NotifyResourceUpdated(prefix, uri string) {
	if c.notifier != nil {
		c.notifier.ResourceUpdated(prefix, PrefixedResourceURI(prefix, uri))
	}
}

// PrefixedResourceURI rewrites an origin "resource://{path}" URI into its
// compositor-aggregated form "resource://{prefix}/{path}".
func PrefixedResourceURI(prefix, originURI string) string {
	const scheme = "resource://"
	if len(originURI) >= len(scheme) && originURI[:len(scheme)] == scheme {
		return scheme + prefix + "/" + originURI[len(scheme):]
	}
	return scheme + prefix + "/" + originURI
}
