// Package distributed announces a Compositor's mount table to other nodes
// in a cluster over a Pulse replicated map, so the optional multi-process
// deployment of §4.2's compositor can route a qualified tool name to the
// node that actually holds the mount, instead of requiring every node to
// mount every provider.
//
// This is the opt-in variant: a single-process compositor (the default)
// never imports this package. It is useful when providers are mounted on
// whichever node happens to dial them (e.g. a sharded fleet of MCP stdio
// subprocess hosts) and every node's agent loop needs to resolve
// "prefix_tool" to a node address before dispatching.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentydragon/coreagent/compositor"
	"github.com/agentydragon/coreagent/toolprovider"
)

// Map is the minimal replicated-map contract this package needs, satisfied
// by *rmap.Map from goa.design/pulse/rmap. It is defined here rather than
// imported directly to keep Registry unit-testable without Redis and to
// avoid coupling callers to a concrete Pulse implementation.
type Map interface {
	Delete(ctx context.Context, key string) (string, error)
	Get(key string) (string, bool)
	Keys() []string
	Set(ctx context.Context, key, value string) (string, error)
}

// Announcement is the value this package stores per mount prefix: which
// node currently owns the mount and how to reach it.
type Announcement struct {
	Prefix  string `json:"prefix"`
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

const mountKeyPrefix = "compositor:mount:"

// Registry announces and resolves prefix ownership across a cluster via a
// replicated map. It does not itself dispatch tool calls; a caller resolves
// a prefix to an Announcement here and then dials Address through whatever
// transport that node exposes (e.g. compositor.MountServer wrapping an MCP
// client pointed at Address).
type Registry struct {
	m Map
}

// New returns a Registry backed by m.
func New(m Map) *Registry {
	return &Registry{m: m}
}

// Announce records that prefix is mounted on node, reachable at address.
// Calling it again for the same prefix overwrites the previous owner, which
// is the expected behavior on failover: the new owner simply re-announces.
func (r *Registry) Announce(ctx context.Context, prefix, nodeID, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(Announcement{Prefix: prefix, NodeID: nodeID, Address: address})
	if err != nil {
		return fmt.Errorf("distributed: marshal announcement for %q: %w", prefix, err)
	}
	if _, err := r.m.Set(ctx, mountKey(prefix), string(b)); err != nil {
		return fmt.Errorf("distributed: announce %q: %w", prefix, err)
	}
	return nil
}

// Withdraw removes prefix's announcement, e.g. on graceful unmount or node
// shutdown. It is not an error to withdraw a prefix that was never
// announced or was already withdrawn by another node.
func (r *Registry) Withdraw(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := r.m.Delete(ctx, mountKey(prefix)); err != nil {
		return fmt.Errorf("distributed: withdraw %q: %w", prefix, err)
	}
	return nil
}

// ErrNotAnnounced is returned by Resolve when no node currently announces
// the given prefix.
var ErrNotAnnounced = fmt.Errorf("distributed: prefix not announced")

// Resolve returns the current owner of prefix.
func (r *Registry) Resolve(prefix string) (Announcement, error) {
	val, ok := r.m.Get(mountKey(prefix))
	if !ok {
		return Announcement{}, ErrNotAnnounced
	}
	var a Announcement
	if err := json.Unmarshal([]byte(val), &a); err != nil {
		return Announcement{}, fmt.Errorf("distributed: unmarshal announcement for %q: %w", prefix, err)
	}
	return a, nil
}

// List returns every currently announced mount, across all nodes.
func (r *Registry) List() ([]Announcement, error) {
	out := make([]Announcement, 0)
	for _, k := range r.m.Keys() {
		if !strings.HasPrefix(k, mountKeyPrefix) {
			continue
		}
		val, ok := r.m.Get(k)
		if !ok {
			continue
		}
		var a Announcement
		if err := json.Unmarshal([]byte(val), &a); err != nil {
			return nil, fmt.Errorf("distributed: unmarshal announcement for key %q: %w", k, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func mountKey(prefix string) string { return mountKeyPrefix + prefix }

// Dialer opens a toolprovider.Provider pointed at a remote node's address,
// e.g. an MCP client dialing an Announcement.Address. It is supplied by the
// caller rather than fixed here so this package stays transport-agnostic.
type Dialer func(ctx context.Context, address string) (toolprovider.Provider, error)

// MountRemote resolves prefix's current owner through r, dials it with
// dial, and mounts the result on comp via MountServer — the construction
// path a node in a sharded compositor fleet uses to reach a prefix some
// other node owns, instead of mounting every provider everywhere. Returns
// ErrNotAnnounced if no node currently announces prefix.
func MountRemote(ctx context.Context, comp *compositor.Compositor, r *Registry, prefix string, dial Dialer) error {
	owner, err := r.Resolve(prefix)
	if err != nil {
		return err
	}
	transport, err := dial(ctx, owner.Address)
	if err != nil {
		return fmt.Errorf("distributed: dialing %q owner %s at %s: %w", prefix, owner.NodeID, owner.Address, err)
	}
	if err := comp.MountServer(prefix, transport); err != nil {
		return fmt.Errorf("distributed: mounting %q from %s: %w", prefix, owner.Address, err)
	}
	return nil
}
