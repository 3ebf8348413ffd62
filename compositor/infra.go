package compositor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentydragon/coreagent/toolprovider"
)

// resourcesServer is the always-pinned "resources" infrastructure mount: it
// exposes the compositor's aggregated resource URIs as a single tool so a
// model can enumerate everything mounted without knowing prefixes up front.
type resourcesServer struct {
	c *Compositor
}

func newResourcesServer(c *Compositor) *resourcesServer {
	return &resourcesServer{c: c}
}

func (r *resourcesServer) ListTools(context.Context) ([]toolprovider.ToolSchema, error) {
	return []toolprovider.ToolSchema{
		{
			Name:        "list",
			Description: "List resource URIs aggregated across all mounted servers.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		},
	}, nil
}

func (r *resourcesServer) CallTool(_ context.Context, name string, _ json.RawMessage) (toolprovider.Result, error) {
	if name != "list" {
		return toolprovider.Result{}, fmt.Errorf("compositor: resources server has no tool %q", name)
	}
	mounts := r.c.Mounts()
	uris := make([]string, 0, len(mounts))
	for _, m := range mounts {
		uris = append(uris, PrefixedResourceURI(m.Prefix, "resource://"))
	}
	b, err := json.Marshal(uris)
	if err != nil {
		return toolprovider.Result{}, err
	}
	return toolprovider.Result{Structured: b}, nil
}

// compositorMetaServer is the always-pinned "compositor_meta" infrastructure
// mount: it exposes the mount table itself, so an admin (or the model, if
// policy allows) can inspect what is currently mounted and whether it is
// pinned.
type compositorMetaServer struct {
	c *Compositor
}

func newCompositorMetaServer(c *Compositor) *compositorMetaServer {
	return &compositorMetaServer{c: c}
}

func (m *compositorMetaServer) ListTools(context.Context) ([]toolprovider.ToolSchema, error) {
	return []toolprovider.ToolSchema{
		{
			Name:        "list_mounts",
			Description: "List every currently mounted prefix and whether it is pinned.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		},
	}, nil
}

func (m *compositorMetaServer) CallTool(_ context.Context, name string, _ json.RawMessage) (toolprovider.Result, error) {
	if name != "list_mounts" {
		return toolprovider.Result{}, fmt.Errorf("compositor: compositor_meta server has no tool %q", name)
	}
	b, err := json.Marshal(m.c.Mounts())
	if err != nil {
		return toolprovider.Result{}, err
	}
	return toolprovider.Result{Structured: b}, nil
}
