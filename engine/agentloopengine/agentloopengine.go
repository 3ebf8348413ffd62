// Package agentloopengine binds agentloop.Loop to the engine.Engine
// abstraction: it reroutes everything a run does that touches the outside
// world — sampling and tool dispatch — through engine activities, so a
// durable engine (engine/temporal) can resume a run mid-iteration after a
// crash instead of losing it. The loop's own reducer/step bookkeeping is
// untouched; only its Client and Provider collaborators are swapped for
// durable wrappers that go through ctx.ExecuteActivity.
package agentloopengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentydragon/coreagent/agentloop"
	"github.com/agentydragon/coreagent/engine"
	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/model"
	"github.com/agentydragon/coreagent/toolprovider"
)

const (
	// WorkflowName is the name Workflow must be registered under.
	WorkflowName = "agentloop.run"

	sampleActivityName    = "agentloop.sample"
	listToolsActivityName = "agentloop.list_tools"
	callToolActivityName  = "agentloop.call_tool"
)

// WorkflowInput is the req.Input passed to engine.WorkflowStartRequest for
// the WorkflowName workflow.
type WorkflowInput struct {
	AgentID string
	// Config's Client and Provider fields are ignored: the workflow
	// dispatches sampling and tool calls through the activities registered
	// by Activities instead, so those calls survive an engine crash
	// mid-run.
	Config     agentloop.Config
	ToolPolicy agentloop.ToolPolicy
	Seed       []event.Item
}

// callToolInput is the Input of the call_tool activity; it must be a
// concrete type (not two positional args) since ActivityFunc takes one.
type callToolInput struct {
	Name string
	Args json.RawMessage
}

// Activities returns the activity definitions the durable Client/Provider
// wrappers dispatch through. Register them on the engine, alongside
// Workflow, before starting any WorkflowName run.
func Activities(client model.Client, provider toolprovider.Provider) []engine.ActivityDefinition {
	return []engine.ActivityDefinition{
		{
			Name: sampleActivityName,
			Handler: func(ctx context.Context, input any) (any, error) {
				req, ok := input.(model.Request)
				if !ok {
					return nil, fmt.Errorf("agentloopengine: sample: unexpected input type %T", input)
				}
				return client.ResponsesCreate(ctx, req)
			},
		},
		{
			Name: listToolsActivityName,
			Handler: func(ctx context.Context, _ any) (any, error) {
				return provider.ListTools(ctx)
			},
		},
		{
			Name: callToolActivityName,
			Handler: func(ctx context.Context, input any) (any, error) {
				req, ok := input.(callToolInput)
				if !ok {
					return nil, fmt.Errorf("agentloopengine: call_tool: unexpected input type %T", input)
				}
				return provider.CallTool(ctx, req.Name, req.Args)
			},
		},
	}
}

// Workflow is the engine.WorkflowFunc that drives an agentloop.Loop to
// completion under an engine. Register it under WorkflowName.
func Workflow(ctx engine.WorkflowContext, input any) (any, error) {
	in, ok := input.(WorkflowInput)
	if !ok {
		return nil, fmt.Errorf("agentloopengine: workflow: unexpected input type %T", input)
	}
	cfg := in.Config
	cfg.Client = durableClient{ctx: ctx}
	cfg.Provider = durableProvider{ctx: ctx}

	loop := agentloop.New(in.AgentID, cfg, in.ToolPolicy, in.Seed)
	return loop.Run(ctx.Context())
}

// durableClient implements model.Client by executing the sample activity,
// so every sampling call a running workflow makes is an engine-tracked
// step rather than a direct, unrecoverable network call.
type durableClient struct{ ctx engine.WorkflowContext }

func (d durableClient) ResponsesCreate(ctx context.Context, req model.Request) (model.Response, error) {
	var resp model.Response
	err := d.ctx.ExecuteActivity(ctx, engine.ActivityRequest{Name: sampleActivityName, Input: req}, &resp)
	return resp, err
}

// durableProvider implements toolprovider.Provider the same way, for tool
// listing and dispatch.
type durableProvider struct{ ctx engine.WorkflowContext }

func (d durableProvider) ListTools(ctx context.Context) ([]toolprovider.ToolSchema, error) {
	var tools []toolprovider.ToolSchema
	err := d.ctx.ExecuteActivity(ctx, engine.ActivityRequest{Name: listToolsActivityName}, &tools)
	return tools, err
}

func (d durableProvider) CallTool(ctx context.Context, name string, args json.RawMessage) (toolprovider.Result, error) {
	var result toolprovider.Result
	err := d.ctx.ExecuteActivity(ctx, engine.ActivityRequest{
		Name:  callToolActivityName,
		Input: callToolInput{Name: name, Args: args},
	}, &result)
	return result, err
}

// Register registers Workflow and client/provider's activities on eng,
// ready for StartWorkflow(WorkflowName, ...).
func Register(ctx context.Context, eng engine.Engine, client model.Client, provider toolprovider.Provider) error {
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{Name: WorkflowName, Handler: Workflow}); err != nil {
		return fmt.Errorf("agentloopengine: registering workflow: %w", err)
	}
	for _, def := range Activities(client, provider) {
		if err := eng.RegisterActivity(ctx, def); err != nil {
			return fmt.Errorf("agentloopengine: registering activity %q: %w", def.Name, err)
		}
	}
	return nil
}
