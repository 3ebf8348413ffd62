// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates transcript items into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps the response's content blocks back into the generic event items the
// agent loop understands.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/model"
	"github.com/agentydragon/coreagent/toolprovider"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// adapter, satisfied by *sdk.MessageService so tests can substitute a
	// fake instead of a live client.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures defaults the adapter falls back to when a Request
	// leaves them unset.
	Options struct {
		DefaultModel string
		MaxTokens    int
		Temperature  float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTokens    int
		temperature  float64
	}
)

// New builds an Anthropic-backed model.Client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model identifier is required")
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP
// transport, reading ANTHROPIC_API_KEY conventions via option.WithAPIKey.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// ResponsesCreate implements model.Client.
func (c *Client) ResponsesCreate(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return translateResponse(msg)
}

func (c *Client) prepareRequest(req model.Request) (*sdk.MessageNewParams, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := c.maxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, system, err := encodeInput(req.Input)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  messages,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}
	if len(req.Tools) > 0 {
		schemas := req.Tools
		if req.ToolChoice.Mode == model.ToolChoiceOneOf && len(req.ToolChoice.Names) > 1 {
			schemas = nil
			for _, s := range req.Tools {
				for _, n := range req.ToolChoice.Names {
					if s.Name == n {
						schemas = append(schemas, s)
					}
				}
			}
		}
		tools, err := encodeTools(schemas)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	params.ToolChoice = encodeToolChoice(req.ToolChoice)
	return &params, nil
}

// encodeInput walks transcript items in order, mapping system_text to system
// blocks and user_text/assistant_text/tool_call/function_call_output to
// Anthropic's user/assistant message blocks. Reasoning items are not
// re-encoded: Anthropic's own thinking blocks must originate from the same
// response they were produced in, and replaying them across a different
// request is explicitly disallowed by §4's reasoning-contiguity invariant.
func encodeInput(items []event.Item) (messages []sdk.MessageParam, system []sdk.TextBlockParam, err error) {
	var pendingUser, pendingAssistant []sdk.ContentBlockParamUnion

	flushUser := func() {
		if len(pendingUser) > 0 {
			messages = append(messages, sdk.NewUserMessage(pendingUser...))
			pendingUser = nil
		}
	}
	flushAssistant := func() {
		if len(pendingAssistant) > 0 {
			messages = append(messages, sdk.NewAssistantMessage(pendingAssistant...))
			pendingAssistant = nil
		}
	}

	for _, item := range items {
		switch v := item.(type) {
		case event.SystemText:
			system = append(system, sdk.TextBlockParam{Text: v.Text})
		case event.UserText:
			flushAssistant()
			pendingUser = append(pendingUser, sdk.NewTextBlock(v.Text))
		case event.AssistantText:
			flushUser()
			pendingAssistant = append(pendingAssistant, sdk.NewTextBlock(v.Text))
		case event.ToolCall:
			flushUser()
			var args any
			if len(v.ArgsJSON) > 0 {
				if err := json.Unmarshal(v.ArgsJSON, &args); err != nil {
					return nil, nil, fmt.Errorf("anthropic: decoding tool_call args for %q: %w", v.CallID, err)
				}
			}
			pendingAssistant = append(pendingAssistant, sdk.NewToolUseBlock(v.CallID, args, v.Name))
		case event.FunctionCallOutput:
			flushAssistant()
			pendingUser = append(pendingUser, sdk.NewToolResultBlock(v.CallID, string(v.Result), v.IsError))
		case event.Reasoning, event.APIRequest, event.Response:
			// not re-encoded on replay; see doc comment.
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported item kind %q", v.Kind())
		}
	}
	flushUser()
	flushAssistant()
	return messages, system, nil
}

func encodeTools(schemas []toolprovider.ToolSchema) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		var fields map[string]any
		if len(s.InputSchema) > 0 {
			if err := json.Unmarshal(s.InputSchema, &fields); err != nil {
				return nil, fmt.Errorf("anthropic: decoding input schema for %q: %w", s.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: fields}, s.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(s.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func encodeToolChoice(tc model.ToolChoice) sdk.ToolChoiceUnionParam {
	switch tc.Mode {
	case model.ToolChoiceForbidden:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}
	case model.ToolChoiceRequired:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	case model.ToolChoiceOneOf:
		if len(tc.Names) == 1 {
			return sdk.ToolChoiceUnionParam{OfTool: &sdk.ToolChoiceToolParam{Name: tc.Names[0]}}
		}
		// Anthropic's tool_choice=tool names exactly one tool; when the
		// caller requests several, prepareRequest sends only those tools,
		// so OfAny still respects the requested subset.
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	default:
		return sdk.ToolChoiceUnionParam{}
	}
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

func translateResponse(msg *sdk.Message) (model.Response, error) {
	if msg == nil {
		return model.Response{}, errors.New("anthropic: response message is nil")
	}
	var output []event.Item
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				output = append(output, event.AssistantText{Text: block.Text})
			}
		case "tool_use":
			argsJSON, err := json.Marshal(block.Input)
			if err != nil {
				return model.Response{}, fmt.Errorf("anthropic: encoding tool_use input: %w", err)
			}
			output = append(output, event.ToolCall{Name: block.Name, ArgsJSON: argsJSON, CallID: block.ID})
		case "thinking":
			opaque, err := json.Marshal(block)
			if err != nil {
				return model.Response{}, fmt.Errorf("anthropic: encoding thinking block: %w", err)
			}
			output = append(output, event.Reasoning{ResponseID: msg.ID, Opaque: opaque})
		}
	}
	return model.Response{
		ID:     msg.ID,
		Output: output,
		Usage:  event.Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens},
	}, nil
}
