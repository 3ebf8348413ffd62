// Package openai provides a model.Client implementation backed by the OpenAI
// Responses API via github.com/openai/openai-go. The Responses API's own
// shape (input items, tool schemas, tool_choice, output items, usage) maps
// almost directly onto §6's model provider contract, which is itself named
// after it.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/model"
	"github.com/agentydragon/coreagent/toolprovider"
)

type (
	// ResponsesClient captures the subset of the OpenAI SDK used by the
	// adapter, satisfied by the real client's Responses service.
	ResponsesClient interface {
		New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error)
	}

	// Options configures defaults the adapter falls back to.
	Options struct {
		DefaultModel string
	}

	// Client implements model.Client on top of the OpenAI Responses API.
	Client struct {
		responses    ResponsesClient
		defaultModel string
	}
)

// New builds an OpenAI-backed model.Client.
func New(responsesClient ResponsesClient, opts Options) (*Client, error) {
	if responsesClient == nil {
		return nil, errors.New("openai: responses client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{responses: responsesClient, defaultModel: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Responses, Options{DefaultModel: defaultModel})
}

// ResponsesCreate implements model.Client.
func (c *Client) ResponsesCreate(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	resp, err := c.responses.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("openai: responses.new: %w", err)
	}
	return translateResponse(resp)
}

func (c *Client) prepareRequest(req model.Request) (*responses.ResponseNewParams, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	input, err := encodeInput(req.Input)
	if err != nil {
		return nil, err
	}
	params := &responses.ResponseNewParams{
		Model: responses.ResponsesModel(modelID),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: input},
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	params.ToolChoice = encodeToolChoice(req.ToolChoice)
	return params, nil
}

// encodeInput maps transcript items onto the Responses API's input item
// list. Reasoning items are not replayed: they are tied to the response that
// produced them and must not cross into a different request, per §4's
// reasoning-contiguity invariant.
func encodeInput(items []event.Item) (responses.ResponseInputParam, error) {
	var out responses.ResponseInputParam
	for _, item := range items {
		switch v := item.(type) {
		case event.SystemText:
			out = append(out, responses.ResponseInputItemParamOfMessage(v.Text, responses.EasyInputMessageRoleSystem))
		case event.UserText:
			out = append(out, responses.ResponseInputItemParamOfMessage(v.Text, responses.EasyInputMessageRoleUser))
		case event.AssistantText:
			out = append(out, responses.ResponseInputItemParamOfMessage(v.Text, responses.EasyInputMessageRoleAssistant))
		case event.ToolCall:
			out = append(out, responses.ResponseInputItemParamOfFunctionCall(string(v.ArgsJSON), v.CallID, v.Name))
		case event.FunctionCallOutput:
			out = append(out, responses.ResponseInputItemParamOfFunctionCallOutput(v.CallID, string(v.Result)))
		case event.Reasoning, event.APIRequest, event.Response:
			// not replayed; see doc comment.
		default:
			return nil, fmt.Errorf("openai: unsupported item kind %q", v.Kind())
		}
	}
	return out, nil
}

func encodeTools(schemas []toolprovider.ToolSchema) ([]responses.ToolUnionParam, error) {
	out := make([]responses.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		schema := s.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		var params map[string]any
		if err := json.Unmarshal(schema, &params); err != nil {
			return nil, fmt.Errorf("openai: decoding input schema for %q: %w", s.Name, err)
		}
		out = append(out, responses.ToolParamOfFunction(s.Name, params, false))
	}
	return out, nil
}

func encodeToolChoice(tc model.ToolChoice) responses.ResponseNewParamsToolChoiceUnion {
	switch tc.Mode {
	case model.ToolChoiceForbidden:
		return responses.ResponseNewParamsToolChoiceUnion{OfToolChoiceMode: responses.ToolChoiceOptionsNone}
	case model.ToolChoiceRequired:
		return responses.ResponseNewParamsToolChoiceUnion{OfToolChoiceMode: responses.ToolChoiceOptionsRequired}
	case model.ToolChoiceOneOf:
		if len(tc.Names) == 1 {
			return responses.ResponseNewParamsToolChoiceUnion{
				OfFunctionTool: &responses.ToolChoiceFunctionParam{Name: tc.Names[0]},
			}
		}
		return responses.ResponseNewParamsToolChoiceUnion{OfToolChoiceMode: responses.ToolChoiceOptionsAuto}
	default:
		return responses.ResponseNewParamsToolChoiceUnion{OfToolChoiceMode: responses.ToolChoiceOptionsAuto}
	}
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

func translateResponse(resp *responses.Response) (model.Response, error) {
	if resp == nil {
		return model.Response{}, errors.New("openai: response is nil")
	}
	var output []event.Item
	for _, item := range resp.Output {
		switch v := item.AsAny().(type) {
		case responses.ResponseOutputMessage:
			for _, c := range v.Content {
				if text := c.OfOutputText; text != nil {
					output = append(output, event.AssistantText{Text: text.Text})
				}
			}
		case responses.ResponseFunctionToolCall:
			output = append(output, event.ToolCall{Name: v.Name, ArgsJSON: json.RawMessage(v.Arguments), CallID: v.CallID})
		case responses.ResponseReasoningItem:
			opaque, err := json.Marshal(v)
			if err != nil {
				return model.Response{}, fmt.Errorf("openai: encoding reasoning item: %w", err)
			}
			output = append(output, event.Reasoning{ResponseID: resp.ID, Opaque: opaque})
		}
	}
	return model.Response{
		ID:     resp.ID,
		Output: output,
		Usage:  event.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}, nil
}
