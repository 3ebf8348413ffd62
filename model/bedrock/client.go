// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API: split system vs. conversational messages, encode
// tool schemas into Bedrock's ToolConfiguration, and translate Converse
// responses (text + tool_use blocks) back into event items.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/model"
	"github.com/agentydragon/coreagent/toolprovider"
)

type (
	// RuntimeClient is the subset of *bedrockruntime.Client the adapter uses.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures defaults the adapter falls back to.
	Options struct {
		DefaultModel string
		MaxTokens    int
		Temperature  float32
	}

	// Client implements model.Client on top of AWS Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTokens    int
		temperature  float32
	}
)

// New builds a Bedrock-backed model.Client.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model identifier is required")
	}
	return &Client{runtime: runtime, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

// ResponsesCreate implements model.Client.
func (c *Client) ResponsesCreate(ctx context.Context, req model.Request) (model.Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages, system, err := encodeInput(req.Input)
	if err != nil {
		return model.Response{}, err
	}
	if len(messages) == 0 {
		return model.Response{}, errors.New("bedrock: at least one user/assistant message is required")
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  &modelID,
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if len(req.Tools) > 0 {
		toolConfig, err := encodeTools(req.Tools, req.ToolChoice)
		if err != nil {
			return model.Response{}, err
		}
		input.ToolConfig = toolConfig
	}
	inferenceConfig := &brtypes.InferenceConfiguration{}
	if c.maxTokens > 0 {
		mt := int32(c.maxTokens)
		inferenceConfig.MaxTokens = &mt
	}
	if c.temperature > 0 {
		inferenceConfig.Temperature = &c.temperature
	}
	input.InferenceConfig = inferenceConfig

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("bedrock: converse: %w", err)
	}
	return translateResponse(out)
}

// encodeInput maps transcript items onto Bedrock's Message/ContentBlock
// shape. Reasoning items are not replayed: Bedrock reasoning content is tied
// to the response turn that produced it, per §4's reasoning-contiguity
// invariant.
func encodeInput(items []event.Item) (messages []brtypes.Message, system []brtypes.SystemContentBlock, err error) {
	var pendingUser, pendingAssistant []brtypes.ContentBlock

	flushUser := func() {
		if len(pendingUser) > 0 {
			messages = append(messages, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: pendingUser})
			pendingUser = nil
		}
	}
	flushAssistant := func() {
		if len(pendingAssistant) > 0 {
			messages = append(messages, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: pendingAssistant})
			pendingAssistant = nil
		}
	}

	for _, item := range items {
		switch v := item.(type) {
		case event.SystemText:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: v.Text})
		case event.UserText:
			flushAssistant()
			pendingUser = append(pendingUser, &brtypes.ContentBlockMemberText{Value: v.Text})
		case event.AssistantText:
			flushUser()
			pendingAssistant = append(pendingAssistant, &brtypes.ContentBlockMemberText{Value: v.Text})
		case event.ToolCall:
			flushUser()
			var input document.Interface
			if len(v.ArgsJSON) > 0 {
				input = document.NewLazyDocument(json.RawMessage(v.ArgsJSON))
			}
			pendingAssistant = append(pendingAssistant, &brtypes.ContentBlockMemberToolUse{
				Value: brtypes.ToolUseBlock{ToolUseId: &v.CallID, Name: &v.Name, Input: input},
			})
		case event.FunctionCallOutput:
			flushAssistant()
			status := brtypes.ToolResultStatusSuccess
			if v.IsError {
				status = brtypes.ToolResultStatusError
			}
			pendingUser = append(pendingUser, &brtypes.ContentBlockMemberToolResult{
				Value: brtypes.ToolResultBlock{
					ToolUseId: &v.CallID,
					Status:    status,
					Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: string(v.Result)}},
				},
			})
		case event.Reasoning, event.APIRequest, event.Response:
			// not replayed; see doc comment.
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported item kind %q", v.Kind())
		}
	}
	flushUser()
	flushAssistant()
	return messages, system, nil
}

func encodeTools(schemas []toolprovider.ToolSchema, choice model.ToolChoice) (*brtypes.ToolConfiguration, error) {
	tools := make([]brtypes.Tool, 0, len(schemas))
	for _, s := range schemas {
		var fields map[string]any
		if len(s.InputSchema) > 0 {
			if err := json.Unmarshal(s.InputSchema, &fields); err != nil {
				return nil, fmt.Errorf("bedrock: decoding input schema for %q: %w", s.Name, err)
			}
		}
		name, desc := s.Name, s.Description
		tools = append(tools, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        &name,
				Description: &desc,
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(fields)},
			},
		})
	}
	config := &brtypes.ToolConfiguration{Tools: tools}
	switch choice.Mode {
	case model.ToolChoiceRequired:
		config.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	case model.ToolChoiceOneOf:
		if len(choice.Names) == 1 {
			name := choice.Names[0]
			config.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: &name}}
		}
	}
	return config, nil
}

func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException"
}

func translateResponse(out *bedrockruntime.ConverseOutput) (model.Response, error) {
	if out == nil || out.Output == nil {
		return model.Response{}, errors.New("bedrock: converse output is nil")
	}
	msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return model.Response{}, errors.New("bedrock: converse output is not a message")
	}

	var output []event.Item
	for _, block := range msgOutput.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			output = append(output, event.AssistantText{Text: b.Value})
		case *brtypes.ContentBlockMemberToolUse:
			argsJSON, err := b.Value.Input.MarshalSmithyDocument()
			if err != nil {
				return model.Response{}, fmt.Errorf("bedrock: encoding tool_use input: %w", err)
			}
			output = append(output, event.ToolCall{
				Name:     derefString(b.Value.Name),
				ArgsJSON: argsJSON,
				CallID:   derefString(b.Value.ToolUseId),
			})
		}
	}

	var usage event.Usage
	if out.Usage != nil {
		usage = event.Usage{
			InputTokens:  int64(derefInt32(out.Usage.InputTokens)),
			OutputTokens: int64(derefInt32(out.Usage.OutputTokens)),
		}
	}
	return model.Response{Output: output, Usage: usage}, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt32(i *int32) int32 {
	if i == nil {
		return 0
	}
	return *i
}
