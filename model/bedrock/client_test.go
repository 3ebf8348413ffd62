package bedrock_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/model"
	"github.com/agentydragon/coreagent/model/bedrock"
)

type fakeRuntime struct {
	captured *bedrockruntime.ConverseInput
	reply    *bedrockruntime.ConverseOutput
	err      error
}

func (f *fakeRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.captured = params
	return f.reply, f.err
}

func TestNewRejectsMissingDefaultModel(t *testing.T) {
	_, err := bedrock.New(&fakeRuntime{}, bedrock.Options{})
	assert.Error(t, err)
}

func TestNewRejectsNilRuntime(t *testing.T) {
	_, err := bedrock.New(nil, bedrock.Options{DefaultModel: "nova-test"})
	assert.Error(t, err)
}

func TestResponsesCreateRequiresAtLeastOneMessage(t *testing.T) {
	fake := &fakeRuntime{}
	client, err := bedrock.New(fake, bedrock.Options{DefaultModel: "nova-test"})
	require.NoError(t, err)

	_, err = client.ResponsesCreate(context.Background(), model.Request{
		Input: []event.Item{event.SystemText{Text: "be nice"}},
	})
	assert.Error(t, err)
}

func TestResponsesCreateTranslatesTextReply(t *testing.T) {
	fake := &fakeRuntime{reply: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "hello"}},
			},
		},
		Usage: &brtypes.TokenUsage{InputTokens: int32Ptr(10), OutputTokens: int32Ptr(5)},
	}}
	client, err := bedrock.New(fake, bedrock.Options{DefaultModel: "nova-test"})
	require.NoError(t, err)

	resp, err := client.ResponsesCreate(context.Background(), model.Request{
		Input: []event.Item{event.UserText{Text: "hi"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Output, 1)
	assert.Equal(t, event.AssistantText{Text: "hello"}, resp.Output[0])
	assert.Equal(t, int64(10), resp.Usage.InputTokens)
	assert.Equal(t, int64(5), resp.Usage.OutputTokens)
	assert.Equal(t, "nova-test", *fake.captured.ModelId)
}

func int32Ptr(v int32) *int32 { return &v }
