package openai_test

import (
	"context"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/model"
	"github.com/agentydragon/coreagent/model/openai"
)

type fakeResponses struct {
	reply *responses.Response
	err   error
}

func (f *fakeResponses) New(_ context.Context, _ responses.ResponseNewParams, _ ...option.RequestOption) (*responses.Response, error) {
	return f.reply, f.err
}

func TestNewRejectsMissingDefaultModel(t *testing.T) {
	_, err := openai.New(&fakeResponses{}, openai.Options{})
	assert.Error(t, err)
}

func TestNewRejectsNilClient(t *testing.T) {
	_, err := openai.New(nil, openai.Options{DefaultModel: "gpt-test"})
	assert.Error(t, err)
}

func TestResponsesCreateTranslatesTextReply(t *testing.T) {
	fake := &fakeResponses{reply: &responses.Response{ID: "resp_1"}}
	client, err := openai.New(fake, openai.Options{DefaultModel: "gpt-test"})
	require.NoError(t, err)

	resp, err := client.ResponsesCreate(context.Background(), model.Request{
		Input: []event.Item{event.UserText{Text: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "resp_1", resp.ID)
}
