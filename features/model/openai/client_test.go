package openai_test

import (
	"context"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	openaimodel "maice.ai/orchestrator/features/model/openai"
	"maice.ai/orchestrator/runtime/agent/model"
)

type stubChatClient struct {
	captured sdk.ChatCompletionNewParams
	resp     *sdk.ChatCompletion
	err      error

	stream *ssestream.Stream[sdk.ChatCompletionChunk]
}

func (s *stubChatClient) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	s.captured = body
	return s.resp, s.err
}

func (s *stubChatClient) NewStreaming(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk] {
	s.captured = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.ChatCompletionChunk](&noopDecoder{}, nil)
	}
	return s.stream
}

type noopDecoder struct{}

func (n *noopDecoder) Event() ssestream.Event { return ssestream.Event{} }
func (n *noopDecoder) Next() bool             { return false }
func (n *noopDecoder) Close() error           { return nil }
func (n *noopDecoder) Err() error             { return nil }

func TestComplete_TextOnly(t *testing.T) {
	stub := &stubChatClient{}
	cl, err := openaimodel.New(stub, openaimodel.Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	stub.resp = &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{
			{
				FinishReason: "stop",
				Message:      sdk.ChatCompletionMessage{Content: "hi there"},
			},
		},
		Usage: sdk.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	resp, err := cl.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "ping"}}},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	require.Equal(t, "hi there", resp.Content[0].Parts[0].(model.TextPart).Text)
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	require.Equal(t, sdk.ChatModel("gpt-4o"), stub.captured.Model)
	require.Len(t, stub.captured.Messages, 1)
}

func TestComplete_RequestModelOverridesDefault(t *testing.T) {
	stub := &stubChatClient{resp: &sdk.ChatCompletion{Choices: []sdk.ChatCompletionChoice{{}}}}
	cl, err := openaimodel.New(stub, openaimodel.Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), &model.Request{
		Model: "gpt-4o-mini",
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "ping"}}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, sdk.ChatModel("gpt-4o-mini"), stub.captured.Model)
}

func TestNew_RequiresDefaultModel(t *testing.T) {
	_, err := openaimodel.New(&stubChatClient{}, openaimodel.Options{})
	require.Error(t, err)
}

func TestNew_RequiresChatClient(t *testing.T) {
	_, err := openaimodel.New(nil, openaimodel.Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)
}
