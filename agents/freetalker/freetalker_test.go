package freetalker

import (
	"context"
	"errors"
	"io"
	"testing"

	"maice.ai/orchestrator/features/model/gateway"
	"maice.ai/orchestrator/messages"
	"maice.ai/orchestrator/runtime/agent/model"
)

type fakeStreamer struct {
	chunks []model.Chunk
	i      int
}

func (f *fakeStreamer) Recv() (model.Chunk, error) {
	if f.i >= len(f.chunks) {
		return model.Chunk{}, io.EOF
	}
	ch := f.chunks[f.i]
	f.i++
	return ch, nil
}

func (f *fakeStreamer) Close() error             { return nil }
func (f *fakeStreamer) Metadata() map[string]any { return nil }

type stubStreamClient struct {
	streamer model.Streamer
}

func (s *stubStreamClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	return nil, errors.New("unused")
}

func (s *stubStreamClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return s.streamer, nil
}

func textChunk(s string) model.Chunk {
	return model.Chunk{Type: model.ChunkTypeText, Message: &model.Message{Parts: []model.Part{model.TextPart{Text: s}}}}
}

func TestRenderPrompt_NoHistoryReturnsQuestion(t *testing.T) {
	got := renderPrompt(nil, "2x+1=5 풀어줘")
	if got != "2x+1=5 풀어줘" {
		t.Fatalf("expected bare question, got %q", got)
	}
}

func TestRenderPrompt_WithHistoryUsesRolePrefixes(t *testing.T) {
	history := []messages.ConversationTurn{
		{Role: "user", Content: "안녕하세요"},
		{Role: "assistant", Content: "안녕하세요! 무엇을 도와드릴까요?"},
	}
	got := renderPrompt(history, "미분이 뭐예요?")
	want := "사용자: 안녕하세요\n\nAI: 안녕하세요! 무엇을 도와드릴까요?\n\n사용자: 미분이 뭐예요?"
	if got != want {
		t.Fatalf("unexpected rendering:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestChunkText_IgnoresNonTextChunks(t *testing.T) {
	if got := chunkText(model.Chunk{Type: model.ChunkTypeStop}); got != "" {
		t.Fatalf("expected empty string for a stop chunk, got %q", got)
	}
	if got := chunkText(textChunk("world")); got != "world" {
		t.Fatalf("expected %q, got %q", "world", got)
	}
}

func TestGatewayStream_AccumulatesChunksThenEOF(t *testing.T) {
	streamer := &fakeStreamer{chunks: []model.Chunk{textChunk("안녕 "), textChunk("하세요"), {Type: model.ChunkTypeStop}}}
	gw, err := gateway.NewServer(gateway.WithProvider(&stubStreamClient{streamer: streamer}))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	var full string
	streamErr := gw.Stream(context.Background(), &model.Request{Stream: true}, func(ch model.Chunk) error {
		full += chunkText(ch)
		return nil
	})
	if !errors.Is(streamErr, io.EOF) {
		t.Fatalf("expected io.EOF at stream end, got %v", streamErr)
	}
	if full != "안녕 하세요" {
		t.Fatalf("expected accumulated text %q, got %q", "안녕 하세요", full)
	}
}

func TestNew_SetsGateway(t *testing.T) {
	gw, err := gateway.NewServer(gateway.WithProvider(&stubStreamClient{streamer: &fakeStreamer{}}))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ft := New(nil, gw, 0)
	if ft.gw != gw {
		t.Fatal("expected New to store the gateway")
	}
	if ft.maxOutputTokens != defaultMaxOutputTokens {
		t.Fatalf("expected default max output tokens, got %d", ft.maxOutputTokens)
	}
}
