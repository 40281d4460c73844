package answergen

import (
	"context"
	"errors"
	"io"
	"testing"

	"maice.ai/orchestrator/features/model/gateway"
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

func TestChunkText_IgnoresNonTextChunks(t *testing.T) {
	if got := chunkText(model.Chunk{Type: model.ChunkTypeStop}); got != "" {
		t.Fatalf("expected empty string for a stop chunk, got %q", got)
	}
	if got := chunkText(textChunk("hello")); got != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestGatewayStream_AccumulatesChunksThenEOF(t *testing.T) {
	streamer := &fakeStreamer{chunks: []model.Chunk{textChunk("hello "), textChunk("world"), {Type: model.ChunkTypeStop}}}
	gw, err := gateway.NewServer(gateway.WithProvider(&stubStreamClient{streamer: streamer}))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	var full string
	chunkIndex := 0
	streamErr := gw.Stream(context.Background(), &model.Request{Stream: true}, func(ch model.Chunk) error {
		text := chunkText(ch)
		if text == "" {
			return nil
		}
		chunkIndex++
		full += text
		return nil
	})
	if !errors.Is(streamErr, io.EOF) {
		t.Fatalf("expected io.EOF at stream end, got %v", streamErr)
	}
	if full != "hello world" {
		t.Fatalf("expected accumulated text %q, got %q", "hello world", full)
	}
	if chunkIndex != 2 {
		t.Fatalf("expected 2 text chunks, got %d", chunkIndex)
	}
}

func TestNew_SetsGateway(t *testing.T) {
	gw, err := gateway.NewServer(gateway.WithProvider(&stubStreamClient{streamer: &fakeStreamer{}}))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ag := New(nil, gw, 0)
	if ag.gw != gw {
		t.Fatal("expected New to store the gateway")
	}
	if ag.maxOutputTokens != defaultMaxOutputTokens {
		t.Fatalf("expected default max output tokens, got %d", ag.maxOutputTokens)
	}
}
