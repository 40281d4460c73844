// Package freetalker implements the FreeTalkerAgent: the free-pass mode's
// direct LLM chat path, bypassing the classifier/clarify/answer pipeline
// entirely.
//
// Grounded on original_source/agent/agents/freetalker/agent.py:
// _process_freepass_request's conversation_history rendering
// ("사용자"/"AI" role prefixes joined with blank lines, current question
// appended last) and its streaming_complete/freepass_error message shapes.
// Streaming mechanics reuse the Answer Generator's gw.Stream/io.EOF
// handling (features/model/gateway.Server.Stream terminates a successful
// stream with io.EOF, not nil).
package freetalker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"maice.ai/orchestrator/agents/runner"
	"maice.ai/orchestrator/bus"
	"maice.ai/orchestrator/features/model/gateway"
	"maice.ai/orchestrator/messages"
	"maice.ai/orchestrator/runtime/agent/model"
)

// Name is this agent's role identifier.
const Name = messages.AgentFreeTalker

const defaultMaxOutputTokens = 4000

const systemPrompt = `필요할 때만 수학 수식을 LaTeX 형식($수식$)으로 작성해주세요.`

// FreeTalker is the FreeTalkerAgent worker.
type FreeTalker struct {
	bus             *bus.Bus
	gw              *gateway.Server
	maxOutputTokens int
}

// New builds a FreeTalker over the given bus and LLM gateway.
// maxOutputTokens caps generated reply length; a value <= 0 falls back to
// defaultMaxOutputTokens.
func New(b *bus.Bus, gw *gateway.Server, maxOutputTokens int) *FreeTalker {
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTokens
	}
	return &FreeTalker{bus: b, gw: gw, maxOutputTokens: maxOutputTokens}
}

// Run joins the ingress stream under the free-talker consumer group.
func (f *FreeTalker) Run(ctx context.Context, consumer string, block time.Duration) error {
	return runner.Run(ctx, f.bus, runner.Config{
		Group:       "maice:group:" + Name,
		Consumer:    consumer,
		TargetAgent: Name,
		Block:       block,
	}, f.Handle)
}

// Handle processes one freepass_request ingress envelope.
func (f *FreeTalker) Handle(ctx context.Context, env messages.Envelope) error {
	if env.Type != messages.TypeFreepassRequest {
		return nil
	}
	var req messages.FreepassRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	return f.stream(ctx, env.SessionID, env.RequestID, req)
}

func (f *FreeTalker) stream(ctx context.Context, sessionID, requestID string, req messages.FreepassRequest) error {
	start := time.Now()
	prompt := renderPrompt(req.ConversationHistory, req.Question)

	llmReq := &model.Request{
		MaxTokens: f.maxOutputTokens,
		Stream:    true,
		Messages: []*model.Message{
			{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: systemPrompt}}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: prompt}}},
		},
	}

	var full strings.Builder
	chunkIndex := 0
	streamErr := f.gw.Stream(ctx, llmReq, func(ch model.Chunk) error {
		text := chunkText(ch)
		if text == "" {
			return nil
		}
		chunkIndex++
		full.WriteString(text)
		return f.emitFreepassChunk(ctx, sessionID, requestID, text, chunkIndex)
	})

	fullResponse := full.String()
	// As with the Answer Generator, gw.Stream's base handler returns io.EOF
	// when model.Streamer.Recv reaches the stream's natural end - that is
	// the success path, not a failure.
	if streamErr != nil && !errors.Is(streamErr, io.EOF) {
		return f.emitFreepassError(ctx, sessionID, requestID, streamErr.Error())
	}
	if fullResponse == "" {
		return f.emitFreepassError(ctx, sessionID, requestID, "빈 응답을 받았습니다.")
	}

	return f.emitStreamingComplete(ctx, sessionID, requestID, fullResponse, chunkIndex, time.Since(start).Seconds())
}

// renderPrompt flattens a conversation history plus the current question
// into one prompt string, matching the role-prefixed/blank-line-joined
// rendering of the original free-pass handler.
func renderPrompt(history []messages.ConversationTurn, question string) string {
	if len(history) == 0 {
		return question
	}
	var b strings.Builder
	for _, turn := range history {
		role := "AI"
		if turn.Role == string(model.ConversationRoleUser) {
			role = "사용자"
		}
		fmt.Fprintf(&b, "%s: %s\n\n", role, turn.Content)
	}
	fmt.Fprintf(&b, "사용자: %s", question)
	return b.String()
}

func chunkText(ch model.Chunk) string {
	if ch.Type != model.ChunkTypeText || ch.Message == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range ch.Message.Parts {
		if t, ok := part.(model.TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

func (f *FreeTalker) emitFreepassChunk(ctx context.Context, sessionID, requestID, content string, chunkIndex int) error {
	env, err := messages.Encode(messages.TypeFreepassChunk, sessionID, requestID,
		messages.AnswerChunk{Content: content, ChunkIndex: chunkIndex}, time.Now().UTC())
	if err != nil {
		return err
	}
	env.AgentName = Name
	_, err = f.bus.Publish(ctx, bus.EgressStream(sessionID), env.ToFields())
	return err
}

func (f *FreeTalker) emitStreamingComplete(ctx context.Context, sessionID, requestID, fullResponse string, totalChunks int, seconds float64) error {
	env, err := messages.Encode(messages.TypeStreamingComplete, sessionID, requestID, messages.StreamingComplete{
		FullResponse:          fullResponse,
		TotalChunks:           totalChunks,
		ProcessingTimeSeconds: seconds,
	}, time.Now().UTC())
	if err != nil {
		return err
	}
	env.AgentName = Name
	_, err = f.bus.Publish(ctx, bus.EgressStream(sessionID), env.ToFields())
	return err
}

func (f *FreeTalker) emitFreepassError(ctx context.Context, sessionID, requestID, reason string) error {
	env, err := messages.Encode(messages.TypeFreepassError, sessionID, requestID, messages.FreepassError{
		Error:   reason,
		Message: "프리토커 에이전트에서 오류가 발생했습니다.",
	}, time.Now().UTC())
	if err != nil {
		return err
	}
	env.AgentName = Name
	_, err = f.bus.Publish(ctx, bus.EgressStream(sessionID), env.ToFields())
	return err
}
