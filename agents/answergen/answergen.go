// Package answergen implements the AnswerGeneratorAgent: turns a classified,
// answerable question into a streamed educational answer, or a canned
// decline when the classification says otherwise, then asynchronously asks
// the Observer to summarize the turn.
//
// Grounded on
// original_source/agent/agents/answer_generator/refactored_agent.go: the
// quality-gate decline path (_generate_answer's `quality != "answerable"`
// branch), _send_answer_to_backend/_send_streaming_complete_signal's
// message shapes, and _trigger_observer_summary's generate_summary fan-out
// payload. Streaming mechanics are grounded in the teacher's
// runtime/agent/model.Streamer interface and
// features/model/gateway.Server's StreamHandler shape.
package answergen

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
const Name = messages.AgentAnswerGenerator

const defaultMaxOutputTokens = 2000

const systemPrompt = `당신은 MAICE의 수학 교육 전문가입니다.

역할:
- 학생의 수학 질문에 대해 체계적이고 교육적인 답변을 생성합니다.
- 한국 고등학교 교육과정 수준에 맞춰 답변합니다.

답변 원칙:
- 단계별 설명으로 복잡한 개념을 단순화합니다.
- 실생활 예시와 시각적 설명을 활용합니다.
- 학생의 수준에 맞는 용어와 설명을 사용합니다.
- 한국어로 자연스럽게 표현합니다.`

// AnswerGenerator is the AnswerGeneratorAgent worker.
type AnswerGenerator struct {
	bus             *bus.Bus
	gw              *gateway.Server
	maxOutputTokens int
}

// New builds an AnswerGenerator over the given bus and LLM gateway.
// maxOutputTokens caps generated answer length; a value <= 0 falls back to
// defaultMaxOutputTokens.
func New(b *bus.Bus, gw *gateway.Server, maxOutputTokens int) *AnswerGenerator {
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTokens
	}
	return &AnswerGenerator{bus: b, gw: gw, maxOutputTokens: maxOutputTokens}
}

// Run joins the ingress stream under the answer-generator consumer group.
func (a *AnswerGenerator) Run(ctx context.Context, consumer string, block time.Duration) error {
	return runner.Run(ctx, a.bus, runner.Config{
		Group:       "maice:group:" + Name,
		Consumer:    consumer,
		TargetAgent: Name,
		Block:       block,
	}, a.Handle)
}

// Handle processes one ready_for_answer/generate_answer ingress envelope.
func (a *AnswerGenerator) Handle(ctx context.Context, env messages.Envelope) error {
	if env.Type != messages.TypeReadyForAnswer && env.Type != messages.TypeGenerateAnswer {
		return nil
	}
	var req messages.ReadyForAnswer
	if err := env.Decode(&req); err != nil {
		return err
	}

	if req.ClassificationResult.Quality != "answerable" {
		return a.decline(ctx, env.SessionID, env.RequestID, req)
	}
	return a.stream(ctx, env.SessionID, env.RequestID, req)
}

// decline emits a single-shot polite refusal without streaming, per the
// quality gate: a classification of anything other than "answerable" skips
// the LLM entirely.
func (a *AnswerGenerator) decline(ctx context.Context, sessionID, requestID string, req messages.ReadyForAnswer) error {
	text := fmt.Sprintf("죄송합니다. 이 질문은 현재 답변하기 어려운 상태입니다. (%s)", req.ClassificationResult.Quality)
	now := time.Now().UTC()
	if err := a.emitAnswerResult(ctx, sessionID, requestID, text, req.ClassificationResult, now); err != nil {
		return err
	}
	return a.emitStreamingComplete(ctx, sessionID, requestID, text, 0, 0, now)
}

func (a *AnswerGenerator) stream(ctx context.Context, sessionID, requestID string, req messages.ReadyForAnswer) error {
	start := time.Now()
	contextText := req.Context
	if contextText == "" {
		contextText = "없음"
	}
	userPrompt := fmt.Sprintf("## 학생 질문\n%s\n\n## 질문 정보\n- 질문 유형: %s\n- 분류 결과: %s\n- 명료화 정보: %s",
		req.Question, req.ClassificationResult.KnowledgeCode, req.ClassificationResult.Quality, contextText)

	llmReq := &model.Request{
		MaxTokens: a.maxOutputTokens,
		Stream:    true,
		Messages: []*model.Message{
			{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: systemPrompt}}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: userPrompt}}},
		},
	}

	var full strings.Builder
	chunkIndex := 0
	streamErr := a.gw.Stream(ctx, llmReq, func(ch model.Chunk) error {
		text := chunkText(ch)
		if text == "" {
			return nil
		}
		chunkIndex++
		full.WriteString(text)
		return a.emitAnswerChunk(ctx, sessionID, requestID, text, chunkIndex)
	})

	fullText := full.String()
	// gw.Stream's base handler returns io.EOF once model.Streamer.Recv hits the
	// stream's natural end; that is the success path, not a failure.
	if streamErr != nil && !errors.Is(streamErr, io.EOF) {
		return a.emitAnswerError(ctx, sessionID, requestID, streamErr.Error(), fullText)
	}

	now := time.Now().UTC()
	if err := a.emitAnswerResult(ctx, sessionID, requestID, fullText, req.ClassificationResult, now); err != nil {
		return err
	}
	if err := a.emitStreamingComplete(ctx, sessionID, requestID, fullText, chunkIndex, time.Since(start).Seconds(), now); err != nil {
		return err
	}

	return a.triggerObserverSummary(ctx, sessionID, requestID, req.Question, fullText, req.ClassificationResult)
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

func (a *AnswerGenerator) emitAnswerChunk(ctx context.Context, sessionID, requestID, content string, chunkIndex int) error {
	env, err := messages.Encode(messages.TypeAnswerChunk, sessionID, requestID,
		messages.AnswerChunk{Content: content, ChunkIndex: chunkIndex}, time.Now().UTC())
	if err != nil {
		return err
	}
	env.AgentName = Name
	_, err = a.bus.Publish(ctx, bus.EgressStream(sessionID), env.ToFields())
	return err
}

func (a *AnswerGenerator) emitAnswerResult(ctx context.Context, sessionID, requestID, answer string, record messages.ClassificationRecord, now time.Time) error {
	env, err := messages.Encode(messages.TypeAnswerResult, sessionID, requestID, messages.AnswerResult{
		Answer:        answer,
		KnowledgeCode: record.KnowledgeCode,
		Answerability: record.Quality,
	}, now)
	if err != nil {
		return err
	}
	env.AgentName = Name
	_, err = a.bus.Publish(ctx, bus.EgressStream(sessionID), env.ToFields())
	return err
}

func (a *AnswerGenerator) emitStreamingComplete(ctx context.Context, sessionID, requestID, fullResponse string, totalChunks int, seconds float64, now time.Time) error {
	env, err := messages.Encode(messages.TypeStreamingComplete, sessionID, requestID, messages.StreamingComplete{
		FullResponse:          fullResponse,
		TotalChunks:           totalChunks,
		ProcessingTimeSeconds: seconds,
	}, now)
	if err != nil {
		return err
	}
	env.AgentName = Name
	_, err = a.bus.Publish(ctx, bus.EgressStream(sessionID), env.ToFields())
	return err
}

func (a *AnswerGenerator) emitAnswerError(ctx context.Context, sessionID, requestID, reason, partial string) error {
	env, err := messages.Encode(messages.TypeAnswerError, sessionID, requestID, messages.AnswerError{
		Error:        reason,
		FullResponse: partial,
	}, time.Now().UTC())
	if err != nil {
		return err
	}
	env.AgentName = Name
	_, err = a.bus.Publish(ctx, bus.EgressStream(sessionID), env.ToFields())
	return err
}

// triggerObserverSummary asynchronously asks the Observer to summarize the
// turn. A failure here is logged by the caller's runner dispatch loop but
// never surfaced to the user-visible turn, which has already completed.
func (a *AnswerGenerator) triggerObserverSummary(ctx context.Context, sessionID, requestID, question, answer string, record messages.ClassificationRecord) error {
	conversationText := fmt.Sprintf("학생 질문: %s\n\n에이전트 답변: %s", question, answer)
	env, err := messages.Encode(messages.TypeGenerateSummary, sessionID, requestID,
		messages.GenerateSummary{ConversationText: conversationText}, time.Now().UTC())
	if err != nil {
		return err
	}
	env.TargetAgent = messages.AgentObserver
	_, err = a.bus.Publish(ctx, bus.IngressStream, env.ToFields())
	return err
}
