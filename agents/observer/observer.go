// Package observer implements the ObserverAgent: summarizes a completed
// conversation turn for session continuity, off the user-visible critical
// path.
//
// No dedicated Observer source file survived distillation; grounded on the
// generate_summary payload the Answer Generator publishes
// (agents/answergen.triggerObserverSummary) and the Session Store's
// UpsertSessionSummary/UpsertSessionTitle upsert pattern (store/store.go).
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"maice.ai/orchestrator/agents/runner"
	"maice.ai/orchestrator/bus"
	"maice.ai/orchestrator/features/model/gateway"
	"maice.ai/orchestrator/messages"
	"maice.ai/orchestrator/runtime/agent/model"
	"maice.ai/orchestrator/store"
)

// Name is this agent's role identifier.
const Name = messages.AgentObserver

const maxOutputTokens = 512

const systemPrompt = `당신은 MAICE 학습 세션을 관찰하는 보조 에이전트입니다.
주어진 대화(학생 질문과 에이전트 답변)를 읽고 다음 JSON 객체만 출력하세요:
{"summary": "대화를 한두 문장으로 요약한 불릿 목록 형태의 문자열", "student_status": {"understanding": "상/중/하", "notes": "간단한 메모"}, "title": "세션을 한 줄로 표현하는 짧은 제목"}
다른 텍스트 없이 JSON 객체만 출력하세요.`

// summary is the structured output the LLM is asked to produce for one
// conversation turn.
type summary struct {
	Summary       string         `json:"summary"`
	StudentStatus map[string]any `json:"student_status"`
	Title         string         `json:"title"`
}

// Observer is the ObserverAgent worker.
type Observer struct {
	bus   *bus.Bus
	store *store.Store
	gw    *gateway.Server
}

// New builds an Observer over the given bus, session store and LLM gateway.
func New(b *bus.Bus, st *store.Store, gw *gateway.Server) *Observer {
	return &Observer{bus: b, store: st, gw: gw}
}

// Run joins the ingress stream under the observer consumer group.
func (o *Observer) Run(ctx context.Context, consumer string, block time.Duration) error {
	return runner.Run(ctx, o.bus, runner.Config{
		Group:       "maice:group:" + Name,
		Consumer:    consumer,
		TargetAgent: Name,
		Block:       block,
	}, o.Handle)
}

// Handle processes one generate_summary ingress envelope. Errors are
// returned (and logged by the runner) but never surfaced to the user: the
// turn this summary belongs to has already completed by the time this
// runs.
func (o *Observer) Handle(ctx context.Context, env messages.Envelope) error {
	if env.Type != messages.TypeGenerateSummary {
		return nil
	}
	var req messages.GenerateSummary
	if err := env.Decode(&req); err != nil {
		return err
	}
	return o.summarize(ctx, env.SessionID, env.RequestID, req)
}

func (o *Observer) summarize(ctx context.Context, sessionID, requestID string, req messages.GenerateSummary) error {
	resp, err := o.gw.Complete(ctx, &model.Request{
		MaxTokens: maxOutputTokens,
		Messages: []*model.Message{
			{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: systemPrompt}}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: req.ConversationText}}},
		},
	})
	if err != nil {
		return fmt.Errorf("observer: complete: %w", err)
	}

	parsed, err := parseSummary(responseText(resp))
	if err != nil {
		return fmt.Errorf("observer: parse summary: %w", err)
	}

	now := time.Now().UTC()
	statusJSON, err := json.Marshal(parsed.StudentStatus)
	if err != nil {
		return fmt.Errorf("observer: marshal student_status: %w", err)
	}
	if o.store != nil {
		if err := o.store.UpsertSessionSummary(ctx, sessionID, parsed.Summary, string(statusJSON), now); err != nil {
			return err
		}
		if parsed.Title != "" {
			if err := o.store.UpsertSessionTitle(ctx, sessionID, parsed.Title); err != nil {
				return err
			}
		}
	}

	return o.emitSummaryResult(ctx, sessionID, requestID, parsed.Summary)
}

func (o *Observer) emitSummaryResult(ctx context.Context, sessionID, requestID, text string) error {
	env, err := messages.Encode(messages.TypeSummaryResult, sessionID, requestID,
		messages.SummaryResult{Summary: text}, time.Now().UTC())
	if err != nil {
		return err
	}
	env.AgentName = Name
	_, err = o.bus.Publish(ctx, bus.EgressStream(sessionID), env.ToFields())
	return err
}

func responseText(resp *model.Response) string {
	var b strings.Builder
	for _, msg := range resp.Content {
		for _, part := range msg.Parts {
			if t, ok := part.(model.TextPart); ok {
				b.WriteString(t.Text)
			}
		}
	}
	return b.String()
}

// parseSummary extracts the JSON object the LLM was asked to produce,
// falling back to treating the raw response as the summary text if it is
// not valid JSON - a malformed structured reply should still degrade to a
// usable summary rather than losing the turn entirely.
func parseSummary(content string) (summary, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end < start {
		return summary{Summary: trimmed, StudentStatus: map[string]any{}}, nil
	}

	var s summary
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &s); err != nil {
		return summary{Summary: trimmed, StudentStatus: map[string]any{}}, nil
	}
	if s.Summary == "" {
		s.Summary = trimmed
	}
	if s.StudentStatus == nil {
		s.StudentStatus = map[string]any{}
	}
	return s, nil
}
