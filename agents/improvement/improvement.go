// Package improvement implements the QuestionImprovementAgent: a small
// per-request_id state machine that narrows a question's missing_fields by
// asking the student one clarifying question at a time, until the fields
// are resolved or max_clarify_turns is reached.
//
// No dedicated Improvement agent source survived distillation into
// original_source (its _INDEX.md lists question_classifier and
// answer_generator but no question-improvement agent); the state machine
// (choosing_focus -> probing -> finalizing) is built
// directly from spec.md's literal description, reusing the Classifier's
// subscriber-loop shape (agents/runner) and the Answer Generator's
// prompt-template/LLM-call shape for composing clarifying questions.
package improvement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"maice.ai/orchestrator/agents/runner"
	"maice.ai/orchestrator/bus"
	"maice.ai/orchestrator/features/model/gateway"
	"maice.ai/orchestrator/messages"
	"maice.ai/orchestrator/runtime/agent/model"
)

// Name is this agent's role identifier.
const Name = messages.AgentQuestionImprover

const defaultMaxClarifyTurns = 3

type state string

const (
	stateChoosingFocus state = "choosing_focus"
	stateProbing       state = "probing"
	stateFinalizing    state = "finalizing"
)

// session is the in-memory state for one request_id's clarify sub-protocol.
// Held in an in-process map guarded by a mutex, per §5's "no global mutable
// state other than init-time singletons" policy — the map itself is a
// per-agent-instance field.
type session struct {
	state          state
	sessionID      string
	question       string
	missingFields  []string
	focus          string
	turnNumber     int
	userResponses  []string
}

// Improvement is the QuestionImprovementAgent worker.
type Improvement struct {
	bus             *bus.Bus
	gw              *gateway.Server
	maxClarifyTurns int

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds an Improvement worker. maxClarifyTurns <= 0 uses the spec
// default of 3.
func New(b *bus.Bus, gw *gateway.Server, maxClarifyTurns int) *Improvement {
	if maxClarifyTurns <= 0 {
		maxClarifyTurns = defaultMaxClarifyTurns
	}
	return &Improvement{bus: b, gw: gw, maxClarifyTurns: maxClarifyTurns, sessions: make(map[string]*session)}
}

// Run joins the ingress stream under the improvement-agent consumer group.
func (im *Improvement) Run(ctx context.Context, consumer string, block time.Duration) error {
	return runner.Run(ctx, im.bus, runner.Config{
		Group:       "maice:group:" + Name,
		Consumer:    consumer,
		TargetAgent: Name,
		Block:       block,
	}, im.Handle)
}

// Handle dispatches needs_clarify (entry) and user_clarification_response
// (subsequent turns) envelopes.
func (im *Improvement) Handle(ctx context.Context, env messages.Envelope) error {
	switch env.Type {
	case messages.TypeNeedsClarify:
		var req messages.NeedsClarify
		if err := env.Decode(&req); err != nil {
			return err
		}
		return im.enterClarify(ctx, env.SessionID, env.RequestID, req)
	case messages.TypeUserClarificationAnswer:
		var req messages.UserClarificationResponse
		if err := env.Decode(&req); err != nil {
			return err
		}
		return im.handleResponse(ctx, env.SessionID, env.RequestID, req)
	default:
		return nil
	}
}

// enterClarify transitions a fresh request_id into choosing_focus and asks
// its first clarifying question.
func (im *Improvement) enterClarify(ctx context.Context, sessionID, requestID string, req messages.NeedsClarify) error {
	sess := &session{
		state:         stateChoosingFocus,
		sessionID:     sessionID,
		question:      req.Question,
		missingFields: append([]string(nil), req.MissingFields...),
	}
	im.put(requestID, sess)
	return im.askNextQuestion(ctx, requestID, sess)
}

// askNextQuestion picks the next focus field by declared order, generates a
// friendly clarifying question for it via the LLM Gateway, and emits it on
// the session egress.
func (im *Improvement) askNextQuestion(ctx context.Context, requestID string, sess *session) error {
	if len(sess.missingFields) == 0 || sess.turnNumber >= im.maxClarifyTurns {
		return im.finalize(ctx, requestID, sess)
	}
	sess.state = stateProbing
	sess.focus = sess.missingFields[0]

	question, err := im.composeQuestion(ctx, sess.question, sess.focus)
	if err != nil {
		return im.emitError(ctx, sess.sessionID, requestID, err.Error())
	}

	env, err := messages.Encode(messages.TypeClarificationQuestion, sess.sessionID, requestID, messages.ClarificationQuestion{
		Question:       question,
		QuestionIndex:  sess.turnNumber + 1,
		TotalQuestions: im.maxClarifyTurns,
		MissingFields:  sess.missingFields,
	}, time.Now().UTC())
	if err != nil {
		return err
	}
	env.AgentName = Name
	_, err = im.bus.Publish(ctx, bus.EgressStream(sess.sessionID), env.ToFields())
	return err
}

// handleResponse advances a probing session: it records the turn, decides
// whether the current focus is resolved, partially resolved, or abandoned,
// and either asks the next question or finalizes.
func (im *Improvement) handleResponse(ctx context.Context, sessionID, requestID string, req messages.UserClarificationResponse) error {
	sess, ok := im.get(requestID)
	if !ok {
		return fmt.Errorf("improvement: no active clarify session for request %s", requestID)
	}
	sess.turnNumber++
	sess.userResponses = append(sess.userResponses, req.ClarificationAnswer)

	if resolvesField(req.ClarificationAnswer) {
		sess.missingFields = removeField(sess.missingFields, sess.focus)
	} else if givesUp(req.ClarificationAnswer) {
		sess.missingFields = removeField(sess.missingFields, sess.focus)
	}
	// resolvesField accepts any non-blank answer, so only a blank answer
	// leaves sess.focus in missingFields; the next call to askNextQuestion
	// then asks about the same focus again.

	return im.askNextQuestion(ctx, requestID, sess)
}

// finalize drops the in-memory session state, composes the improved question
// from the accumulated dialog, emits clarification_complete on the session
// egress, and then publishes ready_for_answer to the Answer Generator.
func (im *Improvement) finalize(ctx context.Context, requestID string, sess *session) error {
	im.remove(requestID)

	improved, err := im.composeImprovedQuestion(ctx, sess.question, sess.userResponses)
	if err != nil {
		return im.emitError(ctx, sess.sessionID, requestID, err.Error())
	}

	completeEnv, err := messages.Encode(messages.TypeClarificationComplete, sess.sessionID, requestID, messages.ClarificationComplete{
		ImprovedQuestion: improved,
		UserResponses:    sess.userResponses,
	}, time.Now().UTC())
	if err != nil {
		return err
	}
	completeEnv.AgentName = Name
	if _, err := im.bus.Publish(ctx, bus.EgressStream(sess.sessionID), completeEnv.ToFields()); err != nil {
		return err
	}

	readyEnv, err := messages.Encode(messages.TypeReadyForAnswer, sess.sessionID, requestID, messages.ReadyForAnswer{
		Question: improved,
		ClassificationResult: messages.ClassificationRecord{
			Quality: "answerable",
		},
	}, time.Now().UTC())
	if err != nil {
		return err
	}
	readyEnv.TargetAgent = messages.AgentAnswerGenerator
	_, err = im.bus.Publish(ctx, bus.IngressStream, readyEnv.ToFields())
	return err
}

func (im *Improvement) emitError(ctx context.Context, sessionID, requestID, reason string) error {
	env, err := messages.Encode(messages.TypeClarificationError, sessionID, requestID,
		messages.ClarificationError{Error: reason}, time.Now().UTC())
	if err != nil {
		return err
	}
	env.AgentName = Name
	_, err = im.bus.Publish(ctx, bus.EgressStream(sessionID), env.ToFields())
	return err
}

func (im *Improvement) composeQuestion(ctx context.Context, question, focus string) (string, error) {
	prompt := fmt.Sprintf("학생의 질문: %s\n\n누락된 정보: %s\n\n이 정보를 얻기 위한 짧고 친근한 확인 질문을 한 문장으로 작성하세요.", question, focus)
	return im.complete(ctx, prompt)
}

func (im *Improvement) composeImprovedQuestion(ctx context.Context, question string, responses []string) (string, error) {
	if len(responses) == 0 {
		return question, nil
	}
	prompt := fmt.Sprintf("원래 질문: %s\n\n학생의 추가 답변:\n%s\n\n위 정보를 모두 반영하여 하나의 명확한 수학 질문으로 다시 작성하세요.",
		question, strings.Join(responses, "\n"))
	return im.complete(ctx, prompt)
}

func (im *Improvement) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := im.gw.Complete(ctx, &model.Request{
		MaxTokens: 256,
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: prompt}}},
		},
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, msg := range resp.Content {
		for _, part := range msg.Parts {
			if t, ok := part.(model.TextPart); ok {
				b.WriteString(t.Text)
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func (im *Improvement) put(requestID string, sess *session) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.sessions[requestID] = sess
}

func (im *Improvement) get(requestID string) (*session, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()
	sess, ok := im.sessions[requestID]
	return sess, ok
}

func (im *Improvement) remove(requestID string) {
	im.mu.Lock()
	defer im.mu.Unlock()
	delete(im.sessions, requestID)
}

func removeField(fields []string, target string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != target {
			out = append(out, f)
		}
	}
	return out
}

// resolvesField is a conservative heuristic: any non-trivial student reply
// is treated as resolving the current focus field. The clarify protocol
// does not require semantic validation of the answer's content, only that
// the student engaged with the question.
func resolvesField(answer string) bool {
	return strings.TrimSpace(answer) != ""
}

// givesUp recognizes a student signaling confusion or a desire to skip the
// current clarifying question, moving the protocol to the next focus field
// rather than looping on one the student cannot answer.
func givesUp(answer string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(answer))
	switch trimmed {
	case "모르겠어요", "모름", "모르겠음", "skip", "pass", "idk":
		return true
	default:
		return false
	}
}
