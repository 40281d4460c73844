// Package messages defines the closed set of bus wire messages exchanged
// between the orchestrator and agent workers, replacing the dynamic
// dict-on-the-wire shape of the original Python implementation with a
// tagged union: a Type discriminant plus a json.RawMessage payload that
// decodes into one of a fixed set of Go structs per direction.
package messages

import (
	"encoding/json"
	"fmt"
	"time"
)

// Ingress message type discriminants (backend -> agent, published on the
// shared ingress stream and routed by TargetAgent).
const (
	TypeClassifyQuestion         = "classify_question"
	TypeProcessClarification     = "process_clarification"
	TypeUserClarificationAnswer  = "user_clarification_response"
	TypeNeedsClarify             = "needs_clarify"
	TypeReadyForAnswer           = "ready_for_answer"
	TypeGenerateAnswer           = "generate_answer"
	TypeFreepassRequest          = "freepass_request"
	TypeGenerateSummary          = "generate_summary"
)

// Egress message type discriminants (agent -> session, published on a
// session's dedicated egress stream).
const (
	TypeClassificationResult  = "classification_result"
	TypeClassificationFailed  = "classification_failed"
	TypeClarificationQuestion = "clarification_question"
	TypeClarificationComplete = "clarification_complete"
	TypeClarificationError    = "clarification_error"
	TypeAnswerChunk           = "answer_chunk"
	TypeAnswerResult          = "answer_result"
	TypeStreamingComplete     = "streaming_complete"
	TypeFreepassChunk         = "freepass_chunk"
	TypeFreepassError         = "freepass_error"
	TypeSummaryResult         = "summary_result"
	TypeProcessingLog         = "processing_log"
	TypeAnswerError           = "answer_error"

	// typeAnswerCompleteAlias is accepted on decode for compatibility with
	// older clients but is never produced; streaming_complete is the sole
	// terminal egress type this repository emits.
	typeAnswerCompleteAlias = "answer_complete"
)

// Agent role names used as TargetAgent on ingress and Envelope.AgentName on
// egress.
const (
	AgentQuestionClassifier = "QuestionClassifierAgent"
	AgentQuestionImprover   = "QuestionImprovementAgent"
	AgentAnswerGenerator    = "AnswerGeneratorAgent"
	AgentFreeTalker         = "FreeTalkerAgent"
	AgentObserver           = "ObserverAgent"
)

// Envelope is the common wire shape of every bus entry: a Type
// discriminant plus the fields every message carries, with Payload holding
// the type-specific fields as a JSON object. Unknown fields inside Payload
// are preserved verbatim since the orchestrator forwards them unmodified.
type Envelope struct {
	Type        string          `json:"type"`
	TargetAgent string          `json:"target_agent,omitempty"`
	SessionID   string          `json:"session_id"`
	RequestID   string          `json:"request_id"`
	Timestamp   time.Time       `json:"timestamp"`
	AgentName   string          `json:"agent_name,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals Payload into dst, a pointer to one of the concrete
// payload structs below.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("messages: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Encode builds an Envelope around a concrete payload struct.
func Encode(msgType, sessionID, requestID string, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("messages: encode %s payload: %w", msgType, err)
	}
	return Envelope{
		Type:      msgType,
		SessionID: sessionID,
		RequestID: requestID,
		Timestamp: now,
		Payload:   raw,
	}, nil
}

// ToFields flattens e into the map[string]any shape bus.Publish expects: the
// envelope's own fields plus a single "payload" field carrying the JSON
// payload. bus.Publish stringifies non-scalar fields itself, so Payload is
// passed through as-is.
func (e Envelope) ToFields() map[string]any {
	fields := map[string]any{
		"type":       e.Type,
		"session_id": e.SessionID,
		"request_id": e.RequestID,
		"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
	}
	if e.TargetAgent != "" {
		fields["target_agent"] = e.TargetAgent
	}
	if e.AgentName != "" {
		fields["agent_name"] = e.AgentName
	}
	if len(e.Payload) > 0 {
		fields["payload"] = e.Payload
	}
	return fields
}

// FromFields reconstructs an Envelope from a bus.Entry's decoded fields.
func FromFields(fields map[string]any) (Envelope, error) {
	e := Envelope{
		Type:        stringField(fields, "type"),
		TargetAgent: stringField(fields, "target_agent"),
		SessionID:   stringField(fields, "session_id"),
		RequestID:   stringField(fields, "request_id"),
		AgentName:   stringField(fields, "agent_name"),
	}
	if ts := stringField(fields, "timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, ts)
		}
		if err == nil {
			e.Timestamp = parsed
		}
	}
	if payload, ok := fields["payload"]; ok {
		switch v := payload.(type) {
		case string:
			e.Payload = json.RawMessage(v)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return Envelope{}, fmt.Errorf("messages: re-encode payload: %w", err)
			}
			e.Payload = raw
		}
	}
	return e, nil
}

func stringField(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// IsTerminal reports whether an egress type ends an orchestrator's
// streaming loop for a turn. streaming_complete is the sole terminal
// success type; the decode-only alias is treated as terminal too so a
// redelivered legacy message still closes the stream rather than hanging.
func IsTerminal(msgType string) bool {
	switch msgType {
	case TypeStreamingComplete, typeAnswerCompleteAlias,
		TypeClassificationFailed, TypeClarificationError,
		TypeFreepassError, TypeAnswerError:
		return true
	case TypeClassificationResult:
		// classification_result is only terminal when the classifier judged
		// the question unanswerable with no follow-up agent to hand off to;
		// that requires decoding the payload's quality field, which this
		// type-only signature cannot do. orchestrator.isTurnTerminal decodes
		// the record and handles that case; treat it as non-terminal here.
		return false
	default:
		return false
	}
}

// ConversationTurn mirrors the {role, content} shape of conversation_history
// entries on a freepass_request.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// --- Ingress payloads ---

// ClassifyQuestion is the payload of TypeClassifyQuestion.
type ClassifyQuestion struct {
	Question      string `json:"question"`
	Context       string `json:"context,omitempty"`
	IsNewQuestion bool   `json:"is_new_question,omitempty"`
}

// ProcessClarification is the payload of TypeProcessClarification.
type ProcessClarification struct {
	Clarification json.RawMessage `json:"clarification"`
	TurnNumber    int             `json:"turn_number"`
}

// UserClarificationResponse is the payload of TypeUserClarificationAnswer.
type UserClarificationResponse struct {
	ClarificationAnswer string `json:"clarification_answer"`
	QuestionIndex       int    `json:"question_index"`
	TotalQuestions      int    `json:"total_questions"`
}

// NeedsClarify is the payload of TypeNeedsClarify.
type NeedsClarify struct {
	MissingFields []string `json:"missing_fields"`
	Question      string   `json:"question"`
}

// ClassificationRecord is the structured result of the Classifier agent,
// carried on ReadyForAnswer/GenerateAnswer and on ClassificationResult.
type ClassificationRecord struct {
	KnowledgeCode string   `json:"knowledge_code"`
	Quality       string   `json:"quality"`
	MissingFields []string `json:"missing_fields,omitempty"`
	UnitTags      []string `json:"unit_tags,omitempty"`
	Reasoning     string   `json:"reasoning,omitempty"`
}

// ReadyForAnswer is the payload of TypeReadyForAnswer and TypeGenerateAnswer.
type ReadyForAnswer struct {
	Question             string               `json:"question"`
	Context               string               `json:"context,omitempty"`
	ClassificationResult ClassificationRecord `json:"classification_result"`
}

// FreepassRequest is the payload of TypeFreepassRequest.
type FreepassRequest struct {
	Question            string              `json:"question"`
	ConversationHistory []ConversationTurn  `json:"conversation_history,omitempty"`
	UserID              string              `json:"user_id,omitempty"`
	MessageID            string              `json:"message_id,omitempty"`
}

// GenerateSummary is the payload of TypeGenerateSummary.
type GenerateSummary struct {
	ConversationText string `json:"conversation_text"`
}

// --- Egress payloads ---

// ClassificationResult is the payload of TypeClassificationResult.
type ClassificationResult struct {
	ClassificationResult ClassificationRecord `json:"classification_result"`
}

// ClassificationFailed is the payload of TypeClassificationFailed.
type ClassificationFailed struct {
	Error string `json:"error"`
}

// ClarificationQuestion is the payload of TypeClarificationQuestion.
type ClarificationQuestion struct {
	Question       string   `json:"question"`
	QuestionIndex  int      `json:"question_index"`
	TotalQuestions int      `json:"total_questions"`
	MissingFields  []string `json:"missing_fields"`
}

// ClarificationComplete is the payload of TypeClarificationComplete.
type ClarificationComplete struct {
	ImprovedQuestion string   `json:"improved_question"`
	UserResponses    []string `json:"user_responses"`
}

// ClarificationError is the payload of TypeClarificationError.
type ClarificationError struct {
	Error string `json:"error"`
}

// AnswerChunk is the payload of TypeAnswerChunk and TypeFreepassChunk.
type AnswerChunk struct {
	Content    string `json:"content"`
	ChunkIndex int    `json:"chunk_index"`
}

// AnswerResult is the payload of TypeAnswerResult.
type AnswerResult struct {
	Answer        string `json:"answer"`
	KnowledgeCode string `json:"knowledge_code"`
	Answerability string `json:"answerability"`
}

// StreamingComplete is the payload of TypeStreamingComplete, the sole
// terminal egress type for both agent-mode and free-pass answers.
type StreamingComplete struct {
	FullResponse           string  `json:"full_response"`
	TotalChunks             int     `json:"total_chunks"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
}

// FreepassError is the payload of TypeFreepassError.
type FreepassError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// AnswerError is the payload of TypeAnswerError.
type AnswerError struct {
	Error        string `json:"error"`
	FullResponse string `json:"full_response,omitempty"`
}

// SummaryResult is the payload of TypeSummaryResult.
type SummaryResult struct {
	Summary string `json:"summary"`
}

// ProcessingLog is the payload of TypeProcessingLog, an informational
// message clients may filter out.
type ProcessingLog struct {
	AgentName string `json:"agent_name"`
	Stage     string `json:"stage"`
	Message   string `json:"message"`
}
