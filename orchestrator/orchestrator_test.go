package orchestrator

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"maice.ai/orchestrator/messages"
)

func TestTrimSession_SkipsWhenTrimLenUnset(t *testing.T) {
	s := &Server{streamTrimLen: 0}
	// bus is nil; trimSession must not dereference it when trimming is off.
	s.trimSession(context.Background(), "maice:agent_to_backend_stream_session_s1")
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()

	s.handleHealth(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestHandleChat_RejectsMissingFields(t *testing.T) {
	s := &Server{requestTimeout: 1}
	req := httptest.NewRequest("POST", "/v1/chat", strings.NewReader(`{"user_id": ""}`))
	rec := httptest.NewRecorder()

	s.handleChat(rec, req)

	if rec.Code != 400 {
		t.Fatalf("expected 400 for missing required fields, got %d", rec.Code)
	}
}

func TestHandleChat_RejectsMalformedBody(t *testing.T) {
	s := &Server{requestTimeout: 1}
	req := httptest.NewRequest("POST", "/v1/chat", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()

	s.handleChat(rec, req)

	if rec.Code != 400 {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestHandleClarify_RejectsMissingRequestID(t *testing.T) {
	s := &Server{requestTimeout: 1}
	req := httptest.NewRequest("POST", "/v1/chat/session-1/clarify", strings.NewReader(`{"clarification_answer": "고등학교 1학년"}`))
	rec := httptest.NewRecorder()

	s.handleClarify(rec, req)

	if rec.Code != 400 {
		t.Fatalf("expected 400 for missing request_id, got %d", rec.Code)
	}
}

func TestWriteSSEFrame_FormatsEventAndData(t *testing.T) {
	rec := httptest.NewRecorder()
	writeSSEFrame(rec, rec, "answer_chunk", map[string]string{"content": "hello"})

	got := rec.Body.String()
	if !strings.HasPrefix(got, "event: answer_chunk\n") {
		t.Fatalf("expected event line, got %q", got)
	}
	if !strings.Contains(got, `"content":"hello"`) {
		t.Fatalf("expected data payload, got %q", got)
	}
	if !strings.HasSuffix(got, "\n\n") {
		t.Fatalf("expected trailing blank line, got %q", got)
	}
}

func TestWriteSSEFrame_EnvelopeMirrorsBusFields(t *testing.T) {
	env, err := messages.Encode(messages.TypeAnswerChunk, "session-1", "req-1",
		messages.AnswerChunk{Content: "hello", ChunkIndex: 1}, time.Now().UTC())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env.AgentName = messages.AgentAnswerGenerator

	rec := httptest.NewRecorder()
	writeSSEFrame(rec, rec, env.Type, env)

	var got map[string]any
	body := rec.Body.String()
	data := strings.TrimSuffix(strings.SplitN(body, "data: ", 2)[1], "\n\n")
	if err := json.Unmarshal([]byte(data), &got); err != nil {
		t.Fatalf("unmarshal SSE data: %v (%q)", err, body)
	}
	for _, field := range []string{"type", "session_id", "request_id", "timestamp", "agent_name", "payload"} {
		if _, ok := got[field]; !ok {
			t.Fatalf("expected SSE frame to carry bus field %q, got %q", field, body)
		}
	}
	if got["session_id"] != "session-1" {
		t.Fatalf("expected session_id session-1, got %v", got["session_id"])
	}
}

func TestIsTurnTerminal_ClassificationResultUnanswerableEndsTurn(t *testing.T) {
	env, err := messages.Encode(messages.TypeClassificationResult, "s1", "r1", messages.ClassificationResult{
		ClassificationResult: messages.ClassificationRecord{Quality: "unanswerable"},
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !isTurnTerminal(env) {
		t.Fatal("expected unanswerable classification_result to be terminal")
	}
}

func TestIsTurnTerminal_ClassificationResultAnswerableContinuesTurn(t *testing.T) {
	env, err := messages.Encode(messages.TypeClassificationResult, "s1", "r1", messages.ClassificationResult{
		ClassificationResult: messages.ClassificationRecord{Quality: "answerable"},
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if isTurnTerminal(env) {
		t.Fatal("expected answerable classification_result to not be terminal")
	}
}

func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	h := metricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
