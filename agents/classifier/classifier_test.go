package classifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"maice.ai/orchestrator/features/model/gateway"
	"maice.ai/orchestrator/messages"
	"maice.ai/orchestrator/runtime/agent/model"
)

type stubClient struct {
	resp *model.Response
	err  error
}

func (s *stubClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	return s.resp, s.err
}

func (s *stubClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func textResponse(text string) *model.Response {
	return &model.Response{
		Content: []model.Message{{
			Role:  model.ConversationRoleAssistant,
			Parts: []model.Part{model.TextPart{Text: text}},
		}},
	}
}

func newTestClassifier(t *testing.T, resp *model.Response, err error) *Classifier {
	t.Helper()
	gw, gwErr := gateway.NewServer(gateway.WithProvider(&stubClient{resp: resp, err: err}))
	if gwErr != nil {
		t.Fatalf("NewServer: %v", gwErr)
	}
	return New(nil, nil, gw)
}

func TestClassify_SuccessFillsDefaults(t *testing.T) {
	c := newTestClassifier(t, textResponse(`Here you go: {"quality": "answerable"}`), nil)

	record, err := c.classify(context.Background(), "2x+1=5, find x", "")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if record.KnowledgeCode != defaultKnowledgeCode {
		t.Fatalf("expected default knowledge_code %q, got %q", defaultKnowledgeCode, record.KnowledgeCode)
	}
	if record.Quality != "answerable" {
		t.Fatalf("expected quality answerable, got %q", record.Quality)
	}
	if record.MissingFields == nil || len(record.MissingFields) != 0 {
		t.Fatalf("expected empty missing_fields, got %v", record.MissingFields)
	}
}

func TestClassify_FencedJSONBlock(t *testing.T) {
	c := newTestClassifier(t, textResponse("```json\n{\"knowledge_code\": \"K2\", \"quality\": \"needs_clarify\", \"missing_fields\": [\"grade_level\"]}\n```"), nil)

	record, err := c.classify(context.Background(), "question", "")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if record.KnowledgeCode != "K2" || record.Quality != "needs_clarify" {
		t.Fatalf("unexpected record %+v", record)
	}
	if len(record.MissingFields) != 1 || record.MissingFields[0] != "grade_level" {
		t.Fatalf("unexpected missing_fields %v", record.MissingFields)
	}
}

func TestClassify_CarriesUnitTags(t *testing.T) {
	c := newTestClassifier(t, textResponse(`{"knowledge_code": "K2", "quality": "answerable", "unit_tags": ["이차방정식", "인수분해"]}`), nil)

	record, err := c.classify(context.Background(), "question", "")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(record.UnitTags) != 2 || record.UnitTags[0] != "이차방정식" || record.UnitTags[1] != "인수분해" {
		t.Fatalf("unexpected unit_tags %v", record.UnitTags)
	}
}

func TestClassify_EmptyResponseIsFailure(t *testing.T) {
	c := newTestClassifier(t, textResponse(""), nil)

	_, err := c.classify(context.Background(), "question", "")
	if err == nil || err.Error() != emptyResponseError {
		t.Fatalf("expected empty-response error, got %v", err)
	}
}

func TestClassify_EmptyJSONObjectIsFailure(t *testing.T) {
	c := newTestClassifier(t, textResponse("{}"), nil)

	_, err := c.classify(context.Background(), "question", "")
	if err == nil || err.Error() != emptyResponseError {
		t.Fatalf("expected empty-response error, got %v", err)
	}
}

func TestExtractJSONFromResponse_BraceBalancing(t *testing.T) {
	content := `some preamble { "a": {"b": 1}, "c": "\sum_{i} x" } trailing`
	got := extractJSONFromResponse(content)
	if got == "" {
		t.Fatal("expected non-empty extraction")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(got), &data); err != nil {
		t.Fatalf("extracted content did not parse as JSON: %v (%q)", err, got)
	}
}

func TestValidateJSONStructure_Defaults(t *testing.T) {
	data := validateJSONStructure(map[string]any{}, requiredFields)
	if data["knowledge_code"] != defaultKnowledgeCode {
		t.Fatalf("expected default knowledge_code, got %v", data["knowledge_code"])
	}
	if data["quality"] != defaultQuality {
		t.Fatalf("expected default quality, got %v", data["quality"])
	}
	if data["reasoning"] != "분류 근거 없음" {
		t.Fatalf("unexpected reasoning default %v", data["reasoning"])
	}
	for _, listField := range []string{"missing_fields", "unit_tags", "policy_flags"} {
		if _, ok := data[listField].([]any); !ok {
			t.Fatalf("expected %s to default to a list, got %T", listField, data[listField])
		}
	}
}

func TestValidateJSONStructure_PreservesExplicitValues(t *testing.T) {
	data := validateJSONStructure(map[string]any{
		"quality":        "unanswerable",
		"knowledge_code": "K4",
	}, requiredFields)
	if data["quality"] != "unanswerable" {
		t.Fatalf("expected explicit quality preserved, got %v", data["quality"])
	}
	if data["knowledge_code"] != "K4" {
		t.Fatalf("expected explicit knowledge_code preserved, got %v", data["knowledge_code"])
	}
}

func TestFanOut_QualityRouting(t *testing.T) {
	// unanswerable must not attempt a bus publish; nil bus would panic
	// otherwise, which is itself the assertion.
	c := &Classifier{}
	record := messages.ClassificationRecord{Quality: "unanswerable"}
	if err := c.fanOut(context.Background(), "s1", "r1", "q", "", record, time.Now().UTC()); err != nil {
		t.Fatalf("fanOut(unanswerable): %v", err)
	}
}
