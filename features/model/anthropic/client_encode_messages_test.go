package anthropic

import (
	"testing"

	"maice.ai/orchestrator/runtime/agent/model"
)

func TestEncodeMessages_SplitsSystemFromConversation(t *testing.T) {
	conversation, system, err := encodeMessages([]*model.Message{
		{
			Role:  model.ConversationRoleSystem,
			Parts: []model.Part{model.TextPart{Text: "be concise"}},
		},
		{
			Role:  model.ConversationRoleUser,
			Parts: []model.Part{model.TextPart{Text: "2x+1=5"}},
		},
	})
	if err != nil {
		t.Fatalf("encodeMessages error: %v", err)
	}
	if len(system) != 1 || system[0].Text != "be concise" {
		t.Fatalf("unexpected system blocks %+v", system)
	}
	if len(conversation) != 1 {
		t.Fatalf("expected 1 conversation message, got %d", len(conversation))
	}
}

func TestEncodeMessages_RejectsEmptyConversation(t *testing.T) {
	_, _, err := encodeMessages([]*model.Message{
		{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: "be concise"}}},
	})
	if err == nil {
		t.Fatal("expected error when no user/assistant message is present")
	}
}
