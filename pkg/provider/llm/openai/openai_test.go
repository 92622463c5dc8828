package openai

import (
	"testing"

	"github.com/epic-hq/Insights-sub011/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestConvertMessage(t *testing.T) {
	for _, role := range []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant} {
		p, err := convertMessage(llm.Message{Role: role, Content: "x"})
		if err != nil {
			t.Fatalf("%s: %v", role, err)
		}
		switch role {
		case llm.RoleSystem:
			if p.OfSystem == nil {
				t.Error("expected OfSystem")
			}
		case llm.RoleUser:
			if p.OfUser == nil {
				t.Error("expected OfUser")
			}
		case llm.RoleAssistant:
			if p.OfAssistant == nil {
				t.Error("expected OfAssistant")
			}
		}
	}
	if _, err := convertMessage(llm.Message{Role: "tool"}); err == nil {
		t.Error("expected error for unsupported role")
	}
}

func TestBuildParams(t *testing.T) {
	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "extract evidence",
		Messages:     []llm.Message{llm.UserMessage("utterances")},
		Temperature:  0.2,
		MaxTokens:    800,
		JSON:         true,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 || params.Messages[0].OfSystem == nil {
		t.Errorf("messages = %d, want system + user", len(params.Messages))
	}
	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("model = %q", params.Model)
	}
	if params.ResponseFormat.OfJSONObject == nil {
		t.Error("JSON request should set the json_object response format")
	}
	if params.MaxCompletionTokens.Value != 800 {
		t.Errorf("max tokens = %d", params.MaxCompletionTokens.Value)
	}

	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Error("expected error for empty messages")
	}
}
