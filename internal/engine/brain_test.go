package engine

import (
	"context"
	"testing"

	"github.com/firebase/genkit/go/ai"
)

func TestModelNameForProvider(t *testing.T) {
	cases := []struct {
		provider, model, want string
	}{
		{"google", "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"anthropic", "claude-sonnet-4-5-20250929", "anthropic/claude-sonnet-4-5-20250929"},
		{"openai", "gpt-4o", "openai/gpt-4o"},
		{"openrouter", "anthropic/claude-sonnet-4-5-20250929", "anthropic/claude-sonnet-4-5-20250929"},
		{"openai_compatible", "llama3", "llama3"},
		// Empty model falls back to the provider default.
		{"google", "", "googleai/gemini-2.5-flash"},
		{"openai", "  ", "openai/gpt-4o"},
	}
	for _, tc := range cases {
		if got := modelNameForProvider(tc.provider, tc.model); got != tc.want {
			t.Errorf("modelNameForProvider(%q, %q) = %q, want %q", tc.provider, tc.model, got, tc.want)
		}
	}
}

func TestEnvAPIKeyForProvider(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "anth-key")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "goog-key")

	if got := envAPIKeyForProvider("anthropic"); got != "anth-key" {
		t.Fatalf("anthropic key = %q", got)
	}
	// GEMINI_API_KEY takes precedence but GOOGLE_API_KEY works as fallback.
	if got := envAPIKeyForProvider("google"); got != "goog-key" {
		t.Fatalf("google key = %q", got)
	}
	if got := envAPIKeyForProvider("mystery"); got != "" {
		t.Fatalf("unknown provider key = %q", got)
	}
}

func TestHistoryToMessages(t *testing.T) {
	history := []ChatMessage{
		{Role: "user", Content: "what should I do first?"},
		{Role: "assistant", Content: "start with the report."},
		{Role: "system", Content: "should be dropped"},
	}

	msgs := historyToMessages(history)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != ai.RoleUser || msgs[1].Role != ai.RoleModel {
		t.Fatalf("roles = %v %v", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content[0].Text != "start with the report." {
		t.Fatalf("content = %q", msgs[1].Content[0].Text)
	}
}

func TestHistoryToMessages_Empty(t *testing.T) {
	if msgs := historyToMessages(nil); msgs != nil {
		t.Fatalf("expected nil, got %v", msgs)
	}
}

func TestRespond_EmptyMessageIsNotAnError(t *testing.T) {
	b := &GenkitBrain{} // no provider configured, deterministic fallback

	reply, err := b.Respond(context.Background(), "u1", Turn{UserMessage: "   "})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if reply == "" {
		t.Fatal("fallback reply missing")
	}

	var chunks []string
	reply, err = b.Stream(context.Background(), "u1", Turn{UserMessage: ""}, func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if reply == "" || len(chunks) != 1 {
		t.Fatalf("reply = %q, chunks = %v", reply, chunks)
	}
}
