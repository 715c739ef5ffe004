package tokenutil

import "testing"

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("empty = %d, want 0", got)
	}

	// 6 words: the word estimate ceil(6*4/3)=8 beats the char floor of 7.
	if got := EstimateTokens("plan the day and pick one"); got != 8 {
		t.Fatalf("short prose = %d, want 8", got)
	}

	// Dense text with no spaces falls back to the character floor.
	dense := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" // 40 chars, 1 word
	if got := EstimateTokens(dense); got != 10 {
		t.Fatalf("dense = %d, want 10", got)
	}
}

func TestEstimatePrompt(t *testing.T) {
	// "hi" costs 2, "there are five words here" costs 7; each carries the
	// per-message overhead of 4 and the empty part is skipped.
	got := EstimatePrompt("hi", "", "there are five words here")
	if got != 17 {
		t.Fatalf("prompt = %d, want 17", got)
	}
	if got := EstimatePrompt(); got != 0 {
		t.Fatalf("no parts = %d, want 0", got)
	}
}
