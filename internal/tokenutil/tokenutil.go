// Package tokenutil provides rough token accounting for coaching turns.
// The counts feed logs and budget checks, so a cheap approximation beats a
// real tokenizer dependency.
package tokenutil

import "strings"

// perMessageOverhead covers the role tag and framing tokens the chat format
// wraps around each message.
const perMessageOverhead = 4

// EstimateTokens approximates the model token cost of one piece of text.
// Whitespace-separated words scaled by 4/3 fit English prose; the floor of
// one token per four bytes covers dense text with few spaces.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	byWords := (len(strings.Fields(text))*4 + 2) / 3
	byChars := (len(text) + 3) / 4
	if byChars > byWords {
		return byChars
	}
	return byWords
}

// EstimatePrompt totals the token cost of the message contents sent with one
// turn, charging framing overhead per non-empty message.
func EstimatePrompt(contents ...string) int {
	total := 0
	for _, c := range contents {
		if c == "" {
			continue
		}
		total += EstimateTokens(c) + perMessageOverhead
	}
	return total
}
