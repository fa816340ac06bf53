// Package tokenutil provides cheap token estimates for prompt budgeting.
// Counts are heuristic; the engine reports authoritative usage after a turn.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// TruncateToBudget trims content so its estimate fits within budget tokens,
// cutting at the last line boundary before the limit. Oldest lines go first,
// which suits journal excerpts where recent entries matter most.
func TruncateToBudget(content string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if EstimateTokens(content) <= budget {
		return content
	}
	lines := strings.Split(content, "\n")
	// Keep the tail: drop leading lines until the rest fits.
	for start := 1; start < len(lines); start++ {
		candidate := strings.Join(lines[start:], "\n")
		if EstimateTokens(candidate) <= budget {
			return candidate
		}
	}
	// A single oversized line: hard cut by the char heuristic.
	last := lines[len(lines)-1]
	maxChars := budget * 4
	if len(last) > maxChars {
		last = last[len(last)-maxChars:]
	}
	return last
}
