package core

import (
	"strings"
	"unicode/utf8"
)

// EstimateTokens approximates the model token count of text. Providers
// tokenize differently, so the engine budgets with a uniform estimate:
// one token per four characters, floored at the word count. Empty text
// costs nothing.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	chars := utf8.RuneCountInString(text)
	n := (chars + 3) / 4
	if words := len(strings.Fields(text)); n < words {
		n = words
	}
	if n < 1 {
		n = 1
	}
	return n
}
