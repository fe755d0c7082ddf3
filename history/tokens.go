package history

import (
	"strings"
	"unicode/utf8"
)

// Counter measures text in model-specific budget units
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a plain function to Counter
type CounterFunc func(text string) int

// Count implements Counter
func (f CounterFunc) Count(text string) int { return f(text) }

// EstimateCounter approximates subword token counts without a tokenizer.
// It never reports fewer units than whitespace-separated words or a quarter
// of the rune count, whichever is larger.
type EstimateCounter struct{}

// Count implements Counter
func (EstimateCounter) Count(text string) int {
	words := len(strings.Fields(text))
	runes := (utf8.RuneCountInString(text) + 3) / 4
	if words > runes {
		return words
	}
	return runes
}
