package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicCountTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"single short word", "hi", 1},
		{"sentence", "The quick brown fox jumps over the lazy dog", 9},
		{"long text", strings.Repeat("word ", 400), 450},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Heuristic{}.CountTokens(tt.text))
		})
	}
}

func TestHeuristicMonotonic(t *testing.T) {
	short := Heuristic{}.CountTokens("Hello there")
	long := Heuristic{}.CountTokens("Hello there, how is the weather in Montana this week?")
	assert.Less(t, short, long)
}
