package tokenizer

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
)

const DefaultEncoding = "cl100k_base"

// Tiktoken counts BPE tokens. The vocabulary differs from the hosted models,
// which is acceptable: the count only feeds the budget guard.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading %s encoding: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) CountTokens(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Heuristic blends word and character counts (about four characters per token).
type Heuristic struct{}

func (Heuristic) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	chars := len([]rune(text))
	n := (words + chars/4) / 2
	if n == 0 {
		n = 1
	}
	return n
}

// New prefers tiktoken and falls back to the heuristic when the BPE table
// cannot be loaded, e.g. without network access on first use.
func New(encoding string) (domain.Tokenizer, error) {
	t, err := NewTiktoken(encoding)
	if err != nil {
		return Heuristic{}, err
	}
	return t, nil
}
