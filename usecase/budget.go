package usecase

import (
	"fmt"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
)

const DefaultTokenCeiling = 3072

// BudgetGuard refuses prompts whose estimated size reaches the ceiling.
type BudgetGuard struct {
	tokenizer domain.Tokenizer
	ceiling   int
}

func NewBudgetGuard(tokenizer domain.Tokenizer, ceiling int) *BudgetGuard {
	if tokenizer == nil {
		panic("usecase: budget guard requires a tokenizer")
	}
	if ceiling <= 0 {
		ceiling = DefaultTokenCeiling
	}
	return &BudgetGuard{tokenizer: tokenizer, ceiling: ceiling}
}

func (g *BudgetGuard) Ceiling() int { return g.ceiling }

// Check returns the token count of prompt, and ErrConversationTooLong when
// the count is at or above the ceiling.
func (g *BudgetGuard) Check(prompt string) (int, error) {
	count := g.tokenizer.CountTokens(prompt)
	if count >= g.ceiling {
		return count, fmt.Errorf("%w: %d tokens, keep it under %d", domain.ErrConversationTooLong, count, g.ceiling)
	}
	return count, nil
}
