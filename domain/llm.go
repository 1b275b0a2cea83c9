package domain

import (
	"context"
	"fmt"
)

// Llm abstracts any hosted inference provider.
type Llm interface {
	// Generate sends a prompt and blocks until the whole reply is available.
	Generate(ctx context.Context, prompt string) (string, error)
	// Stream starts a generation and returns its fragments lazily.
	Stream(ctx context.Context, req InferenceRequest) (TokenStream, error)
}

// TokenStream is a finite, non-restartable sequence of text fragments.
// Next returns io.EOF once the upstream generation is exhausted. Close
// cancels the upstream call and is safe to call more than once.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

type InferenceRequest struct {
	Prompt         string
	PromptTemplate string
	Params         GenerationParams
}

// Tokenizer estimates how many model tokens a text occupies.
type Tokenizer interface {
	CountTokens(text string) int
}

type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Role string

const (
	UserRole      Role = "user"
	AssistantRole Role = "assistant"
)

func (r Role) Valid() bool {
	return r == UserRole || r == AssistantRole
}

type GenerationParams struct {
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	MaxLength         int     `json:"max_length"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
}

// DefaultGenerationParams mirrors the slider defaults of the chat widget.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		Temperature:       0.1,
		TopP:              0.9,
		MaxLength:         120,
		RepetitionPenalty: 1,
	}
}

// Validate checks the parameter ranges accepted by the inference endpoint.
func (p GenerationParams) Validate() error {
	if p.Temperature < 0.01 || p.Temperature > 5.0 {
		return fmt.Errorf("%w: temperature %.2f outside [0.01, 5.0]", ErrInvalidParams, p.Temperature)
	}
	if p.TopP < 0.01 || p.TopP > 1.0 {
		return fmt.Errorf("%w: top_p %.2f outside [0.01, 1.0]", ErrInvalidParams, p.TopP)
	}
	if p.MaxLength <= 0 {
		return fmt.Errorf("%w: max_length must be positive, got %d", ErrInvalidParams, p.MaxLength)
	}
	if p.RepetitionPenalty < 0 {
		return fmt.Errorf("%w: repetition_penalty must not be negative", ErrInvalidParams)
	}
	return nil
}
