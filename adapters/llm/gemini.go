package llm

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sync"

	"google.golang.org/genai"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
)

const DefaultGeminiModel = "gemini-2.0-flash-001"

type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient reads GOOGLE_API_KEY (or Vertex settings) from the environment.
func NewGeminiClient(ctx context.Context, model string) (*GeminiClient, error) {
	client, err := genai.NewClient(
		ctx,
		&genai.ClientConfig{
			HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiClient{client: client, model: model}, nil
}

func (g *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return resp.Text(), nil
}

// Stream sends the already formatted prompt as a single user turn; the
// dialect markers travel inside the text.
func (g *GeminiClient) Stream(ctx context.Context, req domain.InferenceRequest) (domain.TokenStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	seq := g.client.Models.GenerateContentStream(streamCtx, g.model, genai.Text(req.Prompt), generationConfig(req.Params))
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop, cancel: cancel}, nil
}

func generationConfig(p domain.GenerationParams) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(p.Temperature)),
		TopP:        genai.Ptr(float32(p.TopP)),
	}
	if p.MaxLength > 0 {
		cfg.MaxOutputTokens = int32(p.MaxLength)
	}
	return cfg
}

type geminiStream struct {
	next   func() (*genai.GenerateContentResponse, error, bool)
	stop   func()
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (s *geminiStream) Next() (string, error) {
	for {
		resp, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("gemini stream: %w", err)
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
}

func (s *geminiStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.stop()
	})
	return nil
}
