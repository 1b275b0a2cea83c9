package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/replicate/replicate-go"
	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/utils/log"
)

const (
	DefaultReplicateModel      = "snowflake/snowflake-arctic-instruct"
	DefaultReplicateModeration = "meta/llama-guard-2-8b"
	DefaultMaxLengthKey        = "max_length"
)

// ReplicateClient talks to models hosted on Replicate. The API token comes
// from the request context when the session brought its own, otherwise from
// the server configuration.
type ReplicateClient struct {
	token        string
	model        string
	maxLengthKey string
}

func NewReplicateClient(token, model, maxLengthKey string) *ReplicateClient {
	if model == "" {
		model = DefaultReplicateModel
	}
	if maxLengthKey == "" {
		maxLengthKey = DefaultMaxLengthKey
	}
	return &ReplicateClient{token: token, model: model, maxLengthKey: maxLengthKey}
}

func (r *ReplicateClient) Model() string { return r.model }

func (r *ReplicateClient) resolveToken(ctx context.Context) (string, error) {
	token := r.token
	if t, ok := domain.CredentialFrom(ctx); ok {
		token = t
	}
	if err := domain.ValidateAPIToken(token); err != nil {
		return "", err
	}
	return token, nil
}

func (r *ReplicateClient) client(ctx context.Context) (*replicate.Client, error) {
	token, err := r.resolveToken(ctx)
	if err != nil {
		return nil, err
	}
	client, err := replicate.NewClient(replicate.WithToken(token))
	if err != nil {
		return nil, fmt.Errorf("creating replicate client: %w", err)
	}
	return client, nil
}

// Generate runs a prediction to completion; used for moderation calls.
func (r *ReplicateClient) Generate(ctx context.Context, prompt string) (string, error) {
	client, err := r.client(ctx)
	if err != nil {
		return "", err
	}
	out, err := client.Run(ctx, r.model, replicate.PredictionInput{"prompt": prompt}, nil)
	if err != nil {
		return "", fmt.Errorf("run %s: %w", r.model, err)
	}
	return outputText(out), nil
}

// Stream starts a streaming prediction. Closing the returned stream cancels
// the server-sent events connection.
func (r *ReplicateClient) Stream(ctx context.Context, req domain.InferenceRequest) (domain.TokenStream, error) {
	client, err := r.client(ctx)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	events, errs := client.Stream(streamCtx, r.model, r.input(req), nil)
	log.WithCtx(ctx).Debug("replicate stream opened", zap.String("model", r.model))
	return &replicateStream{events: events, errs: errs, cancel: cancel}, nil
}

func (r *ReplicateClient) input(req domain.InferenceRequest) replicate.PredictionInput {
	template := req.PromptTemplate
	if template == "" {
		template = "{prompt}"
	}
	input := replicate.PredictionInput{
		"prompt":          req.Prompt,
		"prompt_template": template,
		"temperature":     req.Params.Temperature,
		"top_p":           req.Params.TopP,
	}
	if req.Params.MaxLength > 0 {
		input[r.maxLengthKey] = req.Params.MaxLength
	}
	if req.Params.RepetitionPenalty > 0 {
		input["repetition_penalty"] = req.Params.RepetitionPenalty
	}
	return input
}

type replicateStream struct {
	events <-chan replicate.SSEEvent
	errs   <-chan error
	cancel context.CancelFunc

	closeOnce sync.Once
	done      bool
}

func (s *replicateStream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.done = true
				return "", io.EOF
			}
			switch ev.Type {
			case replicate.SSETypeOutput:
				return ev.Data, nil
			case replicate.SSETypeDone:
				s.done = true
				return "", io.EOF
			case replicate.SSETypeError:
				return "", fmt.Errorf("replicate stream error: %s", ev.Data)
			}
		case err, ok := <-s.errs:
			if !ok {
				s.errs = nil
				continue
			}
			if err != nil {
				return "", err
			}
		}
	}
}

func (s *replicateStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

// outputText flattens a prediction output. Language models on Replicate
// return either a string or a list of string fragments.
func outputText(out replicate.PredictionOutput) string {
	switch v := out.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, "")
	case []any:
		var b strings.Builder
		for _, part := range v {
			if s, ok := part.(string); ok {
				b.WriteString(s)
			} else {
				fmt.Fprint(&b, part)
			}
		}
		return b.String()
	default:
		return fmt.Sprint(v)
	}
}
