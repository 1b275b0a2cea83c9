package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/replicate/replicate-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
)

var validToken = "r8_" + strings.Repeat("x", 37)

func TestOutputText(t *testing.T) {
	tests := []struct {
		name string
		out  replicate.PredictionOutput
		want string
	}{
		{"nil", nil, ""},
		{"string", "safe", "safe"},
		{"fragments", []any{"un", "safe", "\n", "O3"}, "unsafe\nO3"},
		{"string slice", []string{"a", "b"}, "ab"},
		{"mixed list", []any{"n=", 3}, "n=3"},
		{"other", 42, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outputText(tt.out))
		})
	}
}

func TestReplicateInput(t *testing.T) {
	c := NewReplicateClient(validToken, "", "max_new_tokens")
	assert.Equal(t, DefaultReplicateModel, c.Model())

	in := c.input(domain.InferenceRequest{
		Prompt: "<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n",
		Params: domain.GenerationParams{Temperature: 0.3, TopP: 0.9, MaxLength: 64, RepetitionPenalty: 1},
	})
	assert.Equal(t, "{prompt}", in["prompt_template"])
	assert.Equal(t, 0.3, in["temperature"])
	assert.Equal(t, 0.9, in["top_p"])
	assert.Equal(t, 64, in["max_new_tokens"])
	assert.Equal(t, 1.0, in["repetition_penalty"])
	assert.NotContains(t, in, "max_length")
}

func TestReplicateInputOmitsOptionalFields(t *testing.T) {
	c := NewReplicateClient(validToken, "m", "")
	in := c.input(domain.InferenceRequest{Prompt: "p", PromptTemplate: "[INST] {prompt} [/INST]", Params: domain.GenerationParams{Temperature: 1, TopP: 1}})
	assert.Equal(t, "[INST] {prompt} [/INST]", in["prompt_template"])
	assert.NotContains(t, in, DefaultMaxLengthKey)
	assert.NotContains(t, in, "repetition_penalty")
}

func TestReplicateResolveToken(t *testing.T) {
	c := NewReplicateClient("", "", "")
	_, err := c.resolveToken(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)

	other := "r8_" + strings.Repeat("y", 37)
	got, err := c.resolveToken(domain.WithCredential(context.Background(), other))
	require.NoError(t, err)
	assert.Equal(t, other, got)

	c = NewReplicateClient(validToken, "", "")
	got, err = c.resolveToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, validToken, got)
}

func TestReplicateStreamWithoutCredentialFails(t *testing.T) {
	_, err := NewReplicateClient("nope", "", "").Stream(context.Background(), domain.InferenceRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func newTestStream(events []replicate.SSEEvent, err error) *replicateStream {
	evCh := make(chan replicate.SSEEvent, len(events))
	for _, e := range events {
		evCh <- e
	}
	close(evCh)
	errCh := make(chan error, 1)
	if err != nil {
		errCh <- err
	}
	close(errCh)
	_, cancel := context.WithCancel(context.Background())
	return &replicateStream{events: evCh, errs: errCh, cancel: cancel}
}

func TestReplicateStreamNext(t *testing.T) {
	s := newTestStream([]replicate.SSEEvent{
		{Type: replicate.SSETypeLogs, Data: "loading"},
		{Type: replicate.SSETypeOutput, Data: "Hi"},
		{Type: replicate.SSETypeOutput, Data: " there"},
		{Type: replicate.SSETypeDone},
		{Type: replicate.SSETypeOutput, Data: "ignored"},
	}, nil)

	var got []string
	for {
		f, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, f)
	}
	assert.Equal(t, []string{"Hi", " there"}, got)
	_, err := s.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestReplicateStreamErrorEvent(t *testing.T) {
	s := newTestStream([]replicate.SSEEvent{{Type: replicate.SSETypeError, Data: "model crashed"}}, nil)
	_, err := s.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model crashed")
}
