package domain

import (
	"context"
	"fmt"
	"strings"
)

const (
	apiTokenPrefix = "r8_"
	apiTokenLength = 40
)

type credentialKey struct{}

// ValidateAPIToken checks the literal shape of a Replicate API token.
func ValidateAPIToken(token string) error {
	if !strings.HasPrefix(token, apiTokenPrefix) || len(token) != apiTokenLength {
		return fmt.Errorf("%w: expected %q prefix and %d characters", ErrInvalidCredential, apiTokenPrefix, apiTokenLength)
	}
	return nil
}

// WithCredential attaches a per-session API token to ctx for the adapters.
func WithCredential(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, credentialKey{}, token)
}

func CredentialFrom(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(credentialKey{}).(string)
	return token, ok && token != ""
}
