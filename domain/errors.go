package domain

import (
	"errors"
	"strings"
)

var (
	// ErrConversationTooLong means the formatted prompt reached the token
	// ceiling. Only a reset recovers the conversation.
	ErrConversationTooLong = errors.New("conversation too long")
	// ErrUnsafeContent is matched by every *UnsafeContentError.
	ErrUnsafeContent = errors.New("unsafe content detected")
	// ErrInferenceUnavailable wraps transport failures of the inference or
	// moderation endpoints. The turn is aborted but the conversation stays usable.
	ErrInferenceUnavailable = errors.New("inference unavailable")
	ErrInvalidCredential    = errors.New("invalid api token")
	ErrConversationAborted  = errors.New("conversation aborted, reset required")
	ErrSessionBusy          = errors.New("session is already generating a response")
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidParams        = errors.New("invalid generation parameters")
	ErrEmptyMessage         = errors.New("message content is empty")
)

// UnsafeContentError carries the policy categories reported by the moderation model.
type UnsafeContentError struct {
	Categories []string
}

func (e *UnsafeContentError) Error() string {
	if len(e.Categories) == 0 {
		return ErrUnsafeContent.Error()
	}
	return ErrUnsafeContent.Error() + ": " + strings.Join(e.Categories, ",")
}

func (e *UnsafeContentError) Is(target error) bool {
	return target == ErrUnsafeContent
}
