package ai

import (
	"context"
	"errors"
)

// Provider generates one completion from a conversation. Providers carry no
// retry logic of their own; retries belong to the worker pool.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Transient failure modes. Anything else a provider returns is permanent.
var (
	ErrUnavailable = errors.New("ai: service unavailable")
	ErrTimeout     = errors.New("ai: request timed out")
)

func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}
