// Package llm wraps hosted chat-completion backends behind a small
// interface.
package llm

import (
	"context"
	"errors"
)

// Roles accepted in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNoAPIKey is returned when a backend is configured without credentials.
var ErrNoAPIKey = errors.New("llm: api key not configured")

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// Adapter completes a conversation. Keep this surface small; prompt
// assembly belongs to callers.
type Adapter interface {
	Complete(ctx context.Context, msgs []Message) (string, error)
}
