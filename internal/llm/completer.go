// Package llm provides completion-API access for the analysis pipeline: a
// provider-agnostic Completer interface, clients for OpenRouter and Anthropic,
// an explicit retry policy with a circuit breaker, and a tolerant parser for
// the JSON that models actually return.
package llm

import (
	"context"
	"fmt"
)

// Request is a single completion request. Prompts are plain strings; the
// pipeline owns all prompt construction. A zero Temperature means the default.
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Completer issues one completion request and returns the model's text.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// rateLimitError marks an HTTP 429. Retryable.
type rateLimitError struct{}

func (e *rateLimitError) Error() string { return "rate limit exceeded" }

// authError marks an HTTP 401/403. Fatal: retrying cannot help.
type authError struct {
	message string
}

func (e *authError) Error() string { return "authentication failed: " + e.message }

// serverError marks an HTTP 5xx. Retryable.
type serverError struct {
	statusCode int
	body       string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server error (status %d): %s", e.statusCode, e.body)
}
