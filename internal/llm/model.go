// Package llm talks to the language models that turn receipt text into
// structured JSON. Every provider sits behind the Model interface so the
// structured extractor can be tested without a network.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNoResponse is returned when the model answered with no text
var ErrNoResponse = errors.New("no response from model")

// Request is one completion request
type Request struct {
	// System is the role instruction given to the model
	System string
	// Prompt is the user message
	Prompt string
	// Temperature controls randomness; extraction uses a low value
	Temperature float32
	// JSON asks the provider to constrain the answer to a JSON object
	JSON bool
}

// Model is a language model completing a single request
type Model interface {
	Complete(ctx context.Context, req Request) (string, error)
	Close() error
}

// RateLimitError indicates a provider rejected a call with HTTP 429 or its
// equivalent
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
	Provider   string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited (retry after %s): %v", e.Provider, e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// NewRateLimitError creates a RateLimitError. If retryAfterSecs is 0, defaults to 60s.
func NewRateLimitError(provider string, err error, retryAfterSecs int) *RateLimitError {
	if retryAfterSecs <= 0 {
		retryAfterSecs = 60
	}
	return &RateLimitError{
		Err:        err,
		RetryAfter: time.Duration(retryAfterSecs) * time.Second,
		Provider:   provider,
	}
}

// parseRetryAfter parses a Retry-After header holding seconds
func parseRetryAfter(val string) int {
	secs, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return 0
	}
	return secs
}
