package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// limited throttles calls to a wrapped model
type limited struct {
	Model
	limiter *rate.Limiter
}

// WithRateLimit wraps a model so it is called at most rps times per second.
// A non-positive rps returns the model unchanged.
func WithRateLimit(m Model, rps float64) Model {
	if rps <= 0 {
		return m
	}
	return &limited{Model: m, limiter: rate.NewLimiter(rate.Limit(rps), 1)}
}

func (l *limited) Complete(ctx context.Context, req Request) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return l.Model.Complete(ctx, req)
}
