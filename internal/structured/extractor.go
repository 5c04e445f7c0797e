// Package structured turns raw receipt text into a Receipt by asking a
// language model for JSON and validating every field it returns.
package structured

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/receipt-matcher/internal/llm"
	"github.com/zombor/receipt-matcher/internal/metrics"
	"github.com/zombor/receipt-matcher/internal/progress"
	"github.com/zombor/receipt-matcher/internal/receipt"
)

// ErrEmptyText is recorded on receipts whose source text was blank
var ErrEmptyText = errors.New("no text to analyze")

// temperature keeps the model close to deterministic
const temperature = 0.1

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Extractor builds receipts from text with a language model
type Extractor struct {
	model      llm.Model
	currency   string
	timeSource TimeSource
	metrics    *metrics.Metrics
}

// NewExtractor creates an extractor. currency is used when the model does
// not report a usable one.
func NewExtractor(model llm.Model, currency string, m *metrics.Metrics) *Extractor {
	return NewExtractorWithDeps(model, currency, m, &defaultTimeSource{})
}

// NewExtractorWithDeps creates an extractor with a custom time source for testing
func NewExtractorWithDeps(model llm.Model, currency string, m *metrics.Metrics, timeSrc TimeSource) *Extractor {
	if currency == "" {
		currency = "SEK"
	}
	return &Extractor{
		model:      model,
		currency:   strings.ToUpper(currency),
		timeSource: timeSrc,
		metrics:    m,
	}
}

// Extract never fails: when the model cannot be used the returned receipt
// is the error record carrying the failure message.
func (e *Extractor) Extract(ctx context.Context, id, filename, text string, sink progress.Sink) receipt.Receipt {
	now := e.timeSource.Now()

	if strings.TrimSpace(text) == "" {
		return receipt.ErrorReceipt(id, filename, e.currency, now, ErrEmptyText)
	}

	progress.Emit(sink, progress.StageAnalysis, 85, "Analyzing text", nil)

	answer, err := e.model.Complete(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(text),
		Temperature: temperature,
		JSON:        true,
	})
	if err != nil {
		var rateErr *llm.RateLimitError
		if errors.As(err, &rateErr) {
			slog.Warn("Language model rate limited", "id", id, "provider", rateErr.Provider, "retry_after", rateErr.RetryAfter)
		} else {
			slog.Error("Language model call failed", "id", id, "error", err)
		}
		e.metrics.InferenceCalled(metrics.OutcomeError)
		return receipt.ErrorReceipt(id, filename, e.currency, now, fmt.Errorf("analyzing text: %w", err))
	}

	data, err := decodeFields(answer)
	if err != nil {
		slog.Error("Unusable language model answer", "id", id, "error", err)
		e.metrics.InferenceCalled(metrics.OutcomeError)
		return receipt.ErrorReceipt(id, filename, e.currency, now, fmt.Errorf("parsing model answer: %w", err))
	}

	e.metrics.InferenceCalled(metrics.OutcomeOK)
	r := data.toReceipt(id, filename, e.currency, now)
	progress.Emit(sink, progress.StageAnalysis, 95, "Analysis complete", nil)
	return r
}
