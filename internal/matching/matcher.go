// Package matching pairs extracted receipts with bank transactions.
package matching

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/zombor/receipt-matcher/internal/metrics"
	"github.com/zombor/receipt-matcher/internal/progress"
	"github.com/zombor/receipt-matcher/internal/receipt"
)

const (
	// DefaultThreshold is the lowest score committed as a match
	DefaultThreshold = 0.5
	// DefaultProgressEvery is how many evaluated pairs pass between progress events
	DefaultProgressEvery = 10
)

// Result is the outcome of one matching run
type Result struct {
	Matches   []receipt.Match   `json:"matches"`
	Unmatched receipt.Unmatched `json:"unmatched"`
	Summary   receipt.Summary   `json:"summary"`
}

// Matcher assigns each transaction to at most one receipt. Receipts are
// visited in input order and each takes the best unconsumed transaction,
// so the result is greedy rather than globally optimal.
type Matcher struct {
	// Threshold is the lowest committed score; zero or less means DefaultThreshold
	Threshold     float64
	ProgressEvery int
	Metrics       *metrics.Metrics
}

// NewMatcher creates a matcher with the default threshold
func NewMatcher(m *metrics.Metrics) *Matcher {
	return &Matcher{
		Threshold:     DefaultThreshold,
		ProgressEvery: DefaultProgressEvery,
		Metrics:       m,
	}
}

// Match runs the assignment and reports progress to sink
func (m *Matcher) Match(receipts []receipt.Receipt, txs []receipt.Transaction, sink progress.Sink) Result {
	threshold := m.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	every := m.ProgressEvery
	if every <= 0 {
		every = DefaultProgressEvery
	}

	progress.Emit(sink, progress.StageProgress, 0, fmt.Sprintf("Processing %d receipts and %d transactions", len(receipts), len(txs)), nil)

	matches := []receipt.Match{}
	usedReceipts := make([]bool, len(receipts))
	usedTxs := make([]bool, len(txs))
	total := len(receipts) * len(txs)
	evaluated := 0
	pct := 0.0

	for ri, r := range receipts {
		best := -1
		bestScore := 0.0
		var bestReasons []string

		for ti, t := range txs {
			if usedTxs[ti] {
				continue
			}

			evaluated++
			pct = math.Round(float64(evaluated)/float64(total)*10000) / 100
			if evaluated%every == 0 {
				progress.Emit(sink, progress.StageProgress, pct, fmt.Sprintf("Analyzing matches... (%d found)", len(matches)), nil)
			}

			score, reasons := Score(r, t)
			if score > bestScore {
				best, bestScore, bestReasons = ti, score, reasons
			}
		}

		if best < 0 || bestScore < threshold {
			continue
		}

		match := receipt.Match{
			Receipt:         r,
			Transaction:     txs[best],
			ConfidenceScore: bestScore,
			Reasons:         bestReasons,
		}
		matches = append(matches, match)
		usedReceipts[ri] = true
		usedTxs[best] = true
		m.Metrics.MatchCommitted(bestScore)

		slog.Debug("Matched receipt", "receipt", r.ID, "transaction", txs[best].ID, "score", bestScore)
		progress.Emit(sink, progress.StageMatch, pct, "Found match", match)
	}

	result := Result{
		Matches: matches,
		Unmatched: receipt.Unmatched{
			Receipts:     []receipt.Receipt{},
			Transactions: []receipt.Transaction{},
		},
	}
	for i, r := range receipts {
		if !usedReceipts[i] {
			result.Unmatched.Receipts = append(result.Unmatched.Receipts, r)
		}
	}
	for i, t := range txs {
		if !usedTxs[i] {
			result.Unmatched.Transactions = append(result.Unmatched.Transactions, t)
		}
	}
	result.Summary = summarize(matches, len(receipts), len(txs))

	progress.Emit(sink, progress.StageSummary, 100, "Matching complete", result.Summary)
	progress.Emit(sink, progress.StageUnmatched, 100, "Unmatched items identified", result.Unmatched)
	progress.Emit(sink, progress.StageComplete, 100, "Processing complete", nil)

	return result
}

func summarize(matches []receipt.Match, receipts, txs int) receipt.Summary {
	s := receipt.Summary{
		TotalMatches:          len(matches),
		UnmatchedReceipts:     receipts - len(matches),
		UnmatchedTransactions: txs - len(matches),
	}
	if len(matches) == 0 {
		return s
	}
	sum := 0.0
	for _, m := range matches {
		sum += m.ConfidenceScore
	}
	s.AverageConfidence = math.Round(sum/float64(len(matches))*10000) / 10000
	return s
}
