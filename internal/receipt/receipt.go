package receipt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Amounts travel as JSON numbers, the same shape the model returns them in.
	decimal.MarshalJSONWithoutQuotes = true
}

const (
	// Unknown is the placeholder for a text field the extraction could not resolve
	Unknown = "Unknown"
	// ErrorValue is the placeholder for text fields of a receipt whose extraction failed
	ErrorValue = "Error"
	// DateLayout is the ISO calendar date layout used for receipts and transactions
	DateLayout = "2006-01-02"
)

// Receipt is the structured record extracted from one source document
type Receipt struct {
	ID              string          `json:"id"`
	Filename        string          `json:"filename"`
	SupplierName    string          `json:"supplier_name"`
	InvoiceNumber   string          `json:"invoice_number"`
	Date            string          `json:"date"` // YYYY-MM-DD
	TotalAmount     decimal.Decimal `json:"total_amount"`
	VATAmount       decimal.Decimal `json:"vat_amount"`
	Currency        string          `json:"currency"`
	ConfidenceScore float64         `json:"confidence_score"`
	LineItems       []LineItem      `json:"line_items"`
	Error           string          `json:"error,omitempty"`
}

// LineItem is one row of a receipt
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
	VATRate     decimal.Decimal `json:"vat_rate"`
}

// Failed reports whether the receipt is an error record
func (r Receipt) Failed() bool {
	return r.Error != ""
}

// ErrorReceipt builds the sentinel record used when a document could not be
// extracted. Every field carries its error default so the record stays
// usable by the matcher.
func ErrorReceipt(id, filename, currency string, now time.Time, err error) Receipt {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Receipt{
		ID:            id,
		Filename:      filename,
		SupplierName:  ErrorValue,
		InvoiceNumber: ErrorValue,
		Date:          now.Format(DateLayout),
		TotalAmount:   decimal.Zero,
		VATAmount:     decimal.Zero,
		Currency:      currency,
		LineItems:     []LineItem{},
		Error:         msg,
	}
}

// Transaction is a bank or ledger entry to reconcile receipts against
type Transaction struct {
	ID        string `json:"id"`
	Date      string `json:"date"`
	Amount    Amount `json:"amount"`
	Reference string `json:"reference"`
}

// Amount is a raw monetary value as it arrived from the transaction feed.
// It accepts JSON numbers and strings and is normalized only when read.
type Amount string

// UnmarshalJSON accepts a number, a string or null
func (a *Amount) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("unmarshaling amount: %w", err)
		}
		*a = Amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("unmarshaling amount: %w", err)
	}
	*a = Amount(n.String())
	return nil
}

// MarshalJSON writes the amount as a number when it is already numeric
func (a Amount) MarshalJSON() ([]byte, error) {
	if d, err := decimal.NewFromString(string(a)); err == nil {
		return []byte(d.String()), nil
	}
	return json.Marshal(string(a))
}

// Decimal normalizes the raw amount
func (a Amount) Decimal() (decimal.Decimal, error) {
	return NormalizeAmount(string(a))
}

// Match is a committed pairing of one receipt and one transaction
type Match struct {
	Receipt         Receipt     `json:"receipt"`
	Transaction     Transaction `json:"transaction"`
	ConfidenceScore float64     `json:"confidence_score"`
	Reasons         []string    `json:"reasons"`
}

// Summary aggregates one matching run
type Summary struct {
	TotalMatches          int     `json:"total_matches"`
	UnmatchedReceipts     int     `json:"unmatched_receipts"`
	UnmatchedTransactions int     `json:"unmatched_transactions"`
	AverageConfidence     float64 `json:"average_confidence"`
}

// Unmatched holds the residual items of a matching run
type Unmatched struct {
	Receipts     []Receipt     `json:"receipts"`
	Transactions []Transaction `json:"transactions"`
}

// MatchReport is the persisted outcome of a matching run
type MatchReport struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Matches   []Match   `json:"matches"`
	Unmatched Unmatched `json:"unmatched"`
	Summary   Summary   `json:"summary"`
}

// Stats is the summary printed for a directory scan
type Stats struct {
	Total     int `json:"total"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	Failed    int `json:"failed"`
}

// NewStats counts the receipts of a run; matched is the number of committed matches
func NewStats(receipts []Receipt, matched int) Stats {
	s := Stats{Total: len(receipts), Matched: matched, Unmatched: len(receipts) - matched}
	for _, r := range receipts {
		if r.Failed() {
			s.Failed++
		}
	}
	return s
}
