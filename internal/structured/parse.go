package structured

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-matcher/internal/receipt"
)

// requiredFields are the fields every receipt must carry. Their share of
// present values is the fallback confidence.
var requiredFields = []string{"supplier_name", "invoice_number", "date", "total_amount", "currency", "vat_amount"}

// dateLayouts are tried in order when the model ignores the ISO instruction
var dateLayouts = []string{
	receipt.DateLayout,
	"2006/01/02",
	"2006.01.02",
	"02.01.2006",
	"01/02/2006",
	"02-01-2006",
	"2 January 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	time.RFC3339,
}

var currencySymbols = map[string]string{
	"€": "EUR",
	"$": "USD",
	"£": "GBP",
	"¥": "JPY",
}

// errNoJSONObject is returned when the model answer holds no JSON object
var errNoJSONObject = errors.New("no JSON object found in response")

// fields is the decoded, untrusted model output
type fields map[string]any

// decodeFields pulls the JSON object out of a model answer. Markdown fences
// and any prose around the object are ignored.
func decodeFields(text string) (fields, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, errNoJSONObject
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var data fields
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}
	return data, nil
}

// truthy reports whether a decoded value counts as present
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case bool:
		return t
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// fallbackConfidence is the share of required fields that are present
func (f fields) fallbackConfidence() float64 {
	present := 0
	for _, name := range requiredFields {
		if truthy(f[name]) {
			present++
		}
	}
	return round2(float64(present) / float64(len(requiredFields)))
}

func (f fields) text(name string) string {
	switch t := f[name].(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	}
	return ""
}

func (f fields) amount(name string) decimal.Decimal {
	return amountValue(f[name])
}

func amountValue(v any) decimal.Decimal {
	var d decimal.Decimal
	var err error
	switch t := v.(type) {
	case json.Number:
		d, err = decimal.NewFromString(t.String())
	case string:
		d, err = receipt.NormalizeAmount(t)
	default:
		return decimal.Zero
	}
	if err != nil {
		return decimal.Zero
	}
	return d.Abs()
}

// confidence reads a reported confidence, accepting fractions and percentages
func (f fields) confidence() (float64, bool) {
	var c float64
	switch t := f["confidence_score"].(type) {
	case json.Number:
		v, err := t.Float64()
		if err != nil {
			return 0, false
		}
		c = v
	case string:
		d, err := receipt.NormalizeAmount(strings.TrimSuffix(strings.TrimSpace(t), "%"))
		if err != nil {
			return 0, false
		}
		c = d.InexactFloat64()
	default:
		return 0, false
	}

	if c > 1 && c <= 100 {
		c = c / 100
	}
	return round2(math.Min(math.Max(c, 0), 1)), true
}

func (f fields) date(now time.Time) string {
	raw := f.text("date")
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			return d.Format(receipt.DateLayout)
		}
	}
	return now.Format(receipt.DateLayout)
}

func (f fields) currency(fallback string) string {
	raw := f.text("currency")
	if code, ok := currencySymbols[raw]; ok {
		return code
	}
	code := strings.ToUpper(raw)
	if len(code) == 3 && strings.IndexFunc(code, func(r rune) bool { return !unicode.IsLetter(r) }) == -1 {
		return code
	}
	if code == "KR" {
		return "SEK"
	}
	return fallback
}

func (f fields) lineItems() []receipt.LineItem {
	items := make([]receipt.LineItem, 0)
	raw, ok := f["line_items"].([]any)
	if !ok {
		return items
	}
	for _, entry := range raw {
		item, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		li := fields(item)
		items = append(items, receipt.LineItem{
			Description: li.text("description"),
			Quantity:    li.amount("quantity"),
			UnitPrice:   li.amount("unit_price"),
			Total:       li.amount("total"),
			VATRate:     li.amount("vat_rate"),
		})
	}
	return items
}

// toReceipt validates and defaults every field of the model output. Nothing
// about its shape is assumed.
func (f fields) toReceipt(id, filename, defaultCurrency string, now time.Time) receipt.Receipt {
	confidence, ok := f.confidence()
	if !ok {
		confidence = f.fallbackConfidence()
	}

	return receipt.Receipt{
		ID:              id,
		Filename:        filename,
		SupplierName:    orUnknown(f.text("supplier_name")),
		InvoiceNumber:   orUnknown(f.text("invoice_number")),
		Date:            f.date(now),
		TotalAmount:     f.amount("total_amount"),
		VATAmount:       f.amount("vat_amount"),
		Currency:        f.currency(defaultCurrency),
		ConfidenceScore: confidence,
		LineItems:       f.lineItems(),
	}
}

func orUnknown(s string) string {
	if s == "" {
		return receipt.Unknown
	}
	return s
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
