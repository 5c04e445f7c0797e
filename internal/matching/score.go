package matching

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-matcher/internal/receipt"
)

// Signal weights. A perfect pair scores 1.
const (
	amountExactWeight    = 0.30
	amountCloseWeight    = 0.20
	dateSameDayWeight    = 0.25
	dateCloseWeight      = 0.15
	dateSameWeekWeight   = 0.10
	supplierWeight       = 0.25
	supplierPartialLimit = 0.15
	invoiceWeight        = 0.20
)

var (
	exactTolerance = decimal.NewFromFloat(0.01)
	closeTolerance = decimal.NewFromFloat(0.03)
)

// Score rates how likely a transaction pays for a receipt. The returned
// reasons name each signal that contributed, in the order they were checked.
func Score(r receipt.Receipt, t receipt.Transaction) (float64, []string) {
	score := 0.0
	reasons := []string{}

	add := func(weight float64, reason string) {
		score += weight
		reasons = append(reasons, reason)
	}

	if weight, reason := amountSignal(r, t); weight > 0 {
		add(weight, reason)
	}
	if weight, reason := dateSignal(r, t); weight > 0 {
		add(weight, reason)
	}

	ref := strings.ToLower(t.Reference)
	if weight, reason := supplierSignal(r.SupplierName, ref); weight > 0 {
		add(weight, reason)
	}
	if invoice := strings.ToLower(strings.TrimSpace(r.InvoiceNumber)); !placeholder(invoice) && strings.Contains(ref, invoice) {
		add(invoiceWeight, fmt.Sprintf("Invoice number '%s' found in transaction reference", invoice))
	}

	return math.Round(score*10000) / 10000, reasons
}

func amountSignal(r receipt.Receipt, t receipt.Transaction) (float64, string) {
	total := r.TotalAmount.Abs()
	if total.IsZero() {
		return 0, ""
	}
	paid, err := t.Amount.Decimal()
	if err != nil {
		return 0, ""
	}
	paid = paid.Abs()

	diff := total.Sub(paid).Abs()
	larger := decimal.Max(total, paid)

	switch {
	case diff.LessThanOrEqual(larger.Mul(exactTolerance)):
		return amountExactWeight, fmt.Sprintf("Amount matches exactly: %s = %s", total.StringFixed(2), paid.StringFixed(2))
	case diff.LessThanOrEqual(larger.Mul(closeTolerance)):
		return amountCloseWeight, fmt.Sprintf("Amount matches within tolerance: %s ≈ %s", total.StringFixed(2), paid.StringFixed(2))
	}
	return 0, ""
}

func dateSignal(r receipt.Receipt, t receipt.Transaction) (float64, string) {
	issued, err := receipt.ParseDate(r.Date)
	if err != nil {
		return 0, ""
	}
	booked, err := receipt.ParseDate(t.Date)
	if err != nil {
		return 0, ""
	}

	days := int(math.Abs(math.Round(issued.Sub(booked).Hours() / 24)))
	switch {
	case days == 0:
		return dateSameDayWeight, "Dates match exactly"
	case days <= 3:
		return dateCloseWeight, fmt.Sprintf("Dates are close: %d days apart", days)
	case days <= 7:
		return dateSameWeekWeight, fmt.Sprintf("Dates are within a week: %d days apart", days)
	}
	return 0, ""
}

func supplierSignal(name, ref string) (float64, string) {
	supplier := strings.ToLower(strings.TrimSpace(name))
	if placeholder(supplier) {
		return 0, ""
	}
	if strings.Contains(ref, supplier) {
		return supplierWeight, fmt.Sprintf("Supplier name '%s' found in transaction reference", supplier)
	}

	words := strings.Fields(supplier)
	var found []string
	for _, w := range words {
		if strings.Contains(ref, w) {
			found = append(found, w)
		}
	}
	if len(found) == 0 {
		return 0, ""
	}
	weight := math.Min(float64(len(found))/float64(len(words))*supplierWeight, supplierPartialLimit)
	return weight, fmt.Sprintf("Partial supplier name match: %s", strings.Join(found, ", "))
}

// placeholder reports whether a lower-cased text field carries no information
func placeholder(s string) bool {
	return s == "" || s == strings.ToLower(receipt.Unknown) || s == strings.ToLower(receipt.ErrorValue)
}
