package receipt

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when no number can be read from an amount string
var ErrInvalidAmount = errors.New("invalid amount")

// NormalizeAmount parses a human formatted monetary amount such as
// "1 234,56", "$12.00", "-50.00", "1.234,56 kr" or "(12.00)".
//
// Whitespace and currency symbols or codes are dropped. When both a comma
// and a dot are present the one appearing last is the decimal separator.
// A lone comma is a decimal separator whatever the number of digits after
// it, so "1,234" reads as 1.234. A separator repeated more than once is a
// grouping separator.
func NormalizeAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	// Plain numbers, exponent forms included, need no cleanup
	if d, err := decimal.NewFromString(s); err == nil {
		return d, nil
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ',' || r == '.':
			b.WriteRune(r)
		case r == '-' || r == '−':
			// A minus before the first digit or trailing the number
			if b.Len() == 0 || i == len(s)-len(string(r)) {
				negative = true
			}
		}
	}

	num := normalizeSeparators(b.String())
	if strings.Trim(num, ".") == "" {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}

	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, raw, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

func normalizeSeparators(s string) string {
	commas := strings.Count(s, ",")
	dots := strings.Count(s, ".")

	switch {
	case commas > 0 && dots > 0:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case commas == 1:
		return strings.Replace(s, ",", ".", 1)
	case commas > 1:
		return strings.ReplaceAll(s, ",", "")
	case dots > 1:
		return strings.ReplaceAll(s, ".", "")
	}
	return s
}

// ParseDate parses an ISO calendar date
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return t, nil
}
