package shared

import (
	"errors"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// All ledger arithmetic happens in int64 minor currency units. Decimal
// strings exist only at the API boundary.

// ErrAmountPrecision indicates an amount with sub-cent precision.
var ErrAmountPrecision = errors.New("amount has more than two decimal places")

// ErrAmountNegative indicates a negative amount where only non-negative is allowed.
var ErrAmountNegative = errors.New("amount must not be negative")

var hundred = decimal.NewFromInt(100)

// ParseAmount converts a decimal amount string into minor units.
func ParseAmount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	minor := d.Mul(hundred)
	if !minor.IsInteger() {
		return 0, ErrAmountPrecision
	}
	return minor.IntPart(), nil
}

// ParseNonNegativeAmount parses an amount and rejects negative values.
func ParseNonNegativeAmount(s string) (int64, error) {
	v, err := ParseAmount(s)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, ErrAmountNegative
	}
	return v, nil
}

// FormatAmount renders minor units as a plain decimal string.
func FormatAmount(v int64) string {
	return decimal.NewFromInt(v).Div(hundred).StringFixed(2)
}

var memoPrinter = message.NewPrinter(language.English)

// FormatAmountGrouped renders minor units with thousands separators, used in
// generated memos and reconciliation summaries.
func FormatAmountGrouped(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return sign + memoPrinter.Sprintf("%d.%02d", v/100, v%100)
}
