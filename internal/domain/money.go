package domain

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// DefaultDisplayLocale is used when rendering Money.Formatted.
var DefaultDisplayLocale = language.MustParse("en-CA")

// Money is a fixed-point amount expressed in the currency's minor units.
// Formatted is derived from Amount and Currency and is never read back.
type Money struct {
	Amount    int64  `json:"amountMinorUnits" firestore:"amountMinorUnits"`
	Currency  string `json:"currency" firestore:"currency"`
	Formatted string `json:"formatted" firestore:"formatted"`
}

// NewMoney builds a Money value with a normalised currency code and display string.
func NewMoney(amount int64, code string) Money {
	code = NormalizeCurrency(code)
	return Money{
		Amount:    amount,
		Currency:  code,
		Formatted: FormatMoney(amount, code),
	}
}

// NormalizeCurrency upper-cases and trims an ISO 4217 code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCurrency reports whether code is a recognised ISO 4217 currency.
func ValidCurrency(code string) bool {
	_, err := currency.ParseISO(NormalizeCurrency(code))
	return err == nil
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.Amount == 0
}

// Add returns m + other. Both values must share a currency.
func (m Money) Add(other Money) (Money, error) {
	if other.Currency != "" && m.Currency != "" && other.Currency != m.Currency {
		return Money{}, fmt.Errorf("money: currency mismatch %s vs %s", m.Currency, other.Currency)
	}
	if other.Amount > 0 && m.Amount > math.MaxInt64-other.Amount {
		return Money{}, fmt.Errorf("money: amount overflow")
	}
	code := m.Currency
	if code == "" {
		code = other.Currency
	}
	return NewMoney(m.Amount+other.Amount, code), nil
}

// Reformat recomputes Formatted, useful after decoding persisted values.
func (m Money) Reformat() Money {
	return NewMoney(m.Amount, m.Currency)
}

// MinorUnitScale returns the number of decimal places of the currency (2 for CAD, 0 for JPY).
func MinorUnitScale(code string) int {
	unit, err := currency.ParseISO(NormalizeCurrency(code))
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale
}

// FormatMoney renders minor units as a localised amount prefixed with the currency code.
func FormatMoney(amount int64, code string) string {
	code = NormalizeCurrency(code)
	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Sprintf("%d %s", amount, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	value := float64(amount) / math.Pow10(scale)
	printer := message.NewPrinter(DefaultDisplayLocale)
	return printer.Sprintf("%s %v", unit.String(), number.Decimal(value, number.Scale(scale)))
}
