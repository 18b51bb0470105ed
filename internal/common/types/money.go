package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Common currency codes
const (
	// CurrencyUSD is the ISO 4217 code for US Dollar.
	CurrencyUSD = "USD"
	// CurrencyEUR is the ISO 4217 code for Euro.
	CurrencyEUR = "EUR"
	// CurrencyGBP is the ISO 4217 code for British Pound.
	CurrencyGBP = "GBP"
)

// currencyExponents maps ISO 4217 codes to their minor-unit exponent.
// Codes not listed use the common exponent of 2.
var currencyExponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0,
	"KMF": 0, "KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0,
	"VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// Money represents a monetary amount as integer minor units with currency.
// Minor units avoid floating-point drift in storage and transport; decimal
// conversion is provided for display.
type Money struct {
	MinorUnits int64  `json:"minor_units"`
	Currency   string `json:"currency"`
}

// NewMoney creates a new Money instance.
func NewMoney(minorUnits int64, currency string) Money {
	return Money{
		MinorUnits: minorUnits,
		Currency:   currency,
	}
}

// ValidCurrencyCode reports whether s is a three-letter uppercase ISO 4217 code.
func ValidCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// CurrencyExponent returns the minor-unit exponent for a currency code.
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[currency]; ok {
		return exp
	}
	return 2
}

// Decimal returns the amount in major units as a decimal.
// 1050 USD minor units becomes 10.50.
func (m Money) Decimal() decimal.Decimal {
	return decimal.NewFromInt(m.MinorUnits).Shift(-CurrencyExponent(m.Currency))
}

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool {
	return m.MinorUnits > 0
}

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool {
	return m.MinorUnits == 0
}

// String returns a human-readable representation, e.g. "10.50 USD".
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Decimal().StringFixed(CurrencyExponent(m.Currency)), m.Currency)
}
