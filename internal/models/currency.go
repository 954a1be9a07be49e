package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnits maps ISO 4217 codes to the number of decimals of their minor unit.
var minorUnits = map[string]int32{
	"EUR": 2,
	"CHF": 2,
	"GBP": 2,
	"SEK": 2,
	"DKK": 2,
	"NOK": 2,
	"PLN": 2,
	"CZK": 2,
	"HUF": 2,
	"RON": 2,
	"BGN": 2,
	"ISK": 0,
	"JPY": 0,
}

// MinorUnits returns the currency's decimal places, defaulting to 2.
func MinorUnits(currency string) int32 {
	if u, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return u
	}
	return 2
}

// RoundToMinor rounds half-up (away from zero) to the currency's minor unit.
func RoundToMinor(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(MinorUnits(currency))
}
