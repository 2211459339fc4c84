// Package money fixes the monetary representation used across the ledger:
// signed integers denominated in hundredths of a currency unit, so the exact
// 3/2 payout of a one-unit premium stays integral.
package money

import "fmt"

// Amount is a balance or payment in hundredths of a unit.
type Amount = int64

// Unit is one whole currency unit.
const Unit Amount = 100

// Format renders an amount as a decimal unit string, e.g. 150 -> "1.50".
func Format(a Amount) string {
	sign := ""
	if a < 0 {
		sign = "-"
		a = -a
	}
	return fmt.Sprintf("%s%d.%02d", sign, a/Unit, a%Unit)
}
