package ledger

import (
	"math"

	"chatpay/errs"
)

// MinorUnitsPerUnit is the ledger's fixed scale: one base unit equals one
// million minor units.
const MinorUnitsPerUnit = 1_000_000

// Fee is the flat network fee in base units charged on every payment.
const Fee = 0.001

// ToMinor converts a base-unit amount to minor units. Amounts with more than
// six decimal places cannot be represented and are rejected.
func ToMinor(amount float64) (uint64, error) {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, errs.Newf(errs.KindValidation, "ledger: invalid amount %v", amount)
	}
	scaled := amount * MinorUnitsPerUnit
	rounded := math.Round(scaled)
	if math.Abs(scaled-rounded) > 1e-6 {
		return 0, errs.Newf(errs.KindValidation, "ledger: amount %v exceeds 6 decimal places", amount)
	}
	return uint64(rounded), nil
}

// FromMinor converts on-ledger minor units back to base units.
func FromMinor(minor uint64) float64 {
	return float64(minor) / MinorUnitsPerUnit
}
