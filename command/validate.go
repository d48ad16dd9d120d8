package command

import (
	"regexp"
	"strconv"
	"strings"

	"chatpay/errs"
)

// MaxAmount is the largest accepted transfer in base units.
const MaxAmount = 1_000_000

var (
	phoneRe   = regexp.MustCompile(`^\+?[0-9]{10,15}$`)
	addressRe = regexp.MustCompile(`^[A-Z2-7]{58}$`)
)

// ParseAmount validates and parses a decimal amount string: positive, at most
// MaxAmount, at most six decimal places.
func ParseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if dot := strings.IndexByte(s, '.'); dot >= 0 && len(s)-dot-1 > 6 {
		return 0, errs.Newf(errs.KindValidation, "amount %q has more than 6 decimal places", s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errs.Newf(errs.KindValidation, "amount %q is not a number", s)
	}
	if v <= 0 {
		return 0, errs.New(errs.KindValidation, "amount must be positive")
	}
	if v > MaxAmount {
		return 0, errs.Newf(errs.KindValidation, "amount exceeds the %d limit", MaxAmount)
	}
	return v, nil
}

// NormalizePhone canonicalizes a phone to "+digits". A missing plus is
// tolerated; anything else fails validation.
func NormalizePhone(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, s)
	if !phoneRe.MatchString(s) {
		return "", errs.Newf(errs.KindValidation, "phone %q must be + followed by 10-15 digits", s)
	}
	if !strings.HasPrefix(s, "+") {
		s = "+" + s
	}
	return s, nil
}

// IsAddress reports whether the token looks like a ledger address:
// 58 characters of the base32 alphabet.
func IsAddress(s string) bool {
	return addressRe.MatchString(strings.ToUpper(strings.TrimSpace(s)))
}
