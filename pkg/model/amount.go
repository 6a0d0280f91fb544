package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a fixed-point currency value counted in minor units (cents).
type Amount int64

// MaxAmount is the largest representable amount. Parsing rejects anything
// larger in magnitude and balances never grow past it.
const MaxAmount Amount = math.MaxInt64

// Cents builds an Amount from a count of minor units.
func Cents(c int64) Amount { return Amount(c) }

// Add returns a+b, or false when the sum leaves [-MaxAmount, MaxAmount].
func (a Amount) Add(b Amount) (Amount, bool) {
	switch {
	case b > 0 && a > MaxAmount-b:
		return 0, false
	case b < 0 && a < -MaxAmount-b:
		return 0, false
	}
	return a + b, true
}

// String formats the amount with two fraction digits, e.g. "48.20".
func (a Amount) String() string {
	sign := ""
	v := uint64(a)
	if a < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Float64 is for display only; settlement always uses the integer value.
func (a Amount) Float64() float64 {
	return float64(a) / 100
}

// MarshalJSON encodes the amount as a JSON number with two fraction digits.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts any JSON number (or a quoted decimal) and rounds half
// away from zero to cents.
func (a *Amount) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if raw == "" || raw == "null" {
		*a = 0
		return nil
	}
	v, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAmount parses a decimal currency string such as "12", "1.8" or
// "-0.005". Values with more than two fraction digits are rounded half away
// from zero. Malformed or out-of-range input is an ErrValidation.
func ParseAmount(raw string) (Amount, error) {
	const op = "parse amount"
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, Invalid(op, "amount is empty")
	}
	if strings.ContainsAny(s, "eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, Invalid(op, "invalid amount %q", raw)
		}
		c := math.Round(f * 100)
		if math.IsNaN(c) || math.Abs(c) >= float64(MaxAmount) {
			return 0, Invalid(op, "amount %q is out of range", raw)
		}
		return Amount(c), nil
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, Invalid(op, "invalid amount %q", raw)
	}
	if whole == "" {
		whole = "0"
	}
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, Invalid(op, "invalid amount %q", raw)
		}
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, Invalid(op, "amount %q is out of range", raw)
	}

	padded := frac + "000"
	cents, _ := strconv.ParseInt(padded[:2], 10, 64)
	if padded[2] >= '5' {
		cents++
	}

	if units > (int64(MaxAmount)-cents)/100 {
		return 0, Invalid(op, "amount %q is out of range", raw)
	}
	total := units*100 + cents
	if neg {
		total = -total
	}
	return Amount(total), nil
}
