package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Money is a non-negative fixed-point amount in minor units (2 decimals).
type Money int64

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// ParseMoney accepts "12", "12.5" or "12.50". Negative amounts and more than two
// fractional digits are rejected.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, errors.New("amount must be non-negative")
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" && !hasDot {
		return 0, errors.Errorf("invalid amount %q", s)
	}
	if hasDot && (len(frac) == 0 || len(frac) > 2) {
		return 0, errors.Errorf("amount %q must have at most 2 decimals", s)
	}
	if whole == "" {
		whole = "0"
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, errors.Errorf("invalid amount %q", s)
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w > math.MaxInt64/100-1 {
		return 0, errors.Errorf("amount %q out of range", s)
	}
	var f int64
	if frac != "" {
		if len(frac) == 1 {
			frac += "0"
		}
		f, _ = strconv.ParseInt(frac, 10, 64)
	}
	return Money(w*100 + f), nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Money) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		*m = 0
		return nil
	}
	v, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Sum adds amounts, failing on int64 overflow.
func Sum(parts ...Money) (Money, error) {
	var total Money
	for _, p := range parts {
		if p < 0 {
			return 0, errors.New("negative amount")
		}
		if total > Money(math.MaxInt64)-p {
			return 0, errors.New("amount overflow")
		}
		total += p
	}
	return total, nil
}

// ApplyBasisPoints returns round-half-up(m * bps / 10000), failing on int64 overflow.
func (m Money) ApplyBasisPoints(bps int64) (Money, error) {
	if bps <= 0 || m <= 0 {
		return 0, nil
	}
	// m*bps/10000 = whole*bps + rest*bps/10000, без промежуточного m*bps
	whole, rest := int64(m)/10000, int64(m)%10000
	if whole > math.MaxInt64/bps {
		return 0, errors.New("amount overflow")
	}
	if rest > 0 && bps > (math.MaxInt64-5000)/rest {
		return 0, errors.New("amount overflow")
	}
	hi, lo := whole*bps, (rest*bps+5000)/10000
	if hi > math.MaxInt64-lo {
		return 0, errors.New("amount overflow")
	}
	return Money(hi + lo), nil
}
