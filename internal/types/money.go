package types

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidAmount is returned by ParseMajor for inputs that are not a plain
// decimal number representable in the currency's minor units.
var ErrInvalidAmount = errors.New("invalid amount")

// zeroDecimalCurrencies have no minor unit: 500 JPY is sent to Stripe as 500.
var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {},
	"krw": {}, "mga": {}, "pyg": {}, "rwf": {}, "ugx": {}, "vnd": {},
	"vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
}

// threeDecimalCurrencies use thousandths as their minor unit.
var threeDecimalCurrencies = map[string]struct{}{
	"bhd": {}, "jod": {}, "kwd": {}, "omr": {}, "tnd": {},
}

// pow10 holds 10^n for the exponents CurrencyExponent can return.
var pow10 = [...]int64{1, 10, 100, 1000}

// CurrencyExponent returns the number of decimal places between the major and
// minor unit of an ISO 4217 currency code (case-insensitive). Unknown codes
// default to 2.
func CurrencyExponent(currency string) int {
	c := strings.ToLower(currency)
	if _, ok := zeroDecimalCurrencies[c]; ok {
		return 0
	}
	if _, ok := threeDecimalCurrencies[c]; ok {
		return 3
	}
	return 2
}

// Money is an amount in integer minor units together with its lowercase
// currency code. All arithmetic stays in int64; the decimal representation is
// produced only at the boundary by Major.
type Money struct {
	Minor    int64  `json:"minor"`
	Currency string `json:"currency"`
}

// NewMoney builds a Money from minor units, normalizing the currency code.
func NewMoney(minor int64, currency string) Money {
	return Money{Minor: minor, Currency: strings.ToLower(strings.TrimSpace(currency))}
}

// Major renders the amount in major units with exactly as many decimal
// places as the currency defines, e.g. 1999 usd -> "19.99", 500 jpy -> "500".
func (m Money) Major() string {
	exp := CurrencyExponent(m.Currency)

	sign := ""
	abs := uint64(m.Minor)
	if m.Minor < 0 {
		sign = "-"
		abs = uint64(-(m.Minor + 1)) + 1
	}
	if exp == 0 {
		return sign + strconv.FormatUint(abs, 10)
	}

	unit := uint64(pow10[exp])
	return fmt.Sprintf("%s%d.%0*d", sign, abs/unit, exp, abs%unit)
}

// String implements fmt.Stringer as "<major> <currency>".
func (m Money) String() string {
	return m.Major() + " " + m.Currency
}

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool {
	return m.Minor > 0
}

// ParseMajor parses a decimal major-unit string such as "19.99" into Money
// for the given currency. Parsing is done on the digit strings so no float
// rounding can occur. More fractional digits than the currency allows is an
// error unless the extra digits are zeros.
func ParseMajor(s, currency string) (Money, error) {
	exp := CurrencyExponent(currency)
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Money{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	negative := false
	switch raw[0] {
	case '-':
		negative = true
		raw = raw[1:]
	case '+':
		raw = raw[1:]
	}

	whole, frac, hasDot := strings.Cut(raw, ".")
	if whole == "" || (hasDot && frac == "") {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	if len(frac) > exp {
		if strings.Trim(frac[exp:], "0") != "" {
			return Money{}, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, s, exp)
		}
		frac = frac[:exp]
	}
	frac += strings.Repeat("0", exp-len(frac))

	wholeVal, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	var fracVal int64
	if frac != "" {
		fracVal, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}

	unit := pow10[exp]
	if wholeVal > (math.MaxInt64-fracVal)/unit {
		return Money{}, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, s)
	}
	minor := wholeVal*unit + fracVal
	if negative {
		minor = -minor
	}
	return NewMoney(minor, currency), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
