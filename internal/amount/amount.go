package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// MaxDecimals is the largest token decimal count that still fits a
// uint256 raw value (10^77 < 2^256).
const MaxDecimals = 77

var (
	ErrScaleMismatch    = errors.New("amounts have different decimals")
	ErrOverflow         = errors.New("amount exceeds uint256 range")
	ErrUnderflow        = errors.New("amount would be negative")
	ErrOutOfRange       = errors.New("value out of range")
	ErrPrecisionLoss    = errors.New("value has more fractional digits than token decimals")
	ErrInvalidPrecision = errors.New("invalid display precision")
)

// Amount is a token quantity held as a raw uint256 integer plus the
// token's decimal count. Two amounts are only comparable when their
// decimals match; that is the type-level stand-in for "same token".
// Amounts are immutable, every operation returns a fresh value.
type Amount struct {
	raw      uint256.Int
	decimals int
}

// FromRaw builds an Amount from a raw on-chain integer.
func FromRaw(raw *big.Int, decimals int) (Amount, error) {
	if err := checkDecimals(decimals); err != nil {
		return Amount{}, err
	}
	if raw == nil {
		return Amount{}, fmt.Errorf("raw amount is nil: %w", ErrOutOfRange)
	}
	if raw.Sign() < 0 {
		return Amount{}, fmt.Errorf("raw amount %s is negative: %w", raw, ErrOutOfRange)
	}
	var v uint256.Int
	if overflow := v.SetFromBig(raw); overflow {
		return Amount{}, fmt.Errorf("raw amount exceeds uint256: %w", ErrOutOfRange)
	}
	return Amount{raw: v, decimals: decimals}, nil
}

// FromUint64 builds an Amount from a small raw value, mostly for tests
// and defaults.
func FromUint64(raw uint64, decimals int) (Amount, error) {
	if err := checkDecimals(decimals); err != nil {
		return Amount{}, err
	}
	var v uint256.Int
	v.SetUint64(raw)
	return Amount{raw: v, decimals: decimals}, nil
}

// Zero returns the zero amount at the given decimals. Panics on an
// invalid decimal count; callers pass asset decimals that were already
// validated at the data-model boundary.
func Zero(decimals int) Amount {
	if err := checkDecimals(decimals); err != nil {
		panic(err)
	}
	return Amount{decimals: decimals}
}

// Parse converts a human-entered decimal string ("1.5") into an Amount.
// It never truncates: fractional digits beyond the token's decimals are
// rejected with ErrPrecisionLoss.
func Parse(s string, decimals int) (Amount, error) {
	if err := checkDecimals(decimals); err != nil {
		return Amount{}, err
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("empty amount string: %w", ErrOutOfRange)
	}
	if strings.HasPrefix(trimmed, "-") {
		return Amount{}, fmt.Errorf("amount %q is negative: %w", s, ErrOutOfRange)
	}
	intPart, fracPart, hasFrac := strings.Cut(trimmed, ".")
	if intPart == "" {
		intPart = "0"
	}
	if hasFrac && fracPart == "" {
		return Amount{}, fmt.Errorf("malformed amount %q: %w", s, ErrOutOfRange)
	}
	if len(fracPart) > decimals {
		return Amount{}, fmt.Errorf("amount %q has %d fractional digits, token supports %d: %w",
			s, len(fracPart), decimals, ErrPrecisionLoss)
	}
	digits := intPart + fracPart + strings.Repeat("0", decimals-len(fracPart))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		digits = "0"
	}
	var v uint256.Int
	if err := v.SetFromDecimal(digits); err != nil {
		return Amount{}, fmt.Errorf("amount %q: %w", s, ErrOutOfRange)
	}
	return Amount{raw: v, decimals: decimals}, nil
}

// Add returns a+b. Fails with ErrScaleMismatch when decimals differ and
// ErrOverflow when the sum leaves uint256 range.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.decimals != b.decimals {
		return Amount{}, fmt.Errorf("add %d vs %d decimals: %w", a.decimals, b.decimals, ErrScaleMismatch)
	}
	var sum uint256.Int
	if _, overflow := sum.AddOverflow(&a.raw, &b.raw); overflow {
		return Amount{}, fmt.Errorf("add: %w", ErrOverflow)
	}
	return Amount{raw: sum, decimals: a.decimals}, nil
}

// Sub returns a-b. A negative result is an error, not a wraparound.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.decimals != b.decimals {
		return Amount{}, fmt.Errorf("sub %d vs %d decimals: %w", a.decimals, b.decimals, ErrScaleMismatch)
	}
	var diff uint256.Int
	if _, borrow := diff.SubOverflow(&a.raw, &b.raw); borrow {
		return Amount{}, fmt.Errorf("sub: %w", ErrUnderflow)
	}
	return Amount{raw: diff, decimals: a.decimals}, nil
}

// Cmp returns -1, 0 or 1. Comparing across decimals is a programmer
// error and surfaces as ErrScaleMismatch.
func (a Amount) Cmp(b Amount) (int, error) {
	if a.decimals != b.decimals {
		return 0, fmt.Errorf("cmp %d vs %d decimals: %w", a.decimals, b.decimals, ErrScaleMismatch)
	}
	return a.raw.Cmp(&b.raw), nil
}

// MulDiv returns floor(a * num / den) at the same decimals. Used for
// fractional caps like the market impact ratio, carried as an integer
// ratio so no float rounding leaks into amounts.
func (a Amount) MulDiv(num, den uint64) (Amount, error) {
	if den == 0 {
		return Amount{}, fmt.Errorf("muldiv by zero: %w", ErrOutOfRange)
	}
	var (
		n, d, out uint256.Int
	)
	n.SetUint64(num)
	d.SetUint64(den)
	if _, overflow := out.MulDivOverflow(&a.raw, &n, &d); overflow {
		return Amount{}, fmt.Errorf("muldiv: %w", ErrOverflow)
	}
	return Amount{raw: out, decimals: a.decimals}, nil
}

// Min returns the smaller of a and b.
func Min(a, b Amount) (Amount, error) {
	cmp, err := a.Cmp(b)
	if err != nil {
		return Amount{}, err
	}
	if cmp <= 0 {
		return a, nil
	}
	return b, nil
}

// Format renders the amount as an exact decimal string with the given
// number of fractional digits. Excess digits are truncated toward zero,
// missing ones zero-padded; integer division only, no floats.
func (a Amount) Format(precision int) (string, error) {
	if precision < 0 || precision > MaxDecimals {
		return "", fmt.Errorf("precision %d: %w", precision, ErrInvalidPrecision)
	}
	scale := pow10(a.decimals)
	var intPart, frac uint256.Int
	intPart.DivMod(&a.raw, scale, &frac)
	if precision == 0 {
		return intPart.Dec(), nil
	}
	fracDigits := frac.Dec()
	if pad := a.decimals - len(fracDigits); pad > 0 {
		fracDigits = strings.Repeat("0", pad) + fracDigits
	}
	if len(fracDigits) > precision {
		fracDigits = fracDigits[:precision]
	} else if pad := precision - len(fracDigits); pad > 0 {
		fracDigits += strings.Repeat("0", pad)
	}
	return intPart.Dec() + "." + fracDigits, nil
}

// Raw returns the underlying integer as a fresh big.Int, the form
// transaction parameters want.
func (a Amount) Raw() *big.Int {
	return a.raw.ToBig()
}

// Decimals returns the token decimal count the amount is denominated in.
func (a Amount) Decimals() int {
	return a.decimals
}

func (a Amount) IsZero() bool {
	return a.raw.IsZero()
}

// Equal reports raw and decimals equality; unlike Cmp it never errors,
// amounts of different tokens are simply not equal.
func (a Amount) Equal(b Amount) bool {
	return a.decimals == b.decimals && a.raw.Eq(&b.raw)
}

// String renders at full token precision. Errors cannot occur here
// because decimals were validated at construction.
func (a Amount) String() string {
	s, _ := a.Format(a.decimals)
	return s
}

func checkDecimals(decimals int) error {
	if decimals < 0 || decimals > MaxDecimals {
		return fmt.Errorf("decimals %d outside [0,%d]: %w", decimals, MaxDecimals, ErrOutOfRange)
	}
	return nil
}

func pow10(n int) *uint256.Int {
	out := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := 0; i < n; i++ {
		out.Mul(out, ten)
	}
	return out
}
