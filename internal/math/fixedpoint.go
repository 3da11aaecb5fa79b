// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	FixedConfig = DecimalConfig{DecimalPrecision: 18, Scale: 1_000_000_000_000_000_000} // rates, ratios, shares
	USDCConfig  = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}                   // 0.000001 USDC
)

// NewDecimalConfig builds a config for an asset with the given number of decimals (0..18).
func NewDecimalConfig(decimals int) (DecimalConfig, error) {
	if decimals < 0 || decimals > FixedConfig.DecimalPrecision {
		return DecimalConfig{}, fmt.Errorf("unsupported decimals %d", decimals)
	}
	scale := int64(1)
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	return DecimalConfig{DecimalPrecision: decimals, Scale: scale}, nil
}

var (
	ErrFixedOverflow = errors.New("fixedpoint: value out of SD59x18 range")
	ErrDivideByZero  = errors.New("fixedpoint: division by zero")
	ErrExpOverflow   = errors.New("fixedpoint: exp input too large")
	ErrLnDomain      = errors.New("fixedpoint: ln of non-positive value")
)

var int256Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt256() *big.Int {
	return int256Pool.Get().(*big.Int)
}

func putInt256(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int256Pool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward zero
	RoundUp                           // away from zero
)

// MulDiv computes a * b / denominator with the given rounding. Panics on a zero denominator.
func MulDiv(a, b, denominator *big.Int, mode RoundingMode) *big.Int {
	numerator := getInt256()
	numerator.Mul(a, b)
	result := DivRound(numerator, denominator, mode)
	putInt256(numerator)
	return result
}

// DivRound performs numerator / denominator with rounding
func DivRound(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getInt256()
	defer putInt256(remainder)

	quotient.QuoRem(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	// sign of the exact result
	negative := (numerator.Sign() < 0) != (denominator.Sign() < 0)
	step := big.NewInt(1)
	if negative {
		step.Neg(step)
	}

	switch mode {
	case RoundUp:
		quotient.Add(quotient, step)
	case RoundHalfEven:
		twice := getInt256()
		twice.Abs(remainder)
		twice.Lsh(twice, 1)
		absDen := getInt256()
		absDen.Abs(denominator)
		cmp := twice.Cmp(absDen)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, step)
		}
		putInt256(twice)
		putInt256(absDen)
	}
	return quotient
}

var (
	fixedScale = big.NewInt(FixedConfig.Scale)

	// SD59x18 bounds
	maxFixedRaw = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minFixedRaw = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))

	// exp(x) for x above this overflows SD59x18; below expUnderflow it truncates to zero.
	expOverflow  = MustParseFixed("133.084258667509499441")
	expUnderflow = MustParseFixed("-41.446531673892822322")
)

// decimal digits kept during exp/ln evaluation before truncating back to 18
const transcendentalPrecision = 36

// Fixed is a signed fixed-point number with 18 fractional decimal digits.
// Values are immutable; every operation returns a new Fixed and truncates toward zero.
type Fixed struct {
	raw *big.Int
}

var (
	Zero = Fixed{}
	One  = Fixed{raw: big.NewInt(FixedConfig.Scale)}
)

// FixedFromRaw wraps an already-scaled integer.
func FixedFromRaw(raw *big.Int) Fixed {
	if raw == nil {
		return Zero
	}
	return Fixed{raw: new(big.Int).Set(raw)}
}

// FixedFromInt returns n as a fixed-point value.
func FixedFromInt(n int64) Fixed {
	return Fixed{raw: new(big.Int).Mul(big.NewInt(n), fixedScale)}
}

// ParseFixed parses a decimal string such as "0.02" or "-1.5".
func ParseFixed(s string) (Fixed, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse fixed %q: %w", s, err)
	}
	return fromDecimal(d), nil
}

func MustParseFixed(s string) Fixed {
	f, err := ParseFixed(s)
	if err != nil {
		panic(err)
	}
	return f
}

// FromAmount lifts a native-decimal asset amount into 18-decimal fixed point.
func FromAmount(amount *big.Int, cfg DecimalConfig) Fixed {
	if amount == nil {
		return Zero
	}
	factor := pow10(FixedConfig.DecimalPrecision - cfg.DecimalPrecision)
	return Fixed{raw: new(big.Int).Mul(amount, factor)}
}

// ToAmount lowers an 18-decimal value into a native-decimal asset amount.
func (f Fixed) ToAmount(cfg DecimalConfig, mode RoundingMode) *big.Int {
	factor := pow10(FixedConfig.DecimalPrecision - cfg.DecimalPrecision)
	return DivRound(f.int(), factor, mode)
}

// Ratio returns numerator / denominator of two amounts sharing a scale.
func Ratio(numerator, denominator *big.Int) (Fixed, error) {
	if denominator == nil || denominator.Sign() == 0 {
		return Zero, ErrDivideByZero
	}
	return Fixed{raw: MulDiv(numerator, fixedScale, denominator, RoundDown)}, nil
}

// MulAmount scales a native-decimal amount by f, keeping the amount's decimals.
func MulAmount(amount *big.Int, f Fixed, mode RoundingMode) *big.Int {
	return MulDiv(amount, f.int(), fixedScale, mode)
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func (f Fixed) int() *big.Int {
	if f.raw == nil {
		return new(big.Int)
	}
	return f.raw
}

// Raw returns a copy of the scaled integer.
func (f Fixed) Raw() *big.Int {
	return new(big.Int).Set(f.int())
}

func (f Fixed) Add(o Fixed) Fixed {
	return Fixed{raw: new(big.Int).Add(f.int(), o.int())}
}

func (f Fixed) Sub(o Fixed) Fixed {
	return Fixed{raw: new(big.Int).Sub(f.int(), o.int())}
}

func (f Fixed) Neg() Fixed {
	return Fixed{raw: new(big.Int).Neg(f.int())}
}

func (f Fixed) Mul(o Fixed) Fixed {
	return Fixed{raw: MulDiv(f.int(), o.int(), fixedScale, RoundDown)}
}

func (f Fixed) Div(o Fixed) (Fixed, error) {
	if o.IsZero() {
		return Zero, ErrDivideByZero
	}
	return Fixed{raw: MulDiv(f.int(), fixedScale, o.int(), RoundDown)}, nil
}

// MulInt multiplies by a plain integer.
func (f Fixed) MulInt(n int64) Fixed {
	return Fixed{raw: new(big.Int).Mul(f.int(), big.NewInt(n))}
}

// DivInt divides by a plain integer, truncating toward zero.
func (f Fixed) DivInt(n int64) (Fixed, error) {
	if n == 0 {
		return Zero, ErrDivideByZero
	}
	return Fixed{raw: new(big.Int).Quo(f.int(), big.NewInt(n))}, nil
}

func (f Fixed) Cmp(o Fixed) int { return f.int().Cmp(o.int()) }
func (f Fixed) Sign() int       { return f.int().Sign() }
func (f Fixed) IsZero() bool    { return f.Sign() == 0 }

// InRange reports whether f fits the signed 59.18 layout.
func (f Fixed) InRange() bool {
	raw := f.int()
	return raw.Cmp(maxFixedRaw) <= 0 && raw.Cmp(minFixedRaw) >= 0
}

func MaxFixed(a, b Fixed) Fixed {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Exp returns e^f.
func (f Fixed) Exp() (Fixed, error) {
	if f.Cmp(expOverflow) > 0 {
		return Zero, fmt.Errorf("%w: %s", ErrExpOverflow, f)
	}
	if f.Cmp(expUnderflow) < 0 {
		return Zero, nil
	}
	if f.IsZero() {
		return One, nil
	}
	r, err := f.decimal().ExpTaylor(transcendentalPrecision)
	if err != nil {
		return Zero, fmt.Errorf("exp %s: %w", f, err)
	}
	return fromDecimal(r), nil
}

// Ln returns the natural logarithm of f.
func (f Fixed) Ln() (Fixed, error) {
	if f.Sign() <= 0 {
		return Zero, fmt.Errorf("%w: %s", ErrLnDomain, f)
	}
	r, err := f.decimal().Ln(transcendentalPrecision)
	if err != nil {
		return Zero, fmt.Errorf("ln %s: %w", f, err)
	}
	return fromDecimal(r), nil
}

func (f Fixed) decimal() decimal.Decimal {
	return decimal.NewFromBigInt(f.int(), -int32(FixedConfig.DecimalPrecision))
}

func fromDecimal(d decimal.Decimal) Fixed {
	// BigInt truncates toward zero
	return Fixed{raw: d.Shift(int32(FixedConfig.DecimalPrecision)).BigInt()}
}

func (f Fixed) String() string {
	return f.decimal().String()
}

func (f Fixed) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fixed) UnmarshalText(text []byte) error {
	parsed, err := ParseFixed(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
