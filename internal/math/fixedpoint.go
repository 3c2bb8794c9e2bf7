package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision for one currency.
type DecimalConfig struct {
	DecimalPrecision int32 // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	USDCConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 USDC
	DemoConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // demo credits mirror USDC
	NGNConfig  = DecimalConfig{DecimalPrecision: 2, Scale: 100}       // kobo
)

// BpsDenominator is the number of basis points in 100%.
const BpsDenominator = 10_000

var ErrUnitsOverflow = errors.New("amount exceeds int64 minor units")

var bigIntPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigIntPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigIntPool.Put(v)
}

type RoundingMode int

const (
	RoundHalfUp RoundingMode = iota // default for money conversion
	RoundHalfEven
	RoundDown
)

// ToUnits converts a major-unit decimal (e.g. 12.5 USDC) into integer
// minor units, rounding half away from zero at the currency precision.
func ToUnits(amount decimal.Decimal, cfg DecimalConfig) (int64, error) {
	scaled := amount.Shift(cfg.DecimalPrecision).Round(0)
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrUnitsOverflow, amount.String())
	}
	return scaled.IntPart(), nil
}

// FromUnits converts integer minor units back into a major-unit decimal.
func FromUnits(units int64, cfg DecimalConfig) decimal.Decimal {
	return decimal.New(units, -cfg.DecimalPrecision)
}

// MultiplyInt128 performs a * b without overflow.
func MultiplyInt128(a, b int64) *big.Int {
	result := getBig()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding.
// Only non-negative numerators are expected on the settlement path.
func DivideInt128(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getBig()
	remainder := getBig()
	defer putBig(quotient)
	defer putBig(remainder)

	quotient.QuoRem(numerator, denom, remainder)
	result := quotient.Int64()

	switch mode {
	case RoundHalfUp:
		twice := new(big.Int).Lsh(remainder, 1)
		if twice.CmpAbs(denom) >= 0 {
			result++
		}
	case RoundHalfEven:
		twice := new(big.Int).Lsh(remainder, 1)
		cmp := twice.CmpAbs(denom)
		if cmp > 0 || (cmp == 0 && result%2 != 0) {
			result++
		}
	}

	return result
}

// ApplyBps returns round(amount * bps / 10000) with half-up rounding,
// floored at zero.
func ApplyBps(amount int64, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	product := MultiplyInt128(amount, bps)
	defer putBig(product)
	return DivideInt128(product, BpsDenominator, RoundHalfUp)
}

// MulDivRem computes floor(a * b / c) and the remainder of that division.
// The remainder is returned as a fresh big.Int owned by the caller.
func MulDivRem(a, b, c int64) (int64, *big.Int) {
	product := MultiplyInt128(a, b)
	defer putBig(product)

	quotient := getBig()
	defer putBig(quotient)
	remainder := new(big.Int)
	quotient.QuoRem(product, big.NewInt(c), remainder)
	return quotient.Int64(), remainder
}
