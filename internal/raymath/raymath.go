// Package raymath implements fixed-point arithmetic at Ray scale
// (values scaled by 10^27), the unit used for liquidity indexes and
// interest rates throughout the engine.
//
// All monetary values use math/big integers — never float64 for money.
// Rounding is half-up: half the divisor is added before the truncating
// division, so identical inputs always produce identical outputs with
// no dependency on floating-point hardware.
package raymath

import (
	"fmt"
	"math/big"
	"strings"
)

// Ray is the fixed-point scale: 10^27.
var Ray = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

// SecondsPerYear is the fixed 365-day year used for linear interest
// accrual. No leap-year adjustment.
const SecondsPerYear = 31536000

var (
	halfRay         = new(big.Int).Rsh(Ray, 1)
	basisPointScale = big.NewInt(10000)
)

// RayMul returns round_half_up(a * b / Ray).
func RayMul(a, b *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	p.Add(p, halfRay)
	return p.Quo(p, Ray)
}

// RayDiv returns round_half_up(a * Ray / b).
// Panics when b is zero: a zero divisor here means a zero liquidity
// index reached the math kernel, which is a programming-contract
// violation rather than a data condition.
func RayDiv(a, b *big.Int) *big.Int {
	if b.Sign() == 0 {
		panic("raymath: division by zero")
	}
	p := new(big.Int).Mul(a, Ray)
	p.Add(p, new(big.Int).Quo(b, big.NewInt(2)))
	return p.Quo(p, b)
}

// PercentToRay converts a rate in basis points to Ray scale
// (500 basis points = 5% = 0.05 Ray-scaled).
func PercentToRay(basisPoints int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(basisPoints), Ray)
	return v.Quo(v, basisPointScale)
}

// RayToPercent converts a Ray value back to basis points as a plain
// integer. Sub-basis-point precision is lost; display use only.
func RayToPercent(ray *big.Int) int64 {
	v := new(big.Int).Mul(ray, basisPointScale)
	return v.Quo(v, Ray).Int64()
}

// ScaledToActual converts an index-independent scaled balance to the
// actual underlying-asset balance at the given liquidity index.
func ScaledToActual(scaled, index *big.Int) *big.Int {
	return RayMul(scaled, index)
}

// ActualToScaled converts an actual balance to scaled units at the
// given liquidity index. Round trip with ScaledToActual holds within a
// few integer units (half-up rounding applies in each direction).
func ActualToScaled(actual, index *big.Int) *big.Int {
	return RayDiv(actual, index)
}

// FormatRay renders a Ray value as a decimal string with the given
// number of fractional digits, e.g. FormatRay(1.05 Ray, 2) == "1.05".
func FormatRay(v *big.Int, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	if decimals > 27 {
		decimals = 27
	}

	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(27-decimals)), nil)
	scaled := new(big.Int).Quo(abs, divisor)

	fracScale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	integer := new(big.Int).Quo(scaled, fracScale)
	fraction := new(big.Int).Rem(scaled, fracScale)

	out := integer.String()
	if decimals > 0 {
		frac := fraction.String()
		if pad := decimals - len(frac); pad > 0 {
			frac = strings.Repeat("0", pad) + frac
		}
		out = out + "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// ParseRay parses a base-10 integer string into a Ray value.
func ParseRay(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("raymath: invalid integer %q", s)
	}
	return v, nil
}
