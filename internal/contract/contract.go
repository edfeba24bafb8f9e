// Package contract handles perp market symbol parsing and validation, and
// derivation of a seed curve from a launch price and target depth.
package contract

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/num"
)

// symbolRegex matches: {BASE}-PERP
// Example: SOL-PERP, 1MBONK-PERP
var symbolRegex = regexp.MustCompile(`^([0-9A-Z]{2,12})-PERP$`)

var (
	ErrInvalidSymbol = errors.New("contract: invalid perp symbol")
	ErrInvalidSeed   = errors.New("contract: invalid seed curve parameters")
)

// Contract is a parsed perp market symbol.
type Contract struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
}

// ParseSymbol parses and validates a perp market symbol.
func ParseSymbol(symbol string) (*Contract, error) {
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected {BASE}-PERP)", ErrInvalidSymbol, symbol)
	}
	return &Contract{Symbol: symbol, Base: matches[1]}, nil
}

// SeedCurve is the balanced starting curve of a new market.
type SeedCurve struct {
	BaseAssetReserve  num.Int
	QuoteAssetReserve num.Int
	SqrtK             num.Int
	PegMultiplier     num.Int
}

// DeriveSeedCurve builds a balanced curve whose reserve price is price and
// whose depth is depth base units on each side. Reserves are equal so the
// peg alone sets the price.
func DeriveSeedCurve(price, depth decimal.Decimal) (SeedCurve, error) {
	if !price.IsPositive() || !depth.IsPositive() {
		return SeedCurve{}, fmt.Errorf("%w: price and depth must be positive", ErrInvalidSeed)
	}
	peg, overflow := num.FromDecimal(price, num.PegScale.Exp())
	if overflow || !peg.IsPositive() {
		return SeedCurve{}, fmt.Errorf("%w: price %s below peg precision", ErrInvalidSeed, price)
	}
	reserve, overflow := num.FromDecimal(depth, num.ReserveScale.Exp())
	if overflow || !reserve.IsPositive() {
		return SeedCurve{}, fmt.Errorf("%w: depth %s below reserve precision", ErrInvalidSeed, depth)
	}
	return SeedCurve{
		BaseAssetReserve:  reserve,
		QuoteAssetReserve: reserve,
		SqrtK:             reserve,
		PegMultiplier:     peg,
	}, nil
}
