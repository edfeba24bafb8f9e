// Package risk implements open-interest limits on the protocol's side of
// each market, with awareness of correlated markets.
//
// The AMM takes the other side of every taker fill, so the protocol's
// exposure in a market is |base_asset_amount_with_amm|. Markets whose base
// symbols share a prefix (ETH-PERP and ETHBTC-PERP, or a family of
// 1M-prefixed memecoin markets) are treated as one correlated group and
// share an aggregate cap.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMarketLimitExceeded is returned when a fill would push a single
	// market's net position beyond the per-market maximum.
	ErrMarketLimitExceeded = errors.New("risk: per-market open interest limit exceeded")

	// ErrGroupLimitExceeded is returned when a fill would push the
	// aggregate exposure across correlated markets beyond the group
	// maximum.
	ErrGroupLimitExceeded = errors.New("risk: correlated open interest limit exceeded")
)

// OILimiter enforces open-interest limits. A zero limit disables that
// check.
type OILimiter struct {
	// MaxPerMarket is the maximum absolute net position in one market,
	// in base units.
	MaxPerMarket decimal.Decimal

	// MaxPerGroup is the maximum aggregate absolute net position across
	// every market in the same correlated group.
	MaxPerGroup decimal.Decimal

	// PrefixLen is how many leading characters of the base symbol two
	// markets must share to be correlated.
	PrefixLen int
}

// NewOILimiter creates a limiter with the given per-market and group caps.
func NewOILimiter(maxPerMarket, maxPerGroup decimal.Decimal, prefixLen int) *OILimiter {
	if prefixLen < 1 {
		prefixLen = 1
	}
	return &OILimiter{
		MaxPerMarket: maxPerMarket,
		MaxPerGroup:  maxPerGroup,
		PrefixLen:    prefixLen,
	}
}

// CheckLimit validates whether a fill respects the limits.
//
// Parameters:
//   - targetBase: base symbol of the market being filled (SOL for SOL-PERP)
//   - netDelta: signed change of the users' net position in base units
//   - existing: base symbol → current users' net position
//
// Fills that shrink the target market's exposure always pass.
func (l *OILimiter) CheckLimit(targetBase string, netDelta decimal.Decimal, existing map[string]decimal.Decimal) error {
	current := existing[targetBase]
	next := current.Add(netDelta)
	if next.Abs().LessThanOrEqual(current.Abs()) {
		return nil
	}

	if l.MaxPerMarket.IsPositive() && next.Abs().GreaterThan(l.MaxPerMarket) {
		return ErrMarketLimitExceeded
	}

	if !l.MaxPerGroup.IsPositive() {
		return nil
	}
	targetGroup := groupKey(targetBase, l.PrefixLen)
	total := next.Abs()
	for base, net := range existing {
		if base == targetBase {
			continue
		}
		if groupKey(base, l.PrefixLen) == targetGroup {
			total = total.Add(net.Abs())
		}
	}
	if total.GreaterThan(l.MaxPerGroup) {
		return ErrGroupLimitExceeded
	}
	return nil
}

// GroupKey returns the correlated group of a base symbol.
func (l *OILimiter) GroupKey(base string) string {
	return groupKey(base, l.PrefixLen)
}

func groupKey(base string, length int) string {
	if length >= len(base) {
		return base
	}
	return base[:length]
}
