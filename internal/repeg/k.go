package repeg

import (
	"github.com/atmx/perp-engine/internal/curve"
	"github.com/atmx/perp-engine/internal/fault"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/spread"
)

// MaxSingleKDecreaseRatio is the smallest new/old sqrt_k ratio a bounded
// update accepts, in AMM_RESERVE precision (2.5% max decrease).
var MaxSingleKDecreaseRatio = num.NewInt(975_000_000)

// UpdateKResult is a candidate depth for the curve.
type UpdateKResult struct {
	SqrtK             num.Int
	BaseAssetReserve  num.Int
	QuoteAssetReserve num.Int
}

// GetUpdateKResult scales the reserves to newSqrtK at the current price.
// A bounded update refuses to shrink sqrt_k by more than 2.5% at once.
func GetUpdateKResult(m *model.PerpMarket, newSqrtK num.Int, bounded bool) (UpdateKResult, error) {
	c := num.NewCalc("get_update_k_result")
	ratio := c.MulDiv(newSqrtK, num.AMMReservePrecision, m.AMM.SqrtK)
	if err := c.Err(); err != nil {
		return UpdateKResult{}, err
	}
	if bounded && ratio.LT(MaxSingleKDecreaseRatio) {
		return UpdateKResult{}, fault.Validation("get_update_k_result", "sqrt_k ratio %s below max decrease", ratio)
	}
	// round the base reserve up when shrinking so price does not drift down
	if ratio.LT(num.AMMReservePrecision) {
		ratio = c.Add(ratio, num.NewInt(1))
	}
	base := c.MulDiv(m.AMM.BaseAssetReserve, ratio, num.AMMReservePrecision)
	quote := c.Quo(c.Mul(newSqrtK, newSqrtK), base)
	if err := c.Err(); err != nil {
		return UpdateKResult{}, err
	}
	return UpdateKResult{SqrtK: newSqrtK, BaseAssetReserve: base, QuoteAssetReserve: quote}, nil
}

// UpdateK commits r to the curve and refreshes the terminal reserve, the
// concentration bounds and the spreads.
func UpdateK(m *model.PerpMarket, r UpdateKResult) error {
	amm := m.AMM
	amm.BaseAssetReserve = r.BaseAssetReserve
	amm.QuoteAssetReserve = r.QuoteAssetReserve
	amm.SqrtK = r.SqrtK
	if err := spread.RefreshTerminalAndBounds(&amm); err != nil {
		return err
	}
	price, err := amm.ReservePrice()
	if err != nil {
		return err
	}
	if _, _, err := spread.UpdateSpreads(&amm, price); err != nil {
		return err
	}
	m.AMM = amm
	return nil
}

// AdjustKCost is what the protocol pays, marked to market, if r is
// committed. A negative cost is a gain.
func AdjustKCost(m *model.PerpMarket, r UpdateKResult) (num.Int, error) {
	clone := m.Clone()
	value, err := curve.BaseAssetValue(&clone.AMM)
	if err != nil {
		return num.Int{}, err
	}
	if err := UpdateK(clone, r); err != nil {
		return num.Int{}, err
	}
	_, cost, err := curve.BaseAssetValueAndPnl(clone.AMM.BaseAssetAmountWithAMM, value, &clone.AMM)
	return cost, err
}

// CanLowerK reports whether at least 75% of the curve's depth is unused by
// the net position.
func CanLowerK(amm *model.AMM) (bool, error) {
	c := num.NewCalc("can_lower_k")
	used := c.Mul(amm.BaseAssetAmountWithAMM.Abs(), num.NewInt(4))
	return used.LTE(amm.SqrtK), c.Err()
}
