// Package kscale grows or shrinks curve depth once per funding cycle, using
// the AMM's funding P&L as the budget.
package kscale

import (
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/repeg"
)

var (
	// KBPSDecreaseMax is the largest per-cycle decrease at full intensity (2.2%).
	KBPSDecreaseMax = num.NewInt(22_000)
	// KBPSIncreaseMax is the largest per-cycle increase at full intensity (0.1%).
	KBPSIncreaseMax = num.NewInt(1_000)
)

// Budget converts a funding imbalance cost into a signed k budget in QUOTE
// precision. A negative cost is funding revenue: half of it is handed back
// as depth, but only while spreads sit at their floor. A cost the period's
// revenue does not cover is charged back at half the shortfall.
func Budget(amm *model.AMM, fundingImbalanceCost num.Int) (num.Int, error) {
	c := num.NewCalc("formulaic_update_k_budget")
	var budget num.Int
	switch {
	case fundingImbalanceCost.IsNegative():
		if c.Add(amm.LongSpread, amm.ShortSpread).LTE(amm.BaseSpread) {
			budget = c.Quo(fundingImbalanceCost.Abs(), num.NewInt(2))
		}
	case amm.NetRevenueSinceLastFunding.LT(fundingImbalanceCost):
		shortfall := c.Sub(num.Max(num.Int{}, amm.NetRevenueSinceLastFunding), fundingImbalanceCost)
		budget = c.Quo(shortfall, num.NewInt(2))
	}
	return budget, c.Err()
}

// ScaleBounds returns the allowed scale factor range for an intensity
// between 0 and 100, in num.KBpsUpdateScale precision.
func ScaleBounds(intensity uint8) (lo, hi num.Int, err error) {
	c := num.NewCalc("k_scale_bounds")
	i := num.NewInt(int64(min(intensity, 100)))
	lo = c.Sub(num.KBpsUpdateScale, c.Quo(c.Mul(KBPSDecreaseMax, i), num.NewInt(100)))
	hi = c.Add(num.KBpsUpdateScale, c.Quo(c.Mul(KBPSIncreaseMax, i), num.NewInt(100)))
	return lo, hi, c.Err()
}

// BudgetedKScale returns the factor, in num.KBpsUpdateScale precision, that
// makes the curve's unwind value move by budget. With x and y the reserves
// and d the net position, scaling both reserves by F moves the unwind value
// from V to W = V + budget when F = W*d / (y*d - W*x). Where no positive
// factor on the budget's side of 1 exists, the cap in that direction is
// used. The result is clamped to ScaleBounds.
func BudgetedKScale(amm *model.AMM, budget num.Int) (num.Int, error) {
	lo, hi, err := ScaleBounds(amm.CurveUpdateIntensity)
	if err != nil {
		return num.Int{}, err
	}
	capped := lo
	if budget.IsPositive() {
		capped = hi
	}

	x, y, d := amm.BaseAssetReserve, amm.QuoteAssetReserve, amm.BaseAssetAmountWithAMM
	if d.IsZero() {
		return capped, nil
	}
	c := num.NewCalc("calculate_budgeted_k_scale")
	k := c.Mul(amm.SqrtK, amm.SqrtK)
	v := c.Sub(y, c.Quo(k, c.Add(x, d)))
	w := c.Add(v, num.QuoteToReserve(c, budget, amm.PegMultiplier))
	numer := c.Mul(w, d)
	denom := c.Sub(c.Mul(y, d), c.Mul(w, x))
	if err := c.Err(); err != nil {
		return num.Int{}, err
	}
	if !denom.IsPositive() {
		return capped, nil
	}
	f := c.MulDiv(numer, num.KBpsUpdateScale, denom)
	if err := c.Err(); err != nil {
		return num.Int{}, err
	}
	if (budget.IsPositive() && f.LT(num.KBpsUpdateScale)) || (budget.IsNegative() && f.GT(num.KBpsUpdateScale)) {
		return capped, nil
	}
	return num.Clamp(f, lo, hi), nil
}

// FormulaicUpdateK rescales sqrt_k from the funding imbalance cost of the
// cycle that just ended. The new depth is committed only if its
// marked-to-market cost clears the fee lower bound; the curve record of the
// change is returned. A nil record with a nil error means nothing changed.
func FormulaicUpdateK(m *model.PerpMarket, oraclePrice, fundingImbalanceCost num.Int, now int64) (*model.CurveRecord, error) {
	if m.AMM.CurveUpdateIntensity == 0 {
		return nil, nil
	}
	budget, err := Budget(&m.AMM, fundingImbalanceCost)
	if err != nil || budget.IsZero() {
		return nil, err
	}
	if budget.IsNegative() {
		ok, err := repeg.CanLowerK(&m.AMM)
		if err != nil || !ok {
			return nil, err
		}
	}

	factor, err := BudgetedKScale(&m.AMM, budget)
	if err != nil {
		return nil, err
	}
	c := num.NewCalc("formulaic_update_k")
	newSqrtK := num.Max(
		c.MulDiv(m.AMM.SqrtK, factor, num.KBpsUpdateScale),
		c.Add(m.AMM.MinOrderSize, num.NewInt(1)),
	)
	if err := c.Err(); err != nil {
		return nil, err
	}

	next := m.Clone()
	r, err := repeg.GetUpdateKResult(next, newSqrtK, true)
	if err != nil {
		return nil, err
	}
	cost, err := repeg.AdjustKCost(next, r)
	if err != nil {
		return nil, err
	}
	applied, err := repeg.ApplyCostToMarket(next, cost, true)
	if err != nil || !applied {
		return nil, err
	}
	if err := repeg.UpdateK(next, r); err != nil {
		return nil, err
	}

	rec := &model.CurveRecord{
		Ts:                         now,
		RecordID:                   next.NextCurveRecordID,
		MarketIndex:                next.MarketIndex,
		PegMultiplierBefore:        m.AMM.PegMultiplier,
		BaseAssetReserveBefore:     m.AMM.BaseAssetReserve,
		QuoteAssetReserveBefore:    m.AMM.QuoteAssetReserve,
		SqrtKBefore:                m.AMM.SqrtK,
		PegMultiplierAfter:         next.AMM.PegMultiplier,
		BaseAssetReserveAfter:      next.AMM.BaseAssetReserve,
		QuoteAssetReserveAfter:     next.AMM.QuoteAssetReserve,
		SqrtKAfter:                 next.AMM.SqrtK,
		BaseAssetAmountLong:        next.AMM.BaseAssetAmountLong,
		BaseAssetAmountShort:       next.AMM.BaseAssetAmountShort,
		BaseAssetAmountWithAMM:     next.AMM.BaseAssetAmountWithAMM,
		NumberOfUsers:              next.NumberOfUsers,
		AdjustmentCost:             cost,
		TotalFee:                   next.AMM.TotalFee,
		TotalFeeMinusDistributions: next.AMM.TotalFeeMinusDistributions,
		OraclePrice:                oraclePrice,
		FillRecord:                 next.NextFillRecordID,
	}
	next.NextCurveRecordID++
	*m = *next
	return rec, nil
}
