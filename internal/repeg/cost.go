// Package repeg moves the curve's peg toward the oracle within a fee-funded
// budget. It also owns the shared k-update and cost application used by the
// k scaler, and the concentration coefficient update.
package repeg

import (
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
)

// TotalFeeLowerBound is the share of lifetime exchange fees the protocol
// keeps out of reach of curve adjustments.
func TotalFeeLowerBound(m *model.PerpMarket) (num.Int, error) {
	c := num.NewCalc("get_total_fee_lower_bound")
	lb := c.Quo(m.AMM.TotalExchangeFee, num.NewInt(2))
	return lb, c.Err()
}

// FeePoolBudget is what the fee accounting can spend on curve adjustments.
func FeePoolBudget(m *model.PerpMarket) (num.Int, error) {
	lb, err := TotalFeeLowerBound(m)
	if err != nil {
		return num.Int{}, err
	}
	c := num.NewCalc("calculate_fee_pool")
	budget := num.Max(num.Int{}, c.Sub(m.AMM.TotalFeeMinusDistributions, lb))
	return budget, c.Err()
}

// RepegCost estimates the cost of moving to newPeg from the gap between the
// quote reserve and its terminal value. It only steers budget decisions;
// committed costs always come from marking the position to market.
func RepegCost(amm *model.AMM, newPeg num.Int) (num.Int, error) {
	c := num.NewCalc("calculate_repeg_cost")
	cost := c.Quo(
		c.Mul(c.Sub(amm.QuoteAssetReserve, amm.TerminalQuoteAssetReserve), c.Sub(newPeg, amm.PegMultiplier)),
		num.AMMTimesPegToQuoteRatio,
	)
	return cost, c.Err()
}

// ApplyCostToMarket books a curve adjustment against the fee accounting.
// A positive cost is an expense. With checkLowerBound set, an expense that
// would take total_fee_minus_distributions under the lower bound is refused
// and false is returned with the market untouched.
func ApplyCostToMarket(m *model.PerpMarket, cost num.Int, checkLowerBound bool) (bool, error) {
	c := num.NewCalc("apply_cost_to_market")
	tfmd := m.AMM.TotalFeeMinusDistributions
	if cost.IsPositive() {
		next := c.Sub(tfmd, cost)
		if checkLowerBound {
			lb, err := TotalFeeLowerBound(m)
			if err != nil {
				return false, err
			}
			if next.LT(lb) {
				return false, c.Err()
			}
		}
		tfmd = next
	} else {
		tfmd = c.Add(tfmd, cost.Abs())
	}
	revenue := c.Sub(m.AMM.NetRevenueSinceLastFunding, cost)
	if err := c.Err(); err != nil {
		return false, err
	}
	m.AMM.TotalFeeMinusDistributions = tfmd
	m.AMM.NetRevenueSinceLastFunding = revenue
	return true, nil
}
