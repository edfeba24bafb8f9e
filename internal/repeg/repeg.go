package repeg

import (
	"github.com/atmx/perp-engine/internal/curve"
	"github.com/atmx/perp-engine/internal/fault"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/spread"
)

// Validity is the outcome of the four repeg gates.
type Validity struct {
	OracleValid        bool
	DirectionValid     bool
	ProfitabilityValid bool
	PriceImpactValid   bool
}

// OK reports whether every gate passed.
func (v Validity) OK() bool {
	return v.OracleValid && v.DirectionValid && v.ProfitabilityValid && v.PriceImpactValid
}

// CalculateRepegValidity judges a repegged candidate against the oracle.
// The terminal price must move toward the oracle without overshooting its
// confidence band, and the candidate's reserve price must stay inside it.
func CalculateRepegValidity(candidate *model.PerpMarket, oracle model.OraclePriceData, validity model.OracleValidity, terminalPriceBefore num.Int) (Validity, error) {
	if !validity.IsValid() {
		return Validity{}, nil
	}
	terminalAfter, _, _, err := curve.TerminalPriceAndReserves(&candidate.AMM)
	if err != nil {
		return Validity{}, err
	}
	reserveAfter, err := candidate.AMM.ReservePrice()
	if err != nil {
		return Validity{}, err
	}
	c := num.NewCalc("calculate_repeg_validity")
	top := c.Add(oracle.Price, oracle.Confidence)
	bottom := c.Sub(oracle.Price, oracle.Confidence)
	if err := c.Err(); err != nil {
		return Validity{}, err
	}

	v := Validity{OracleValid: true, DirectionValid: true, ProfitabilityValid: true, PriceImpactValid: true}
	switch {
	case oracle.Price.GT(terminalPriceBefore):
		v.DirectionValid = terminalAfter.GTE(terminalPriceBefore)
		v.ProfitabilityValid = terminalAfter.LTE(top)
		v.PriceImpactValid = reserveAfter.LTE(top)
	case oracle.Price.LT(terminalPriceBefore):
		v.DirectionValid = terminalAfter.LTE(terminalPriceBefore)
		v.ProfitabilityValid = terminalAfter.GTE(bottom)
		v.PriceImpactValid = reserveAfter.GTE(bottom)
	}
	return v, nil
}

// PegBudget is the peg the controller aims for and what it may spend.
type PegBudget struct {
	OptimalPeg num.Int
	Budget     num.Int
	// CheckLowerBound is false on the clamped-target path, where the move is
	// already bounded by max_spread and its cost is accepted as is.
	CheckLowerBound bool
}

// OptimalPegAndBudget returns the peg that puts the reserve price on the
// oracle and the budget to get there. When the fee pool cannot afford the
// full move and the oracle sits outside half the max spread, the target is
// pulled back to the edge of that band and its cost becomes the budget.
func OptimalPegAndBudget(m *model.PerpMarket, oracle model.OraclePriceData) (PegBudget, error) {
	amm := &m.AMM
	reservePrice, err := amm.ReservePrice()
	if err != nil {
		return PegBudget{}, err
	}
	budget, err := FeePoolBudget(m)
	if err != nil {
		return PegBudget{}, err
	}
	target := oracle.Price
	optimal, err := curve.PegFromTargetPrice(amm.QuoteAssetReserve, amm.BaseAssetReserve, target)
	if err != nil {
		return PegBudget{}, err
	}
	optimalCost, err := RepegCost(amm, optimal)
	if err != nil {
		return PegBudget{}, err
	}
	lb, err := TotalFeeLowerBound(m)
	if err != nil {
		return PegBudget{}, err
	}

	out := PegBudget{OptimalPeg: optimal, Budget: budget, CheckLowerBound: true}
	c := num.NewCalc("calculate_optimal_peg_and_budget")
	if budget.LT(num.Max(optimalCost, num.Int{})) {
		halfMaxPriceSpread := c.MulDiv(c.Quo(amm.MaxSpread, num.NewInt(2)), target, num.BidAskSpreadPrecision)
		gap := c.Sub(reservePrice, target)
		if err := c.Err(); err != nil {
			return PegBudget{}, err
		}
		if gap.Abs().GT(halfMaxPriceSpread) {
			adj := c.Sub(gap.Abs(), halfMaxPriceSpread)
			clamped := c.Sub(reservePrice, adj)
			if gap.IsNegative() {
				clamped = c.Add(reservePrice, adj)
			}
			if err := c.Err(); err != nil {
				return PegBudget{}, err
			}
			if out.OptimalPeg, err = curve.PegFromTargetPrice(amm.QuoteAssetReserve, amm.BaseAssetReserve, clamped); err != nil {
				return PegBudget{}, err
			}
			cost, err := RepegCost(amm, out.OptimalPeg)
			if err != nil {
				return PegBudget{}, err
			}
			out.Budget = cost.Abs()
			out.CheckLowerBound = false
		}
	} else if amm.TotalFeeMinusDistributions.LT(lb) {
		out.CheckLowerBound = false
	}
	return out, c.Err()
}

// AdjustAMM computes a repegged copy of m and what it costs, marked to
// market. m is not modified. With adjustK set the move is limited by
// budget, and when the full move is unaffordable sqrt_k is shrunk by 0.1%
// to raise headroom before stepping the peg as far as the budget allows.
// Without adjustK the full move to optimalPeg is priced.
func AdjustAMM(m *model.PerpMarket, optimalPeg, budget num.Int, adjustK bool) (*model.PerpMarket, num.Int, error) {
	if optimalPeg.EQ(m.AMM.PegMultiplier) || m.AMM.CurveUpdateIntensity == 0 {
		return m.Clone(), num.Int{}, nil
	}
	c := num.NewCalc("adjust_amm")
	deltaPeg := c.Sub(optimalPeg, m.AMM.PegMultiplier)
	perPegCost := perPegCostOf(c, &m.AMM)
	fullCost := c.Quo(c.Mul(perPegCost, deltaPeg), num.PegPrecision)
	if err := c.Err(); err != nil {
		return nil, num.Int{}, err
	}

	clone := m.Clone()
	value, err := curve.BaseAssetValue(&clone.AMM)
	if err != nil {
		return nil, num.Int{}, err
	}

	newPeg := optimalPeg
	if adjustK && fullCost.GT(budget) {
		canLower, err := CanLowerK(&clone.AMM)
		if err != nil {
			return nil, num.Int{}, err
		}
		if canLower {
			shrunk := c.MulDiv(clone.AMM.SqrtK, num.NewInt(999), num.NewInt(1000))
			if err := c.Err(); err != nil {
				return nil, num.Int{}, err
			}
			r, err := GetUpdateKResult(clone, shrunk, true)
			if err != nil {
				return nil, num.Int{}, err
			}
			kCost, err := AdjustKCost(clone, r)
			if err != nil {
				return nil, num.Int{}, err
			}
			if err := UpdateK(clone, r); err != nil {
				return nil, num.Int{}, err
			}
			budget = c.Add(budget, kCost.Abs())
			perPegCost = perPegCostOf(c, &clone.AMM)
		}
		step := deltaPeg.Abs()
		if !perPegCost.IsZero() {
			step = num.Min(step, c.MulDiv(budget, num.PegPrecision, perPegCost.Abs()))
		}
		if deltaPeg.IsNegative() {
			step = step.Neg()
		}
		newPeg = num.Max(c.Add(clone.AMM.PegMultiplier, step), num.NewInt(1))
	}
	if err := c.Err(); err != nil {
		return nil, num.Int{}, err
	}

	clone.AMM.PegMultiplier = newPeg
	_, cost, err := curve.BaseAssetValueAndPnl(clone.AMM.BaseAssetAmountWithAMM, value, &clone.AMM)
	if err != nil {
		return nil, num.Int{}, err
	}
	return clone, cost, nil
}

// perPegCostOf is the quote cost of moving the peg by one PEG unit,
// rounded up.
func perPegCostOf(c *num.Calc, amm *model.AMM) num.Int {
	if amm.QuoteAssetReserve.EQ(amm.TerminalQuoteAssetReserve) {
		return num.Int{}
	}
	return c.QuoCeil(c.Sub(amm.QuoteAssetReserve, amm.TerminalQuoteAssetReserve), c.Quo(num.AMMReservePrecision, num.PegPrecision))
}

// UpdateResult describes one automatic curve update.
type UpdateResult struct {
	PegBudget
	Cost    num.Int
	Applied bool
}

// UpdateAMM runs the automatic repeg for a fresh oracle sample, records the
// sample's spread inputs and refreshes the spreads. With an invalid oracle
// only the spread inputs change. The market is modified only on success.
func UpdateAMM(m *model.PerpMarket, oracle model.OraclePriceData, validity model.OracleValidity, now int64) (UpdateResult, error) {
	next := m.Clone()
	var res UpdateResult
	if validity.IsValid() && next.AMM.CurveUpdateIntensity > 0 {
		pb, err := OptimalPegAndBudget(next, oracle)
		if err != nil {
			return UpdateResult{}, err
		}
		repegged, cost, err := AdjustAMM(next, pb.OptimalPeg, pb.Budget, true)
		if err != nil {
			return UpdateResult{}, err
		}
		applied, err := ApplyCostToMarket(next, cost, pb.CheckLowerBound)
		if err != nil {
			return UpdateResult{}, err
		}
		if applied {
			copyCurve(&next.AMM, &repegged.AMM)
		}
		res = UpdateResult{PegBudget: pb, Cost: cost, Applied: applied}
	}

	if err := spread.UpdateOracleInputs(&next.AMM, oracle, validity, now); err != nil {
		return UpdateResult{}, err
	}
	price, err := next.AMM.ReservePrice()
	if err != nil {
		return UpdateResult{}, err
	}
	if _, _, err := spread.UpdateSpreads(&next.AMM, price); err != nil {
		return UpdateResult{}, err
	}
	*m = *next
	return res, nil
}

// Repeg moves the peg to an operator-chosen candidate. Every validity gate
// must pass and the marked-to-market cost must fit above the fee lower
// bound.
func Repeg(m *model.PerpMarket, oracle model.OraclePriceData, validity model.OracleValidity, newPeg num.Int) (num.Int, error) {
	const op = "repeg"
	if !newPeg.IsPositive() {
		return num.Int{}, fault.Validation(op, "peg %s must be positive", newPeg)
	}
	if newPeg.EQ(m.AMM.PegMultiplier) {
		return num.Int{}, fault.Validation(op, "peg already %s", newPeg)
	}
	terminalBefore, _, _, err := curve.TerminalPriceAndReserves(&m.AMM)
	if err != nil {
		return num.Int{}, err
	}
	repegged, cost, err := AdjustAMM(m, newPeg, num.Int{}, false)
	if err != nil {
		return num.Int{}, err
	}
	v, err := CalculateRepegValidity(repegged, oracle, validity, terminalBefore)
	if err != nil {
		return num.Int{}, err
	}
	switch {
	case !v.OracleValid:
		return num.Int{}, fault.Validation(op, "invalid oracle")
	case !v.DirectionValid:
		return num.Int{}, fault.Validation(op, "terminal price moves away from oracle")
	case !v.ProfitabilityValid:
		return num.Int{}, fault.Validation(op, "terminal price overshoots oracle confidence band")
	case !v.PriceImpactValid:
		return num.Int{}, fault.Validation(op, "reserve price leaves oracle confidence band")
	}

	next := m.Clone()
	applied, err := ApplyCostToMarket(next, cost, true)
	if err != nil {
		return num.Int{}, err
	}
	if !applied {
		return num.Int{}, fault.Validation(op, "cost %s exceeds fee pool", cost)
	}
	copyCurve(&next.AMM, &repegged.AMM)
	price, err := next.AMM.ReservePrice()
	if err != nil {
		return num.Int{}, err
	}
	if _, _, err := spread.UpdateSpreads(&next.AMM, price); err != nil {
		return num.Int{}, err
	}
	*m = *next
	return cost, nil
}

func copyCurve(dst, src *model.AMM) {
	dst.BaseAssetReserve = src.BaseAssetReserve
	dst.QuoteAssetReserve = src.QuoteAssetReserve
	dst.SqrtK = src.SqrtK
	dst.TerminalQuoteAssetReserve = src.TerminalQuoteAssetReserve
	dst.PegMultiplier = src.PegMultiplier
	dst.MinBaseAssetReserve = src.MinBaseAssetReserve
	dst.MaxBaseAssetReserve = src.MaxBaseAssetReserve
}
