package settle

import (
	"github.com/atmx/perp-engine/internal/fault"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/repeg"
)

// FeePoolTargets returns the token range the fee pool is kept in. The
// ceiling is what the fee accounting has earned and not yet withdrawn, the
// floor is the retained share of exchange fees not yet withdrawn.
func FeePoolTargets(m *model.PerpMarket) (floor, ceiling num.Int, err error) {
	lb, err := repeg.TotalFeeLowerBound(m)
	if err != nil {
		return num.Int{}, num.Int{}, err
	}
	c := num.NewCalc("fee_pool_targets")
	ceiling = num.Max(num.Int{}, c.Sub(c.Add(m.AMM.TotalFeeMinusDistributions, m.AMM.TotalLiquidationFee), m.AMM.TotalFeeWithdrawn))
	floor = c.Sub(c.Add(lb, m.AMM.TotalLiquidationFee), m.AMM.TotalFeeWithdrawn)
	return floor, ceiling, c.Err()
}

// UpdatePoolBalances rebalances the market's fee and PnL pools against the
// spot market's revenue pool, then settles userPnl against the PnL pool.
// It returns the amount actually settled with the user: positive PnL is
// capped to what the PnL pool holds. Both markets are modified only on
// success.
func UpdatePoolBalances(m *model.PerpMarket, spot *model.SpotMarket, userPnl num.Int, now int64) (num.Int, error) {
	const op = "update_pool_balances"
	next, nextSpot := m.Clone(), spot.Clone()
	amm := &next.AMM

	feeTokens, err := GetTokenAmount(amm.FeePool.ScaledBalance, nextSpot, amm.FeePool.BalanceType)
	if err != nil {
		return num.Int{}, err
	}
	floor, ceiling, err := FeePoolTargets(next)
	if err != nil {
		return num.Int{}, err
	}

	c := num.NewCalc(op)
	shareForFeePool := true
	if feeTokens.GT(ceiling) {
		if err := TransferBalance(c.Sub(feeTokens, ceiling), nextSpot, &amm.FeePool, &next.PnlPool); err != nil {
			return num.Int{}, err
		}
		shareForFeePool = ceiling.IsPositive()
	} else if feeTokens.LT(floor) {
		pnlTokens, err := GetTokenAmount(next.PnlPool.ScaledBalance, nextSpot, next.PnlPool.BalanceType)
		if err != nil {
			return num.Int{}, err
		}
		if err := TransferBalance(num.Min(c.Sub(floor, feeTokens), pnlTokens), nextSpot, &next.PnlPool, &amm.FeePool); err != nil {
			return num.Int{}, err
		}
	}
	if err := c.Err(); err != nil {
		return num.Int{}, err
	}

	switch {
	case amm.TotalFeeMinusDistributions.IsNegative():
		if err := withdrawFromRevenuePool(next, nextSpot, now); err != nil {
			return num.Int{}, err
		}
	case amm.TotalFeeMinusDistributions.IsPositive():
		if err := depositToRevenuePool(next, nextSpot); err != nil {
			return num.Int{}, err
		}
	}

	pnlTokens, err := GetTokenAmount(next.PnlPool.ScaledBalance, nextSpot, next.PnlPool.BalanceType)
	if err != nil {
		return num.Int{}, err
	}
	toSettle := userPnl
	if userPnl.IsPositive() {
		toSettle = num.Min(userPnl, pnlTokens)
	}
	var feeShare num.Int
	if shareForFeePool && toSettle.IsNegative() {
		feeShare = c.Quo(toSettle, num.NewInt(100))
		if err := c.Err(); err != nil {
			return num.Int{}, err
		}
		if err := UpdateBalance(feeShare.Abs(), model.Deposit, nextSpot, &amm.FeePool, false); err != nil {
			return num.Int{}, err
		}
	}
	toMarket := c.Sub(feeShare, toSettle)
	if err := c.Err(); err != nil {
		return num.Int{}, err
	}
	dir := model.Deposit
	if toMarket.IsNegative() {
		dir = model.Borrow
	}
	if err := UpdateBalance(toMarket.Abs(), dir, nextSpot, &next.PnlPool, false); err != nil {
		return num.Int{}, err
	}

	*m, *spot = *next, *nextSpot
	return toSettle, nil
}

// withdrawFromRevenuePool covers negative fee accounting from the revenue
// pool, at most MaxRevenueWithdrawPerPeriod between two revenue settles.
func withdrawFromRevenuePool(m *model.PerpMarket, spot *model.SpotMarket, now int64) error {
	const op = "withdraw_from_revenue_pool"
	claim := &m.InsuranceClaim
	if spot.InsuranceFund.LastRevenueSettleTs > claim.LastRevenueWithdrawTs {
		if now < claim.LastRevenueWithdrawTs || now < spot.InsuranceFund.LastRevenueSettleTs {
			return fault.Validation(op, "now %d precedes last withdraw %d or settle %d",
				now, claim.LastRevenueWithdrawTs, spot.InsuranceFund.LastRevenueSettleTs)
		}
		claim.RevenueWithdrawSinceLastSettle = num.Int{}
	}

	c := num.NewCalc(op)
	allowed := c.Sub(claim.MaxRevenueWithdrawPerPeriod, claim.RevenueWithdrawSinceLastSettle)
	if err := c.Err(); err != nil || !allowed.IsPositive() {
		return err
	}
	revenueTokens, err := GetTokenAmount(spot.RevenuePool.ScaledBalance, spot, model.Deposit)
	if err != nil {
		return err
	}
	amount := num.Min(num.Min(m.AMM.TotalFeeMinusDistributions.Abs(), revenueTokens), allowed)
	if !amount.IsPositive() {
		return nil
	}
	if err := TransferFromRevenuePool(amount, spot, &m.AMM.FeePool); err != nil {
		return err
	}
	tfmd := c.Add(m.AMM.TotalFeeMinusDistributions, amount)
	since := c.Add(claim.RevenueWithdrawSinceLastSettle, amount)
	if err := c.Err(); err != nil {
		return err
	}
	m.AMM.TotalFeeMinusDistributions = tfmd
	claim.RevenueWithdrawSinceLastSettle = since
	claim.LastRevenueWithdrawTs = now
	return nil
}

// depositToRevenuePool sweeps the retained fee share not yet withdrawn
// into the revenue pool, bounded by the fee pool's tokens and the fee
// accounting.
func depositToRevenuePool(m *model.PerpMarket, spot *model.SpotMarket) error {
	floor, _, err := FeePoolTargets(m)
	if err != nil {
		return err
	}
	feeTokens, err := GetTokenAmount(m.AMM.FeePool.ScaledBalance, spot, m.AMM.FeePool.BalanceType)
	if err != nil {
		return err
	}
	amount := num.Min(num.Min(floor, feeTokens), m.AMM.TotalFeeMinusDistributions)
	if !amount.IsPositive() {
		return nil
	}
	if err := TransferToRevenuePool(amount, spot, &m.AMM.FeePool); err != nil {
		return err
	}
	c := num.NewCalc("deposit_to_revenue_pool")
	withdrawn := c.Add(m.AMM.TotalFeeWithdrawn, amount)
	if err := c.Err(); err != nil {
		return err
	}
	m.AMM.TotalFeeWithdrawn = withdrawn
	return nil
}
