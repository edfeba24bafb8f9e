// Package settle moves quote tokens between the fee pool, the PnL pool and
// the spot market's revenue pool, and settles user PnL against the PnL
// pool.
package settle

import (
	"github.com/atmx/perp-engine/internal/fault"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
)

// interestScaleExp is the exponent of SPOT_BALANCE * SPOT_CUMULATIVE_INTEREST.
const interestScaleExp = 19

func precisionShift(spot *model.SpotMarket) (num.Int, error) {
	if spot.Decimals > interestScaleExp {
		return num.Int{}, fault.Validation("spot_precision", "decimals %d above %d", spot.Decimals, interestScaleExp)
	}
	return num.Pow10(uint(interestScaleExp - spot.Decimals)), nil
}

func cumulativeInterest(spot *model.SpotMarket, t model.BalanceType) num.Int {
	if t == model.Borrow {
		return spot.CumulativeBorrowInterest
	}
	return spot.CumulativeDepositInterest
}

// GetTokenAmount converts a scaled balance into a token amount. Borrows
// round up so debt is never understated.
func GetTokenAmount(balance num.Int, spot *model.SpotMarket, t model.BalanceType) (num.Int, error) {
	shift, err := precisionShift(spot)
	if err != nil {
		return num.Int{}, err
	}
	c := num.NewCalc("get_token_amount")
	scaled := c.Mul(balance, cumulativeInterest(spot, t))
	if t == model.Borrow {
		return c.QuoCeil(scaled, shift), c.Err()
	}
	return c.Quo(scaled, shift), c.Err()
}

// GetSpotBalance converts a token amount into a scaled balance. With
// roundUp set a non-zero result is bumped by one unit.
func GetSpotBalance(tokenAmount num.Int, spot *model.SpotMarket, t model.BalanceType, roundUp bool) (num.Int, error) {
	shift, err := precisionShift(spot)
	if err != nil {
		return num.Int{}, err
	}
	c := num.NewCalc("get_spot_balance")
	balance := c.MulDiv(tokenAmount, shift, cumulativeInterest(spot, t))
	if roundUp && !balance.IsZero() {
		balance = c.Add(balance, num.NewInt(1))
	}
	return balance, c.Err()
}

func adjustMarketTotal(c *num.Calc, spot *model.SpotMarket, t model.BalanceType, delta num.Int, increase bool) {
	total := &spot.DepositBalance
	if t == model.Borrow {
		total = &spot.BorrowBalance
	}
	if increase {
		*total = c.Add(*total, delta)
	} else {
		*total = c.SubU(*total, delta)
	}
}

// UpdateBalance moves tokenAmount in direction dir on b: a matching
// direction grows the balance, an opposite one shrinks it first and, once
// it is exhausted, flips its type when allowTypeChange is set. The spot
// market's deposit and borrow totals follow. On error neither b nor spot
// is modified.
func UpdateBalance(tokenAmount num.Int, dir model.BalanceType, spot *model.SpotMarket, b *model.PoolBalance, allowTypeChange bool) error {
	const op = "update_spot_balances"
	if tokenAmount.IsNegative() {
		return fault.Validation(op, "token amount %s must not be negative", tokenAmount)
	}
	nextSpot, nextBal := *spot, *b
	c := num.NewCalc(op)

	if dir == nextBal.BalanceType {
		delta, err := GetSpotBalance(tokenAmount, &nextSpot, dir, dir == model.Borrow)
		if err != nil {
			return err
		}
		nextBal.ScaledBalance = c.Add(nextBal.ScaledBalance, delta)
		adjustMarketTotal(c, &nextSpot, dir, delta, true)
	} else {
		current, err := GetTokenAmount(nextBal.ScaledBalance, &nextSpot, nextBal.BalanceType)
		if err != nil {
			return err
		}
		remaining := tokenAmount
		if !current.IsZero() {
			tokenDelta, balanceDelta := current, nextBal.ScaledBalance
			if current.GT(tokenAmount) {
				tokenDelta = tokenAmount
				if balanceDelta, err = GetSpotBalance(tokenAmount, &nextSpot, nextBal.BalanceType, nextBal.BalanceType == model.Borrow); err != nil {
					return err
				}
				balanceDelta = num.Min(balanceDelta, nextBal.ScaledBalance)
			}
			adjustMarketTotal(c, &nextSpot, nextBal.BalanceType, balanceDelta, false)
			nextBal.ScaledBalance = c.SubU(nextBal.ScaledBalance, balanceDelta)
			remaining = c.Sub(remaining, tokenDelta)
		}
		if remaining.IsPositive() {
			if !allowTypeChange {
				return fault.Validation(op, "%s balance of market %d cannot become %s", nextBal.BalanceType, nextBal.MarketIndex, dir)
			}
			nextBal.BalanceType = dir
			delta, err := GetSpotBalance(remaining, &nextSpot, dir, dir == model.Borrow)
			if err != nil {
				return err
			}
			nextBal.ScaledBalance = c.Add(nextBal.ScaledBalance, delta)
			adjustMarketTotal(c, &nextSpot, dir, delta, true)
		}
	}
	if err := c.Err(); err != nil {
		return err
	}
	*spot, *b = nextSpot, nextBal
	return nil
}

// TransferBalance moves tokenAmount from one deposit pool to another.
func TransferBalance(tokenAmount num.Int, spot *model.SpotMarket, from, to *model.PoolBalance) error {
	const op = "transfer_spot_balances"
	if tokenAmount.IsZero() {
		return nil
	}
	if from.BalanceType == model.Deposit && spot.DepositBalance.LT(from.ScaledBalance) {
		return fault.Validation(op, "market deposits %s below pool balance %s", spot.DepositBalance, from.ScaledBalance)
	}
	nextSpot, nextFrom, nextTo := *spot, *from, *to
	if err := UpdateBalance(tokenAmount, model.Borrow, &nextSpot, &nextFrom, false); err != nil {
		return err
	}
	if err := UpdateBalance(tokenAmount, model.Deposit, &nextSpot, &nextTo, false); err != nil {
		return err
	}
	*spot, *from, *to = nextSpot, nextFrom, nextTo
	return nil
}

// TransferToRevenuePool moves tokenAmount from a pool into the spot
// market's revenue pool.
func TransferToRevenuePool(tokenAmount num.Int, spot *model.SpotMarket, from *model.PoolBalance) error {
	nextSpot, nextFrom := *spot, *from
	if err := UpdateBalance(tokenAmount, model.Borrow, &nextSpot, &nextFrom, false); err != nil {
		return err
	}
	revenue := nextSpot.RevenuePool
	if err := UpdateBalance(tokenAmount, model.Deposit, &nextSpot, &revenue, false); err != nil {
		return err
	}
	nextSpot.RevenuePool = revenue
	*spot, *from = nextSpot, nextFrom
	return nil
}

// TransferFromRevenuePool moves tokenAmount out of the spot market's
// revenue pool into to.
func TransferFromRevenuePool(tokenAmount num.Int, spot *model.SpotMarket, to *model.PoolBalance) error {
	nextSpot, nextTo := *spot, *to
	revenue := nextSpot.RevenuePool
	if err := UpdateBalance(tokenAmount, model.Borrow, &nextSpot, &revenue, false); err != nil {
		return err
	}
	nextSpot.RevenuePool = revenue
	if err := UpdateBalance(tokenAmount, model.Deposit, &nextSpot, &nextTo, false); err != nil {
		return err
	}
	*spot, *to = nextSpot, nextTo
	return nil
}
