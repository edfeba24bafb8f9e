// Package curve implements the constant-product math of the virtual AMM:
// swap outputs, terminal reserves, reserve bounds and mark-to-market value.
// Every function is a pure computation over an AMM record; mutation is
// limited to SwapBaseAsset.
package curve

import (
	"github.com/atmx/perp-engine/internal/fault"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
)

// CalculatePrice returns quote * peg / base in PRICE precision.
func CalculatePrice(quoteReserve, baseReserve, peg num.Int) (num.Int, error) {
	c := num.NewCalc("calculate_price")
	p := c.Quo(c.Mul(quoteReserve, peg), c.Mul(baseReserve, num.PriceToPegRatio))
	return p, c.Err()
}

// SwapOutput moves amount into (Add) or out of (Remove) inputReserve and
// returns the other reserve implied by sqrtK, together with the new input
// reserve.
func SwapOutput(amount, inputReserve num.Int, dir model.SwapDirection, sqrtK num.Int) (newOutput, newInput num.Int, err error) {
	if dir == model.SwapRemove && amount.GT(inputReserve) {
		return num.Int{}, num.Int{}, fault.Validation("swap_output", "trade size %s exceeds reserve %s", amount, inputReserve)
	}
	c := num.NewCalc("swap_output")
	invariant := c.Mul(sqrtK, sqrtK)
	if dir == model.SwapAdd {
		newInput = c.Add(inputReserve, amount)
	} else {
		newInput = c.SubU(inputReserve, amount)
	}
	newOutput = c.Quo(invariant, newInput)
	return newOutput, newInput, c.Err()
}

// QuoteAssetAmountSwapped converts a quote reserve move into a quote amount.
// Removing base costs one extra reserve unit so longs round against the
// taker.
func QuoteAssetAmountSwapped(quoteBefore, quoteAfter num.Int, dir model.SwapDirection, peg num.Int) (num.Int, error) {
	c := num.NewCalc("quote_asset_amount_swapped")
	var change num.Int
	if dir == model.SwapAdd {
		change = c.SubU(quoteBefore, quoteAfter)
	} else {
		change = c.Add(c.SubU(quoteAfter, quoteBefore), num.NewInt(1))
	}
	amount := num.ReserveToQuote(c, change, peg)
	return amount, c.Err()
}

// QuoteAssetAmountSurplus is what the protocol keeps when a taker is
// quoted off the shadow reserves instead of the true curve.
func QuoteAssetAmountSurplus(quoteBefore, quoteAfter num.Int, dir model.SwapDirection, peg, quoted num.Int) (num.Int, error) {
	actual, err := QuoteAssetAmountSwapped(quoteBefore, quoteAfter, dir, peg)
	if err != nil {
		return num.Int{}, err
	}
	c := num.NewCalc("quote_asset_amount_surplus")
	surplus := c.Sub(actual, quoted).Abs()
	return surplus, c.Err()
}

// TerminalPriceAndReserves returns the price and reserves the curve would
// settle at if the net user position were fully closed.
func TerminalPriceAndReserves(amm *model.AMM) (price, quoteReserve, baseReserve num.Int, err error) {
	dir := model.SwapRemove
	if amm.BaseAssetAmountWithAMM.IsPositive() {
		dir = model.SwapAdd
	}
	quoteReserve, baseReserve, err = SwapOutput(amm.BaseAssetAmountWithAMM.Abs(), amm.BaseAssetReserve, dir, amm.SqrtK)
	if err != nil {
		return
	}
	price, err = CalculatePrice(quoteReserve, baseReserve, amm.PegMultiplier)
	return
}

// BidAskBounds derives the base reserve range a concentration coefficient
// allows around the terminal base reserve.
func BidAskBounds(concentrationCoef, terminalBase num.Int) (minBase, maxBase num.Int, err error) {
	c := num.NewCalc("calculate_bid_ask_bounds")
	maxBase = c.MulDiv(terminalBase, concentrationCoef, num.ConcentrationPrecision)
	minBase = c.MulDiv(terminalBase, num.ConcentrationPrecision, num.Max(concentrationCoef, num.NewInt(1)))
	return minBase, maxBase, c.Err()
}

// MarketOpenBidsAsks returns how much base the curve can still absorb on
// each side before hitting a reserve bound. Bids are positive, asks are
// negative.
func MarketOpenBidsAsks(amm *model.AMM) (maxBids, maxAsks num.Int, err error) {
	c := num.NewCalc("calculate_market_open_bids_asks")
	if amm.BaseAssetReserve.GT(amm.MinBaseAssetReserve) {
		maxBids = c.Sub(amm.BaseAssetReserve, amm.MinBaseAssetReserve)
	}
	if amm.BaseAssetReserve.LT(amm.MaxBaseAssetReserve) {
		maxAsks = c.Sub(amm.MaxBaseAssetReserve, amm.BaseAssetReserve).Neg()
	}
	return maxBids, maxAsks, c.Err()
}

// PegFromTargetPrice returns the peg that puts the reserve price at target.
func PegFromTargetPrice(quoteReserve, baseReserve, target num.Int) (num.Int, error) {
	c := num.NewCalc("calculate_peg_from_target_price")
	peg := c.Quo(c.Add(c.MulDiv(target, baseReserve, quoteReserve), c.Quo(num.PriceToPegRatio, num.NewInt(2))), num.PriceToPegRatio)
	return num.Max(peg, num.NewInt(1)), c.Err()
}

// CloseDirection is the swap that unwinds a signed base position.
func CloseDirection(baseAssetAmount num.Int) model.SwapDirection {
	if baseAssetAmount.IsNegative() {
		return model.SwapRemove
	}
	return model.SwapAdd
}

// BaseAssetValueAndPnl marks a position against the true curve. pnl is
// measured against quoteEntry.
func BaseAssetValueAndPnl(baseAssetAmount, quoteEntry num.Int, amm *model.AMM) (value, pnl num.Int, err error) {
	if baseAssetAmount.IsZero() {
		return num.Int{}, num.Int{}, nil
	}
	dir := CloseDirection(baseAssetAmount)
	newQuote, _, err := SwapOutput(baseAssetAmount.Abs(), amm.BaseAssetReserve, dir, amm.SqrtK)
	if err != nil {
		return num.Int{}, num.Int{}, err
	}
	value, err = QuoteAssetAmountSwapped(amm.QuoteAssetReserve, newQuote, dir, amm.PegMultiplier)
	if err != nil {
		return num.Int{}, num.Int{}, err
	}
	c := num.NewCalc("calculate_pnl")
	if dir == model.SwapAdd {
		pnl = c.Sub(value, quoteEntry)
	} else {
		pnl = c.Sub(quoteEntry, value)
	}
	return value, pnl, c.Err()
}

// BaseAssetValue is the quote value of closing the AMM's net position.
func BaseAssetValue(amm *model.AMM) (num.Int, error) {
	v, _, err := BaseAssetValueAndPnl(amm.BaseAssetAmountWithAMM, num.Int{}, amm)
	return v, err
}
