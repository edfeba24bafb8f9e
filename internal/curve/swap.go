package curve

import (
	"github.com/atmx/perp-engine/internal/fault"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
)

// SwapResult is the outcome of a base swap against the curve.
type SwapResult struct {
	BaseAssetReserve        num.Int
	QuoteAssetReserve       num.Int
	QuoteAssetAmount        num.Int // what the taker is quoted
	QuoteAssetAmountSurplus num.Int // protocol edge from the spread
}

// SpreadReserves returns the shadow reserves a taker in direction trades
// against: the ask side for longs and the bid side for shorts.
func SpreadReserves(amm *model.AMM, dir model.PositionDirection) (base, quote num.Int) {
	if dir == model.Long {
		return amm.AskBaseAssetReserve, amm.AskQuoteAssetReserve
	}
	return amm.BidBaseAssetReserve, amm.BidQuoteAssetReserve
}

// SwapDirectionFor maps a taker direction onto the curve.
func SwapDirectionFor(dir model.PositionDirection) model.SwapDirection {
	if dir == model.Long {
		return model.SwapRemove
	}
	return model.SwapAdd
}

// BaseSwapOutputWithSpread prices amount off the shadow reserves and then
// re-derives the true reserves. It does not mutate amm.
func BaseSwapOutputWithSpread(amm *model.AMM, amount num.Int, dir model.SwapDirection) (SwapResult, error) {
	taker := model.Short
	if dir == model.SwapRemove {
		taker = model.Long
	}
	spreadBase, spreadQuote := SpreadReserves(amm, taker)
	newSpreadQuote, _, err := SwapOutput(amount, spreadBase, dir, amm.SqrtK)
	if err != nil {
		return SwapResult{}, err
	}
	quoted, err := QuoteAssetAmountSwapped(spreadQuote, newSpreadQuote, dir, amm.PegMultiplier)
	if err != nil {
		return SwapResult{}, err
	}

	newQuote, newBase, err := SwapOutput(amount, amm.BaseAssetReserve, dir, amm.SqrtK)
	if err != nil {
		return SwapResult{}, err
	}
	surplus, err := QuoteAssetAmountSurplus(amm.QuoteAssetReserve, newQuote, dir, amm.PegMultiplier, quoted)
	if err != nil {
		return SwapResult{}, err
	}
	return SwapResult{
		BaseAssetReserve:        newBase,
		QuoteAssetReserve:       newQuote,
		QuoteAssetAmount:        quoted,
		QuoteAssetAmountSurplus: surplus,
	}, nil
}

// SwapBaseAsset fills amount of base against the curve with spread,
// commits the new reserves and net position, and checks the reserve
// bounds still hold.
func SwapBaseAsset(amm *model.AMM, amount num.Int, dir model.SwapDirection) (SwapResult, error) {
	res, err := BaseSwapOutputWithSpread(amm, amount, dir)
	if err != nil {
		return SwapResult{}, err
	}
	if res.BaseAssetReserve.LT(amm.MinBaseAssetReserve) || res.BaseAssetReserve.GT(amm.MaxBaseAssetReserve) {
		return SwapResult{}, fault.Validation("swap_base_asset", "base reserve %s outside [%s, %s]",
			res.BaseAssetReserve, amm.MinBaseAssetReserve, amm.MaxBaseAssetReserve)
	}

	c := num.NewCalc("swap_base_asset")
	withAMM := amm.BaseAssetAmountWithAMM
	long, short := amm.BaseAssetAmountLong, amm.BaseAssetAmountShort
	quoteAmount := amm.QuoteAssetAmount
	if dir == model.SwapRemove {
		withAMM = c.Add(withAMM, amount)
		long = c.Add(long, amount)
		quoteAmount = c.Sub(quoteAmount, res.QuoteAssetAmount)
	} else {
		withAMM = c.Sub(withAMM, amount)
		short = c.Sub(short, amount)
		quoteAmount = c.Add(quoteAmount, res.QuoteAssetAmount)
	}
	if err := c.Err(); err != nil {
		return SwapResult{}, err
	}
	amm.BaseAssetReserve = res.BaseAssetReserve
	amm.QuoteAssetReserve = res.QuoteAssetReserve
	amm.BaseAssetAmountWithAMM = withAMM
	amm.BaseAssetAmountLong = long
	amm.BaseAssetAmountShort = short
	amm.QuoteAssetAmount = quoteAmount
	return res, nil
}

// MaxBaseAssetAmountFillable is the largest step-aligned base amount a
// single fill in dir may take from the curve.
func MaxBaseAssetAmountFillable(amm *model.AMM, dir model.PositionDirection) (num.Int, error) {
	c := num.NewCalc("calculate_max_base_asset_amount_fillable")
	maxFill := c.Quo(amm.BaseAssetReserve, num.NewUint(uint64(amm.MaxFillReserveFraction)))
	var onSide num.Int
	if dir == model.Long {
		onSide = num.Max(c.Sub(amm.BaseAssetReserve, amm.MinBaseAssetReserve), num.Int{})
	} else {
		onSide = num.Max(c.Sub(amm.MaxBaseAssetReserve, amm.BaseAssetReserve), num.Int{})
	}
	amount := StandardizeBaseAssetAmount(c, num.Min(maxFill, onSide), amm.OrderStepSize)
	return amount, c.Err()
}

// StandardizeBaseAssetAmount rounds amount down to a multiple of step.
func StandardizeBaseAssetAmount(c *num.Calc, amount, step num.Int) num.Int {
	if step.IsZero() {
		return amount
	}
	return c.Sub(amount, c.Rem(amount, step))
}

// BidAskPrice returns the prices quoted off the shadow reserves.
func BidAskPrice(amm *model.AMM) (bid, ask num.Int, err error) {
	bid, err = CalculatePrice(amm.BidQuoteAssetReserve, amm.BidBaseAssetReserve, amm.PegMultiplier)
	if err != nil {
		return
	}
	ask, err = CalculatePrice(amm.AskQuoteAssetReserve, amm.AskBaseAssetReserve, amm.PegMultiplier)
	return
}
