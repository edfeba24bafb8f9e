package repeg

import (
	"github.com/atmx/perp-engine/internal/curve"
	"github.com/atmx/perp-engine/internal/fault"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/spread"
)

// MaxConcentrationCoefficient is the widest reserve range, about sqrt(2).
var MaxConcentrationCoefficient = num.NewInt(1_414_200)

// UpdateConcentrationCoef narrows the reserve bounds by scale: 1 is the
// widest range and larger values concentrate liquidity around the terminal
// reserve. The current net position must stay strictly inside the new
// bounds.
func UpdateConcentrationCoef(m *model.PerpMarket, scale num.Int) error {
	const op = "update_concentration_coef"
	if !scale.IsPositive() {
		return fault.Validation(op, "scale %s must be positive", scale)
	}
	c := num.NewCalc(op)
	coef := c.Add(num.ConcentrationPrecision, c.Quo(c.Sub(MaxConcentrationCoefficient, num.ConcentrationPrecision), scale))
	if err := c.Err(); err != nil {
		return err
	}
	if coef.LTE(num.ConcentrationPrecision) || coef.GT(MaxConcentrationCoefficient) {
		return fault.Validation(op, "coefficient %s out of range", coef)
	}

	next := m.Clone()
	next.AMM.ConcentrationCoef = coef
	_, terminalQuote, terminalBase, err := curve.TerminalPriceAndReserves(&next.AMM)
	if err != nil {
		return err
	}
	if !terminalQuote.EQ(next.AMM.TerminalQuoteAssetReserve) {
		return fault.Validation(op, "terminal quote reserve %s does not match stored %s",
			terminalQuote, next.AMM.TerminalQuoteAssetReserve)
	}
	minBase, maxBase, err := curve.BidAskBounds(coef, terminalBase)
	if err != nil {
		return err
	}
	next.AMM.MinBaseAssetReserve = minBase
	next.AMM.MaxBaseAssetReserve = maxBase

	price, err := next.AMM.ReservePrice()
	if err != nil {
		return err
	}
	if _, _, err := spread.UpdateSpreads(&next.AMM, price); err != nil {
		return err
	}
	maxBids, maxAsks, err := curve.MarketOpenBidsAsks(&next.AMM)
	if err != nil {
		return err
	}
	baa := next.AMM.BaseAssetAmountWithAMM
	if !maxBids.GT(baa) || !maxAsks.LT(baa) {
		return fault.Validation(op, "net position %s outside open interest bounds [%s, %s]", baa, maxAsks, maxBids)
	}
	*m = *next
	return nil
}
