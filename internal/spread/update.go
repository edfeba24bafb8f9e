package spread

import (
	"github.com/atmx/perp-engine/internal/curve"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
)

// UpdateSpreads recomputes the spreads, the reference price offset and the
// shadow reserves of amm at reservePrice. Nothing is written unless every
// step succeeds.
func UpdateSpreads(amm *model.AMM, reservePrice num.Int) (long, short num.Int, err error) {
	if amm.CurveUpdateIntensity > 0 {
		long, short, err = CalculateSpread(InputsFrom(amm, reservePrice))
		if err != nil {
			return num.Int{}, num.Int{}, err
		}
	} else {
		half := num.NewCalc("update_spreads")
		long = half.Quo(amm.BaseSpread, num.NewInt(2))
		short = long
		if err = half.Err(); err != nil {
			return num.Int{}, num.Int{}, err
		}
	}

	var offset num.Int
	if amm.CurveUpdateIntensity > 100 {
		offset, err = referenceOffsetFor(amm, reservePrice)
		if err != nil {
			return num.Int{}, num.Int{}, err
		}
	}

	next := *amm
	next.LongSpread, next.ShortSpread, next.ReferencePriceOffset = long, short, offset
	askBase, askQuote, err := CalculateSpreadReserves(&next, model.Long)
	if err != nil {
		return num.Int{}, num.Int{}, err
	}
	bidBase, bidQuote, err := CalculateSpreadReserves(&next, model.Short)
	if err != nil {
		return num.Int{}, num.Int{}, err
	}

	amm.LongSpread, amm.ShortSpread, amm.ReferencePriceOffset = long, short, offset
	// quoted prices never cross the true curve in the taker's favor
	amm.AskBaseAssetReserve = num.Min(askBase, amm.BaseAssetReserve)
	amm.BidBaseAssetReserve = num.Max(bidBase, amm.BaseAssetReserve)
	amm.AskQuoteAssetReserve = num.Max(askQuote, amm.QuoteAssetReserve)
	amm.BidQuoteAssetReserve = num.Min(bidQuote, amm.QuoteAssetReserve)
	return long, short, nil
}

// CalculateSpreadReserves applies the side's spread, shifted by the
// reference price offset, to the true quote reserve.
func CalculateSpreadReserves(amm *model.AMM, dir model.PositionDirection) (base, quote num.Int, err error) {
	c := num.NewCalc("calculate_spread_reserves")
	var s num.Int
	if dir == model.Long {
		s = c.Add(amm.LongSpread, amm.ReferencePriceOffset)
	} else {
		s = c.Sub(amm.ShortSpread, amm.ReferencePriceOffset)
	}

	var delta num.Int
	if s.Abs().GT(num.NewInt(1)) {
		divisor := c.Quo(num.BidAskSpreadPrecision, c.Quo(s, num.NewInt(2)))
		delta = c.Quo(amm.QuoteAssetReserve, divisor)
	}
	if dir == model.Long {
		quote = c.Add(amm.QuoteAssetReserve, delta)
	} else {
		quote = c.Sub(amm.QuoteAssetReserve, delta)
	}
	base = c.Quo(c.Mul(amm.SqrtK, amm.SqrtK), quote)
	return base, quote, c.Err()
}

func referenceOffsetFor(amm *model.AMM, reservePrice num.Int) (num.Int, error) {
	c := num.NewCalc("update_spreads")
	maxOffset := num.Max(c.Quo(amm.MaxSpread, num.NewInt(5)),
		c.Mul(num.NewInt(100), num.NewInt(int64(amm.CurveUpdateIntensity)-100)))
	if err := c.Err(); err != nil {
		return num.Int{}, err
	}
	ratio, err := InventoryLiquidityRatio(amm.BaseAssetAmountWithAMM, amm.BaseAssetReserve,
		amm.MinBaseAssetReserve, amm.MaxBaseAssetReserve)
	if err != nil {
		return num.Int{}, err
	}
	// the protocol holds the opposite of the users' net position
	if amm.BaseAssetAmountWithAMM.IsPositive() {
		ratio = ratio.Neg()
	}
	return ReferencePriceOffset(OffsetInputs{
		ReservePrice:          reservePrice,
		Last24hAvgFundingRate: amm.Last24hAvgFundingRate,
		LiquidityFraction:     ratio,
		OracleTwapFast:        amm.HistoricalOracleData.LastOraclePriceTwap5Min,
		MarkTwapFast:          amm.LastMarkPriceTwap5Min,
		OracleTwapSlow:        amm.HistoricalOracleData.LastOraclePriceTwap,
		MarkTwapSlow:          amm.LastMarkPriceTwap,
		MaxOffsetPct:          maxOffset,
	})
}

// OffsetInputs feeds ReferencePriceOffset.
type OffsetInputs struct {
	ReservePrice          num.Int
	Last24hAvgFundingRate num.Int
	LiquidityFraction     num.Int // signed, PERCENTAGE precision
	OracleTwapFast        num.Int
	MarkTwapFast          num.Int
	OracleTwapSlow        num.Int
	MarkTwapSlow          num.Int
	MaxOffsetPct          num.Int
}

// ReferencePriceOffset shifts both quotes toward the recent market premium
// when the protocol's inventory agrees with it.
func ReferencePriceOffset(in OffsetInputs) (num.Int, error) {
	if in.Last24hAvgFundingRate.IsZero() {
		return num.Int{}, nil
	}
	c := num.NewCalc("calculate_reference_price_offset")
	maxInPrice := c.MulDiv(in.MaxOffsetPct, in.ReservePrice, num.PercentagePrecision)
	lo := maxInPrice.Neg()

	minute := num.Clamp(c.Sub(in.MarkTwapFast, in.OracleTwapFast), lo, maxInPrice)
	hour := num.Clamp(c.Sub(in.MarkTwapSlow, in.OracleTwapSlow), lo, maxInPrice)
	day := num.Clamp(c.Mul(c.Quo(in.Last24hAvgFundingRate, num.FundingRateBuffer), num.NewInt(24)), lo, maxInPrice)

	avg := c.Quo(c.Add(c.Add(minute, hour), day), num.NewInt(3))
	avgPct := c.MulDiv(avg, num.PricePrecision, in.ReservePrice)
	inventoryPct := c.MulDiv(num.Clamp(in.LiquidityFraction, num.PercentagePrecision.Neg(), num.PercentagePrecision),
		in.MaxOffsetPct, num.PercentagePrecision)
	if err := c.Err(); err != nil {
		return num.Int{}, err
	}

	var offset num.Int
	if (avgPct.Sign() >= 0 && inventoryPct.Sign() >= 0) || (avgPct.Sign() <= 0 && inventoryPct.Sign() <= 0) {
		offset = c.Add(avgPct, inventoryPct)
	}
	return num.Clamp(offset, in.MaxOffsetPct.Neg(), in.MaxOffsetPct), c.Err()
}

// OracleReservePriceSpreadPct is how far the reserve price sits from the
// oracle, relative to the reserve price. Negative means the curve trades
// below the oracle.
func OracleReservePriceSpreadPct(reservePrice, oraclePrice num.Int) (num.Int, error) {
	c := num.NewCalc("calculate_oracle_reserve_price_spread_pct")
	pct := c.MulDiv(c.Sub(reservePrice, oraclePrice), num.BidAskSpreadPrecision, reservePrice)
	return pct, c.Err()
}

// NewOracleConfPct returns the confidence of a fresh sample relative to the
// reserve price, floored by a decayed copy of the last value so a single
// tight sample cannot collapse the spread.
func NewOracleConfPct(confidence, reservePrice, lastConfPct num.Int, sinceLast int64) (num.Int, error) {
	c := num.NewCalc("calculate_new_oracle_conf_pct")
	confPct := c.MulDiv(confidence, num.BidAskSpreadPrecision, reservePrice)
	divisor := num.Max(num.NewInt(21-sinceLast), num.NewInt(5))
	lowerBound := c.Sub(lastConfPct, c.Quo(lastConfPct, divisor))
	return num.Max(confPct, lowerBound), c.Err()
}

// UpdateOracleInputs records a fresh oracle sample on amm and refreshes the
// oracle terms the spread model reads.
func UpdateOracleInputs(amm *model.AMM, oracle model.OraclePriceData, validity model.OracleValidity, now int64) error {
	reservePrice, err := amm.ReservePrice()
	if err != nil {
		return err
	}
	pct, err := OracleReservePriceSpreadPct(reservePrice, oracle.Price)
	if err != nil {
		return err
	}
	confPct, err := NewOracleConfPct(oracle.Confidence, reservePrice, amm.LastOracleConfPct,
		now-amm.HistoricalOracleData.LastOraclePriceTwapTs)
	if err != nil {
		return err
	}
	amm.LastOracleReservePriceSpreadPct = pct
	amm.LastOracleConfPct = confPct
	amm.LastOracleValid = validity.IsValid()
	amm.HistoricalOracleData.LastOraclePrice = oracle.Price
	amm.HistoricalOracleData.LastOracleConf = oracle.Confidence
	amm.HistoricalOracleData.LastOracleDelay = oracle.Delay
	return nil
}

// RefreshTerminalAndBounds recomputes the terminal quote reserve and the
// concentration bounds from the current reserves.
func RefreshTerminalAndBounds(amm *model.AMM) error {
	_, terminalQuote, terminalBase, err := curve.TerminalPriceAndReserves(amm)
	if err != nil {
		return err
	}
	minBase, maxBase, err := curve.BidAskBounds(amm.ConcentrationCoef, terminalBase)
	if err != nil {
		return err
	}
	amm.TerminalQuoteAssetReserve = terminalQuote
	amm.MinBaseAssetReserve = minBase
	amm.MaxBaseAssetReserve = maxBase
	return nil
}
