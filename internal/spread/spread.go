// Package spread derives the long and short bid/ask spreads of the AMM from
// volatility, inventory, leverage, oracle divergence and recent revenue,
// and rebuilds the shadow reserves takers are quoted from.
package spread

import (
	"github.com/atmx/perp-engine/internal/fault"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
)

var (
	// MaxInventorySkewFactor caps the inventory and leverage multipliers.
	MaxInventorySkewFactor = num.NewInt(10 * 1_000_000)
	// LargeBidAskFactor widens both sides once the fee pool is exhausted.
	LargeBidAskFactor = num.NewInt(10 * 1_000_000)
	// RevenueRetreatThreshold is the net revenue since last funding below
	// which spreads start to retreat.
	RevenueRetreatThreshold = num.NewInt(-25 * 1_000_000)

	factorClampMin = num.NewInt(1_000_000 / 100)
	factorClampMax = num.NewInt(16 * 1_000_000 / 10)
	confFullValue  = num.NewInt(1_000_000 / 400)
)

// Inputs is the market state the spread model reads.
type Inputs struct {
	BaseSpread                      num.Int
	MaxSpread                       num.Int
	LastOracleReservePriceSpreadPct num.Int
	LastOracleConfPct               num.Int
	QuoteAssetReserve               num.Int
	TerminalQuoteAssetReserve       num.Int
	PegMultiplier                   num.Int
	BaseAssetAmountWithAMM          num.Int
	ReservePrice                    num.Int
	TotalFeeMinusDistributions      num.Int
	NetRevenueSinceLastFunding      num.Int
	BaseAssetReserve                num.Int
	MinBaseAssetReserve             num.Int
	MaxBaseAssetReserve             num.Int
	MarkStd                         num.Int
	OracleStd                       num.Int
	LongIntensityVolume             num.Int
	ShortIntensityVolume            num.Int
	Volume24h                       num.Int
}

// InputsFrom collects spread inputs from an AMM at reservePrice.
func InputsFrom(amm *model.AMM, reservePrice num.Int) Inputs {
	return Inputs{
		BaseSpread:                      amm.BaseSpread,
		MaxSpread:                       amm.MaxSpread,
		LastOracleReservePriceSpreadPct: amm.LastOracleReservePriceSpreadPct,
		LastOracleConfPct:               amm.LastOracleConfPct,
		QuoteAssetReserve:               amm.QuoteAssetReserve,
		TerminalQuoteAssetReserve:       amm.TerminalQuoteAssetReserve,
		PegMultiplier:                   amm.PegMultiplier,
		BaseAssetAmountWithAMM:          amm.BaseAssetAmountWithAMM,
		ReservePrice:                    reservePrice,
		TotalFeeMinusDistributions:      amm.TotalFeeMinusDistributions,
		NetRevenueSinceLastFunding:      amm.NetRevenueSinceLastFunding,
		BaseAssetReserve:                amm.BaseAssetReserve,
		MinBaseAssetReserve:             amm.MinBaseAssetReserve,
		MaxBaseAssetReserve:             amm.MaxBaseAssetReserve,
		MarkStd:                         amm.MarkStd,
		OracleStd:                       amm.OracleStd,
		LongIntensityVolume:             amm.LongIntensityVolume,
		ShortIntensityVolume:            amm.ShortIntensityVolume,
		Volume24h:                       amm.Volume24h,
	}
}

// LongShortVolSpread is the volatility floor of each side, weighted by how
// much of the day's volume that side took.
func LongShortVolSpread(lastOracleConfPct, reservePrice, markStd, oracleStd, longVolume, shortVolume, volume24h num.Int) (long, short num.Int, err error) {
	c := num.NewCalc("calculate_long_short_vol_spread")
	avgStdPct := c.Quo(c.MulDiv(c.Add(oracleStd, markStd), num.PercentagePrecision, reservePrice), num.NewInt(2))
	volSpread := num.Max(lastOracleConfPct, c.Quo(avgStdPct, num.NewInt(2)))

	volume := num.Max(volume24h, num.NewInt(1))
	longFactor := num.Clamp(c.MulDiv(longVolume, num.PercentagePrecision, volume), factorClampMin, factorClampMax)
	shortFactor := num.Clamp(c.MulDiv(shortVolume, num.PercentagePrecision, volume), factorClampMin, factorClampMax)

	// confidence counts in full only above 25 bps
	confComponent := lastOracleConfPct
	if lastOracleConfPct.LTE(confFullValue) {
		confComponent = c.Quo(lastOracleConfPct, num.NewInt(10))
	}
	long = num.Max(confComponent, c.MulDiv(volSpread, longFactor, num.PercentagePrecision))
	short = num.Max(confComponent, c.MulDiv(volSpread, shortFactor, num.PercentagePrecision))
	return long, short, c.Err()
}

func openBidsAsks(c *num.Calc, base, minBase, maxBase num.Int) (bids, asks num.Int) {
	if base.GT(minBase) {
		bids = c.Sub(base, minBase)
	}
	if base.LT(maxBase) {
		asks = c.Sub(maxBase, base).Neg()
	}
	return bids, asks
}

// InventoryScale is the multiplier applied to the side the net position
// leans toward, in BID_ASK_SPREAD precision.
func InventoryScale(baseAssetAmountWithAMM, base, minBase, maxBase, directionalSpread, maxSpread num.Int) (num.Int, error) {
	if baseAssetAmountWithAMM.IsZero() {
		return num.BidAskSpreadPrecision, nil
	}
	c := num.NewCalc("calculate_spread_inventory_scale")
	bids, asks := openBidsAsks(c, base, minBase, maxBase)
	minSideLiquidity := num.Min(bids, asks.Abs())
	ratio := c.MulDiv(baseAssetAmountWithAMM, num.PercentagePrecision, num.Max(minSideLiquidity, num.NewInt(1))).Abs()
	scaleMax := num.Max(MaxInventorySkewFactor, c.MulDiv(maxSpread, num.BidAskSpreadPrecision, num.Max(directionalSpread, num.NewInt(1))))
	scaled := num.Min(scaleMax, c.Add(num.BidAskSpreadPrecision, c.MulDiv(scaleMax, ratio, num.PercentagePrecision)))
	return scaled, c.Err()
}

// InventoryLiquidityRatio is |net position| over the thinner side's open
// liquidity, capped at 100%.
func InventoryLiquidityRatio(baseAssetAmountWithAMM, base, minBase, maxBase num.Int) (num.Int, error) {
	c := num.NewCalc("calculate_inventory_liquidity_ratio")
	bids, asks := openBidsAsks(c, base, minBase, maxBase)
	minSideLiquidity := num.Min(bids, asks.Abs())
	ratio := num.Min(
		c.MulDiv(baseAssetAmountWithAMM.Abs(), num.PercentagePrecision, num.Max(minSideLiquidity, num.NewInt(1))),
		num.PercentagePrecision,
	)
	return ratio, c.Err()
}

// LeverageScale grows the disadvantaged side as the curve's net exposure
// outgrows the fee buffer.
func LeverageScale(quoteReserve, terminalQuoteReserve, peg, baseAssetAmountWithAMM, reservePrice, totalFeeMinusDistributions num.Int) (num.Int, error) {
	c := num.NewCalc("calculate_spread_leverage_scale")
	netValue := c.MulDiv(c.Sub(quoteReserve, terminalQuoteReserve), peg, num.AMMTimesPegToQuoteRatio)
	localValue := c.Quo(c.Mul(baseAssetAmountWithAMM, reservePrice), c.Mul(num.AMMToQuoteRatio, num.PricePrecision))
	leverage := c.Quo(
		c.Mul(num.Max(num.Int{}, c.Sub(localValue, netValue)), num.BidAskSpreadPrecision),
		c.Add(num.Max(num.Int{}, totalFeeMinusDistributions), num.NewInt(1)),
	)
	scale := num.Min(MaxInventorySkewFactor, c.Add(num.BidAskSpreadPrecision, leverage))
	return scale, c.Err()
}

// MaxTargetSpread is the cap applied to long+short: the configured max
// spread, widened to cover oracle divergence and volatility up to 100%.
func MaxTargetSpread(in Inputs) (num.Int, error) {
	c := num.NewCalc("calculate_max_target_spread")
	stdPct := c.MulDiv(num.Max(in.MarkStd, in.OracleStd), num.PercentagePrecision, in.ReservePrice)
	floor := num.Max(num.Max(in.LastOracleReservePriceSpreadPct.Abs(), c.Mul(in.LastOracleConfPct, num.NewInt(2))), stdPct)
	return num.Max(in.MaxSpread, num.Min(floor, num.BidAskSpreadPrecision)), c.Err()
}

// CalculateSpread returns the long and short spreads for in.
func CalculateSpread(in Inputs) (long, short num.Int, err error) {
	longVol, shortVol, err := LongShortVolSpread(in.LastOracleConfPct, in.ReservePrice, in.MarkStd, in.OracleStd,
		in.LongIntensityVolume, in.ShortIntensityVolume, in.Volume24h)
	if err != nil {
		return num.Int{}, num.Int{}, err
	}
	maxTarget, err := MaxTargetSpread(in)
	if err != nil {
		return num.Int{}, num.Int{}, err
	}

	c := num.NewCalc("calculate_spread")
	halfBase := c.Quo(in.BaseSpread, num.NewInt(2))
	long = num.Max(halfBase, longVol)
	short = num.Max(halfBase, shortVol)

	// oracle retreat: a negative pct means the curve trades below the oracle
	pct := in.LastOracleReservePriceSpreadPct
	switch {
	case pct.IsNegative():
		long = num.Max(long, c.Add(pct.Abs(), longVol))
	case pct.IsPositive():
		short = num.Max(short, c.Add(pct.Abs(), shortVol))
	}

	baa := in.BaseAssetAmountWithAMM
	directional := short
	if baa.IsPositive() {
		directional = long
	}
	inventory, err := InventoryScale(baa, in.BaseAssetReserve, in.MinBaseAssetReserve, in.MaxBaseAssetReserve, directional, maxTarget)
	if err != nil {
		return num.Int{}, num.Int{}, err
	}
	if baa.IsPositive() {
		long = c.MulDiv(long, inventory, num.BidAskSpreadPrecision)
	} else {
		short = c.MulDiv(short, inventory, num.BidAskSpreadPrecision)
	}

	if !in.TotalFeeMinusDistributions.IsPositive() {
		long = c.MulDiv(long, LargeBidAskFactor, num.BidAskSpreadPrecision)
		short = c.MulDiv(short, LargeBidAskFactor, num.BidAskSpreadPrecision)
	} else {
		leverage, err := LeverageScale(in.QuoteAssetReserve, in.TerminalQuoteAssetReserve, in.PegMultiplier,
			baa, in.ReservePrice, in.TotalFeeMinusDistributions)
		if err != nil {
			return num.Int{}, num.Int{}, err
		}
		if baa.IsPositive() {
			long = c.MulDiv(long, leverage, num.BidAskSpreadPrecision)
		} else {
			short = c.MulDiv(short, leverage, num.BidAskSpreadPrecision)
		}
	}

	rev := in.NetRevenueSinceLastFunding
	if rev.LT(RevenueRetreatThreshold) {
		maxRetreat := c.Quo(maxTarget, num.NewInt(10))
		retreat := maxRetreat
		if rev.GTE(c.Mul(RevenueRetreatThreshold, num.NewInt(1000))) {
			retreat = num.Min(maxRetreat, c.MulDiv(in.BaseSpread, rev.Abs(), RevenueRetreatThreshold.Abs()))
		}
		half := c.Quo(retreat, num.NewInt(2))
		switch {
		case baa.IsPositive():
			long, short = c.Add(long, retreat), c.Add(short, half)
		case baa.IsNegative():
			long, short = c.Add(long, half), c.Add(short, retreat)
		default:
			long, short = c.Add(long, half), c.Add(short, half)
		}
	}
	if err := c.Err(); err != nil {
		return num.Int{}, num.Int{}, err
	}
	return CapToMaxSpread(long, short, maxTarget)
}

// CapToMaxSpread scales long and short down so they sum to at most
// maxSpread. The larger side rounds up and the smaller side takes the
// remainder, so the cap holds exactly.
func CapToMaxSpread(long, short, maxSpread num.Int) (num.Int, num.Int, error) {
	c := num.NewCalc("cap_to_max_spread")
	total := c.Add(long, short)
	if total.GT(maxSpread) {
		if long.GT(short) {
			long = c.QuoCeil(c.Mul(long, maxSpread), total)
			short = c.SubU(maxSpread, long)
		} else {
			short = c.QuoCeil(c.Mul(short, maxSpread), total)
			long = c.SubU(maxSpread, short)
		}
	}
	if err := c.Err(); err != nil {
		return num.Int{}, num.Int{}, err
	}
	if sum := c.Add(long, short); sum.GT(maxSpread) {
		return num.Int{}, num.Int{}, fault.Validation("cap_to_max_spread", "spread %s exceeds max %s", sum, maxSpread)
	}
	return long, short, nil
}

