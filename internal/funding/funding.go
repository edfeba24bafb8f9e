// Package funding computes the periodic funding rate, splits it between
// longs and shorts so the protocol never subsidizes the minority side past
// a third of its fee pool, and books the protocol's own funding P&L.
package funding

import (
	"github.com/atmx/perp-engine/internal/fault"
	"github.com/atmx/perp-engine/internal/kscale"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/repeg"
)

const (
	OneHour = int64(3600)
	OneDay  = 24 * OneHour
)

var (
	// MaxPriceSpreadDivisor clamps the twap spread to about 3% of the oracle.
	MaxPriceSpreadDivisor = num.NewInt(33)

	// fundingPaymentDivisor turns rate*base into QUOTE precision.
	fundingPaymentDivisor = num.Pow10(12)
)

// Rate returns the balanced funding rate for one period in FUNDING_RATE
// precision: the mark/oracle twap spread, clamped to about 3% of the oracle
// twap and scaled from a 24h rate down to the funding period.
func Rate(markTwap, oracleTwap num.Int, fundingPeriod int64) (num.Int, error) {
	c := num.NewCalc("calculate_funding_rate")
	maxSpread := c.Quo(oracleTwap, MaxPriceSpreadDivisor)
	spread := num.Clamp(c.Sub(markTwap, oracleTwap), maxSpread.Neg(), maxSpread)
	periodAdjustment := num.NewInt(OneDay / max(OneHour, fundingPeriod))
	rate := c.Quo(c.Mul(spread, num.FundingRateBuffer), periodAdjustment)
	return rate, c.Err()
}

// Payment is what a position of baseAssetAmount receives, in QUOTE
// precision, for a funding rate delta. Longs pay shorts when the delta is
// positive.
func Payment(rateDelta, baseAssetAmount num.Int) (num.Int, error) {
	c := num.NewCalc("calculate_funding_payment")
	mag := c.Quo(c.Mul(rateDelta.Abs(), baseAssetAmount.Abs()), fundingPaymentDivisor)
	if err := c.Err(); err != nil {
		return num.Int{}, err
	}
	if baseAssetAmount.IsPositive() == rateDelta.IsPositive() {
		return mag.Neg(), nil
	}
	return mag, nil
}

// CappedRate limits what the protocol pays toward a funding imbalance to a
// third of the fee pool above its lower bound. When the cap binds, the
// receiving side gets the paying side's payment plus that pool, spread over
// its own base, instead of the balanced rate.
func CappedRate(m *model.PerpMarket, uncappedPnl, rate num.Int) (cappedRate, cappedPnl num.Int, err error) {
	budget, err := repeg.FeePoolBudget(m)
	if err != nil {
		return num.Int{}, num.Int{}, err
	}
	c := num.NewCalc("calculate_capped_funding_rate")
	pool := c.Quo(budget, num.NewInt(3))
	if err := c.Err(); err != nil {
		return num.Int{}, num.Int{}, err
	}
	cappedPnl = num.Max(uncappedPnl, pool.Neg())
	if !uncappedPnl.LT(pool.Neg()) {
		return rate, cappedPnl, nil
	}

	payer, receiver := m.AMM.BaseAssetAmountShort, m.AMM.BaseAssetAmountLong
	if rate.IsPositive() {
		payer, receiver = m.AMM.BaseAssetAmountLong, m.AMM.BaseAssetAmountShort
	}
	fromUsers, err := Payment(rate, payer)
	if err != nil {
		return num.Int{}, num.Int{}, err
	}
	cappedRate = c.Quo(c.Mul(c.Add(pool, fromUsers.Abs()), fundingPaymentDivisor), receiver.Abs())
	if rate.IsNegative() {
		cappedRate = cappedRate.Neg()
	}
	return cappedRate, cappedPnl, c.Err()
}

// LongShortRates splits rate into the rate longs pay and the rate shorts
// receive and books the protocol's share on the fee accounting. The
// protocol holds the other side of the users' net position, unsettled LP
// inventory included. A payout that would take the fee accounting under
// its lower bound is a validation error. The uncapped protocol P&L is
// returned.
func LongShortRates(m *model.PerpMarket, rate num.Int) (long, short, uncappedPnl num.Int, err error) {
	const op = "calculate_funding_rate_long_short"
	c := num.NewCalc(op)
	net := c.Add(m.AMM.BaseAssetAmountWithAMM, m.AMM.BaseAssetAmountWithUnsettledLP)
	if err := c.Err(); err != nil {
		return num.Int{}, num.Int{}, num.Int{}, err
	}
	usersPayment, err := Payment(rate, net)
	if err != nil {
		return num.Int{}, num.Int{}, num.Int{}, err
	}
	uncappedPnl = usersPayment.Neg()

	if !uncappedPnl.IsNegative() {
		tfmd := c.Add(m.AMM.TotalFeeMinusDistributions, uncappedPnl)
		rev := c.Add(m.AMM.NetRevenueSinceLastFunding, uncappedPnl)
		if err := c.Err(); err != nil {
			return num.Int{}, num.Int{}, num.Int{}, err
		}
		m.AMM.TotalFeeMinusDistributions, m.AMM.NetRevenueSinceLastFunding = tfmd, rev
		return rate, rate, uncappedPnl, nil
	}

	cappedRate, cappedPnl, err := CappedRate(m, uncappedPnl, rate)
	if err != nil {
		return num.Int{}, num.Int{}, num.Int{}, err
	}
	tfmd := c.Add(m.AMM.TotalFeeMinusDistributions, cappedPnl)
	rev := c.Add(m.AMM.NetRevenueSinceLastFunding, cappedPnl)
	if err := c.Err(); err != nil {
		return num.Int{}, num.Int{}, num.Int{}, err
	}
	if !cappedPnl.IsZero() {
		lb, err := repeg.TotalFeeLowerBound(m)
		if err != nil {
			return num.Int{}, num.Int{}, num.Int{}, err
		}
		if tfmd.LT(lb) {
			return num.Int{}, num.Int{}, num.Int{}, fault.Validation(op,
				"funding payout leaves fee accounting %s under lower bound %s", tfmd, lb)
		}
	}
	m.AMM.TotalFeeMinusDistributions, m.AMM.NetRevenueSinceLastFunding = tfmd, rev

	long, short = rate, rate
	if rate.IsNegative() {
		long = cappedRate
	} else if rate.IsPositive() {
		short = cappedRate
	}
	return long, short, uncappedPnl, nil
}

// NewTwap folds price observed at now into a time-weighted average over
// period that was last updated at lastTs.
func NewTwap(price num.Int, now int64, lastTwap num.Int, lastTs, period int64) (num.Int, error) {
	since := max(0, now-lastTs)
	fromStart := max(0, period-since)
	if since+fromStart == 0 {
		return price, nil
	}
	c := num.NewCalc("calculate_new_twap")
	twap := c.Quo(
		c.Add(c.Mul(price, num.NewInt(since)), c.Mul(lastTwap, num.NewInt(fromStart))),
		num.NewInt(since+fromStart),
	)
	return twap, c.Err()
}

// TimeUntilNextUpdate returns the seconds left before the next funding
// update. Updates snap to the period boundary: a late update still lands
// on the next boundary unless it came more than a third of a period late.
func TimeUntilNextUpdate(now, lastUpdateTs, period int64) int64 {
	sinceLast := now - lastUpdateTs
	wait := period
	if period > 1 {
		delay := lastUpdateTs % period
		if delay < 0 {
			delay += period
		}
		if delay != 0 {
			if delay > period/3 {
				wait = 2*period - delay
			} else {
				wait = period - delay
			}
			if wait > 2*period {
				wait -= period
			}
		}
	}
	return max(0, wait-sinceLast)
}

// Update is the outcome of one funding update.
type Update struct {
	Rate        num.Int
	RateLong    num.Int
	RateShort   num.Int
	ProtocolPnl num.Int
	CurveRecord *model.CurveRecord
}

// UpdateRate settles one funding period from the supplied twaps. The
// protocol's funding imbalance drives the k scaler, the cumulative rates
// advance and the period's revenue counter resets. The market is modified
// only on success.
func UpdateRate(m *model.PerpMarket, markTwap, oracleTwap, oraclePrice num.Int, now int64) (Update, error) {
	const op = "update_funding_rate"
	if m.Status == model.StatusPaused {
		return Update{}, fault.Validation(op, "market %d is paused", m.MarketIndex)
	}
	if wait := TimeUntilNextUpdate(now, m.AMM.LastFundingRateTs, m.AMM.FundingPeriod); wait > 0 {
		return Update{}, fault.Validation(op, "next funding update in %ds", wait)
	}

	next := m.Clone()
	rate, err := Rate(markTwap, oracleTwap, next.AMM.FundingPeriod)
	if err != nil {
		return Update{}, err
	}
	long, short, pnl, err := LongShortRates(next, rate)
	if err != nil {
		return Update{}, err
	}
	rec, err := kscale.FormulaicUpdateK(next, oraclePrice, pnl.Neg(), now)
	if err != nil {
		return Update{}, err
	}

	avg, err := NewTwap(rate, now, next.AMM.Last24hAvgFundingRate, next.AMM.LastFundingRateTs, OneDay)
	if err != nil {
		return Update{}, err
	}
	c := num.NewCalc(op)
	cumLong := c.Add(next.AMM.CumulativeFundingRateLong, long)
	cumShort := c.Add(next.AMM.CumulativeFundingRateShort, short)
	if err := c.Err(); err != nil {
		return Update{}, err
	}
	amm := &next.AMM
	amm.CumulativeFundingRateLong = cumLong
	amm.CumulativeFundingRateShort = cumShort
	amm.LastFundingRate = rate
	amm.LastFundingRateLong = long
	amm.LastFundingRateShort = short
	amm.Last24hAvgFundingRate = avg
	amm.LastFundingRateTs = now
	amm.NetRevenueSinceLastFunding = num.Int{}
	amm.LastMarkPriceTwap = markTwap
	amm.LastMarkPriceTwapTs = now
	amm.HistoricalOracleData.LastOraclePriceTwap = oracleTwap
	amm.HistoricalOracleData.LastOraclePriceTwapTs = now

	*m = *next
	return Update{Rate: rate, RateLong: long, RateShort: short, ProtocolPnl: pnl, CurveRecord: rec}, nil
}
