package spread_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/curve"
	"github.com/atmx/perp-engine/internal/model"
	. "github.com/atmx/perp-engine/internal/model/modeltest"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/spread"
)

// baseInputs is the fixture market with a 5 bps base spread, the curve
// trading 10 bps under the oracle and a 3 bps confidence band.
func baseInputs(t *testing.T) spread.Inputs {
	t.Helper()
	m := Market()
	m.AMM.BaseSpread = I(500)
	m.AMM.LastOracleReservePriceSpreadPct = I(-1000)
	m.AMM.LastOracleConfPct = I(300)
	price, err := m.AMM.ReservePrice()
	require.NoError(t, err)
	require.Equal(t, "47628800", price.String())
	return spread.InputsFrom(&m.AMM, price)
}

// --- cap_to_max_spread ---

func TestCapToMaxSpread_LargerSideRoundsUp(t *testing.T) {
	long, short, err := spread.CapToMaxSpread(I(3_905_832_905), I(3_582_930), I(1000))
	require.NoError(t, err)
	assert.Equal(t, "1000", long.String())
	assert.Equal(t, "0", short.String())
}

func TestCapToMaxSpread_UnderCapUnchanged(t *testing.T) {
	long, short, err := spread.CapToMaxSpread(I(999), I(1), I(1000))
	require.NoError(t, err)
	assert.Equal(t, "999", long.String())
	assert.Equal(t, "1", short.String())
}

func TestCapToMaxSpread_ShortLarger(t *testing.T) {
	long, short, err := spread.CapToMaxSpread(I(100), I(300), I(200))
	require.NoError(t, err)
	assert.Equal(t, "150", short.String())
	assert.Equal(t, "50", long.String())
}

// --- calculate_spread ---

func TestCalculateSpread_OracleRetreatAndInventory(t *testing.T) {
	long, short, err := spread.CalculateSpread(baseInputs(t))
	require.NoError(t, err)
	// long floored at |pct| + vol; short scaled by inventory and leverage
	assert.Equal(t, "1030", long.String())
	assert.Equal(t, "1824", short.String())
}

func TestCalculateSpread_RevenueRetreatWidensPositionSide(t *testing.T) {
	in := baseInputs(t)
	in.NetRevenueSinceLastFunding = Quote(-100)
	long, short, err := spread.CalculateSpread(in)
	require.NoError(t, err)
	// users are net short, so short takes the full 2000 and long half
	assert.Equal(t, "2030", long.String())
	assert.Equal(t, "3824", short.String())
}

func TestCalculateSpread_ExhaustedFeePoolHitsCap(t *testing.T) {
	in := baseInputs(t)
	in.TotalFeeMinusDistributions = num.Int{}
	long, short, err := spread.CalculateSpread(in)
	require.NoError(t, err)
	assert.Equal(t, "7281", long.String())
	assert.Equal(t, "12719", short.String())
	assert.Equal(t, "20000", I(long.Int64()+short.Int64()).String())
}

func TestCalculateSpread_VolatilityAndVolumeWeights(t *testing.T) {
	in := baseInputs(t)
	in.MarkStd = I(500_000)
	in.OracleStd = I(300_000)
	in.LongIntensityVolume = Quote(10)
	in.ShortIntensityVolume = Quote(30)
	in.Volume24h = Quote(40)
	in.LastOracleConfPct = I(3000)
	in.LastOracleReservePriceSpreadPct = I(2000)
	long, short, err := spread.CalculateSpread(in)
	require.NoError(t, err)
	assert.Equal(t, "3000", long.String())
	assert.Equal(t, "9268", short.String())
}

func TestCalculateSpread_NeverExceedsMaxTarget(t *testing.T) {
	in := baseInputs(t)
	for _, rev := range []int64{0, -30, -1000, -1_000_000} {
		for _, tfmd := range []int64{-5, 0, 1, 1000} {
			in.NetRevenueSinceLastFunding = Quote(rev)
			in.TotalFeeMinusDistributions = Quote(tfmd)
			long, short, err := spread.CalculateSpread(in)
			require.NoError(t, err)
			maxTarget, err := spread.MaxTargetSpread(in)
			require.NoError(t, err)
			assert.True(t, I(long.Int64()+short.Int64()).LTE(maxTarget), "rev=%d tfmd=%d", rev, tfmd)
		}
	}
}

func TestInventoryScale_FlatIsUnit(t *testing.T) {
	s, err := spread.InventoryScale(num.Int{}, I(1), I(0), I(2), I(10), I(100))
	require.NoError(t, err)
	assert.True(t, s.EQ(num.BidAskSpreadPrecision))
}

// --- Spread reserves ---

func TestCalculateSpreadReserves_OnePercentAsk(t *testing.T) {
	m := Market()
	m.AMM.LongSpread = I(20_000)
	base, quote, err := spread.CalculateSpreadReserves(&m.AMM, model.Long)
	require.NoError(t, err)
	assert.Equal(t, "492880000000", quote.String())
	assert.Equal(t, "507222853432", base.String())
}

func TestUpdateSpreads_QuotesBracketReservePrice(t *testing.T) {
	m := Market()
	m.AMM.BaseSpread = I(500)
	m.AMM.LastOracleReservePriceSpreadPct = I(-1000)
	m.AMM.LastOracleConfPct = I(300)
	price, err := m.AMM.ReservePrice()
	require.NoError(t, err)

	long, short, err := spread.UpdateSpreads(&m.AMM, price)
	require.NoError(t, err)
	assert.Equal(t, "1030", long.String())
	assert.Equal(t, "1824", short.String())
	assert.True(t, m.AMM.LongSpread.EQ(long))

	assert.True(t, m.AMM.AskBaseAssetReserve.LTE(m.AMM.BaseAssetReserve))
	assert.True(t, m.AMM.BidBaseAssetReserve.GTE(m.AMM.BaseAssetReserve))
	bid, ask, err := curve.BidAskPrice(&m.AMM)
	require.NoError(t, err)
	assert.True(t, bid.LTE(price))
	assert.True(t, ask.GTE(price))
	assert.True(t, bid.LT(ask))
}

func TestUpdateSpreads_NoIntensityUsesHalfBase(t *testing.T) {
	m := Market()
	m.AMM.CurveUpdateIntensity = 0
	m.AMM.BaseSpread = I(1000)
	price, err := m.AMM.ReservePrice()
	require.NoError(t, err)
	long, short, err := spread.UpdateSpreads(&m.AMM, price)
	require.NoError(t, err)
	assert.Equal(t, "500", long.String())
	assert.Equal(t, "500", short.String())
	assert.True(t, m.AMM.ReferencePriceOffset.IsZero())
}

// --- Reference offset and oracle inputs ---

func TestReferencePriceOffset(t *testing.T) {
	in := spread.OffsetInputs{
		ReservePrice:          I(50_000_000),
		Last24hAvgFundingRate: I(1_000_000),
		LiquidityFraction:     I(500_000),
		OracleTwapFast:        I(50_000_000),
		MarkTwapFast:          I(50_100_000),
		OracleTwapSlow:        I(50_000_000),
		MarkTwapSlow:          I(50_050_000),
		MaxOffsetPct:          I(20_000),
	}
	off, err := spread.ReferencePriceOffset(in)
	require.NoError(t, err)
	assert.Equal(t, "11160", off.String())

	in.LiquidityFraction = I(-500_000)
	off, err = spread.ReferencePriceOffset(in)
	require.NoError(t, err)
	assert.True(t, off.IsZero(), "inventory against the premium disables the offset")

	in.Last24hAvgFundingRate = num.Int{}
	off, err = spread.ReferencePriceOffset(in)
	require.NoError(t, err)
	assert.True(t, off.IsZero())
}

func TestOracleReservePriceSpreadPct(t *testing.T) {
	pct, err := spread.OracleReservePriceSpreadPct(I(50_000_000), I(50_050_000))
	require.NoError(t, err)
	assert.Equal(t, "-1000", pct.String())
}

func TestNewOracleConfPct_Decays(t *testing.T) {
	cases := []struct {
		name  string
		last  int64
		since int64
		want  string
	}{
		{"fresh sample wins", 0, 1, "1000"},
		{"recent floor", 5000, 1, "4750"},
		{"old floor", 5000, 100, "4000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := spread.NewOracleConfPct(I(50_000), I(50_000_000), I(tc.last), tc.since)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestUpdateOracleInputs(t *testing.T) {
	m := Market()
	oracle := model.OraclePriceData{Price: I(50_000_000), Confidence: I(47_628), Delay: 2, HasSufficientDataPoints: true}
	require.NoError(t, spread.UpdateOracleInputs(&m.AMM, oracle, model.OracleValid, 10))
	assert.True(t, m.AMM.LastOracleValid)
	assert.True(t, m.AMM.LastOracleReservePriceSpreadPct.IsNegative())
	assert.Equal(t, "999", m.AMM.LastOracleConfPct.String())
	assert.Equal(t, int64(2), m.AMM.HistoricalOracleData.LastOracleDelay)
}
