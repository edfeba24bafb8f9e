package curve_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/curve"
	"github.com/atmx/perp-engine/internal/fault"
	"github.com/atmx/perp-engine/internal/model"
	. "github.com/atmx/perp-engine/internal/model/modeltest"
	"github.com/atmx/perp-engine/internal/num"
)

// --- Swap math ---

func TestSwapOutput_AddPreservesInvariant(t *testing.T) {
	sqrtK := I(500_000_000_000)
	out, in, err := curve.SwapOutput(I(1_000_000_000), I(500_000_000_000), model.SwapAdd, sqrtK)
	require.NoError(t, err)
	assert.Equal(t, "501000000000", in.String())
	assert.Equal(t, "499001996007", out.String())

	c := num.NewCalc("test")
	k := c.Mul(sqrtK, sqrtK)
	diff := c.Sub(k, c.Mul(in, out)).Abs()
	require.NoError(t, c.Err())
	assert.True(t, diff.LT(in), "rounding error must stay below one output unit")
}

func TestSwapOutput_RemoveTooLarge(t *testing.T) {
	_, _, err := curve.SwapOutput(I(11), I(10), model.SwapRemove, I(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrValidation))
}

func TestSwapOutput_RemoveEntireReserve(t *testing.T) {
	_, _, err := curve.SwapOutput(I(10), I(10), model.SwapRemove, I(100))
	assert.True(t, errors.Is(err, fault.ErrArithmetic))
}

func TestQuoteAssetAmountSwapped_RemoveAddsOneUnit(t *testing.T) {
	long, err := curve.QuoteAssetAmountSwapped(I(500_000_000_000), I(501_002_004_008), model.SwapRemove, I(50_000_000))
	require.NoError(t, err)
	assert.Equal(t, "50100200", long.String())

	short, err := curve.QuoteAssetAmountSwapped(I(500_000_000_000), I(499_001_996_007), model.SwapAdd, I(50_000_000))
	require.NoError(t, err)
	assert.Equal(t, "49900199", short.String())

	_, err = curve.QuoteAssetAmountSwapped(I(1), I(2), model.SwapAdd, I(1))
	assert.True(t, errors.Is(err, fault.ErrArithmetic), "add cannot raise the quote reserve")
}

func TestCalculatePrice(t *testing.T) {
	p, err := curve.CalculatePrice(I(500_000_000_000), I(500_000_000_000), I(50_000_000))
	require.NoError(t, err)
	assert.Equal(t, "50000000", p.String())

	_, err = curve.CalculatePrice(I(1), num.Int{}, I(1))
	assert.Error(t, err)
}

// --- Terminal reserves and bounds ---

func TestTerminalPriceAndReserves(t *testing.T) {
	m := Market()
	price, quote, base, err := curve.TerminalPriceAndReserves(&m.AMM)
	require.NoError(t, err)
	assert.Equal(t, "500000000000", quote.String())
	assert.Equal(t, "500000000000", base.String())
	assert.Equal(t, "50000000", price.String())
}

func TestBidAskBounds_MaxConcentration(t *testing.T) {
	minBase, maxBase, err := curve.BidAskBounds(I(1_414_200), I(500_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, "353556781219", minBase.String())
	assert.Equal(t, "707100000000", maxBase.String())
}

func TestMarketOpenBidsAsks(t *testing.T) {
	m := Market()
	bids, asks, err := curve.MarketOpenBidsAsks(&m.AMM)
	require.NoError(t, err)
	assert.Equal(t, "158738300748", bids.String())
	assert.Equal(t, "-194804918033", asks.String())

	m.AMM.BaseAssetReserve = m.AMM.MaxBaseAssetReserve
	_, asks, err = curve.MarketOpenBidsAsks(&m.AMM)
	require.NoError(t, err)
	assert.True(t, asks.IsZero())
}

func TestPegFromTargetPrice(t *testing.T) {
	peg, err := curve.PegFromTargetPrice(I(500_000_000_000), I(500_000_000_000), I(60_000_000))
	require.NoError(t, err)
	assert.Equal(t, "60000000", peg.String())

	peg, err = curve.PegFromTargetPrice(I(488_000_000_000), I(512_295_081_967), I(60_000_000))
	require.NoError(t, err)
	assert.Equal(t, "62987100", peg.String())

	peg, err = curve.PegFromTargetPrice(I(500_000_000_000), I(500_000_000_000), num.Int{})
	require.NoError(t, err)
	assert.Equal(t, "1", peg.String(), "peg is floored at one")
}

// --- Mark to market ---

func TestBaseAssetValueAndPnl_FlatPosition(t *testing.T) {
	m := Market()
	v, pnl, err := curve.BaseAssetValueAndPnl(num.Int{}, I(123), &m.AMM)
	require.NoError(t, err)
	assert.True(t, v.IsZero())
	assert.True(t, pnl.IsZero())
}

func TestBaseAssetValueAndPnl_ShortUnwind(t *testing.T) {
	m := Market()
	value, err := curve.BaseAssetValue(&m.AMM)
	require.NoError(t, err)
	// closing the short buys back 12.3 base, moving quote from 488 to 500
	assert.Equal(t, "600000000", value.String())

	_, pnl, err := curve.BaseAssetValueAndPnl(m.AMM.BaseAssetAmountWithAMM, I(700_000_000), &m.AMM)
	require.NoError(t, err)
	assert.Equal(t, "100000000", pnl.String())
}

// --- Fills ---

func TestSwapBaseAsset_LongUpdatesPosition(t *testing.T) {
	m := Market()
	amount := I(1_000_000_000)
	res, err := curve.SwapBaseAsset(&m.AMM, amount, model.SwapRemove)
	require.NoError(t, err)
	assert.True(t, res.QuoteAssetAmountSurplus.IsZero(), "no spread means no surplus")
	assert.Equal(t, "-11295081967", m.AMM.BaseAssetAmountWithAMM.String())
	assert.Equal(t, "1000000000", m.AMM.BaseAssetAmountLong.String())
	assert.Equal(t, "511295081967", m.AMM.BaseAssetReserve.String())
	assert.True(t, m.AMM.QuoteAssetReserve.GT(I(488_000_000_000)))
}

func TestSwapBaseAsset_RejectsBoundBreach(t *testing.T) {
	m := Market()
	before := m.AMM
	_, err := curve.SwapBaseAsset(&m.AMM, I(200_000_000_000), model.SwapRemove)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrValidation))
	assert.Equal(t, before, m.AMM, "failed swap must not mutate the curve")
}

func TestSwapBaseAsset_SpreadCreatesSurplus(t *testing.T) {
	m := Market()
	// ask side quotes 1% richer
	m.AMM.AskQuoteAssetReserve = I(492_880_000_000)
	m.AMM.AskBaseAssetReserve = I(507_222_853_432)
	res, err := curve.SwapBaseAsset(&m.AMM, I(1_000_000_000), model.SwapRemove)
	require.NoError(t, err)
	assert.True(t, res.QuoteAssetAmountSurplus.IsPositive())
}

func TestMaxBaseAssetAmountFillable(t *testing.T) {
	m := Market()
	amt, err := curve.MaxBaseAssetAmountFillable(&m.AMM, model.Long)
	require.NoError(t, err)
	assert.Equal(t, "5120000000", amt.String())

	m.AMM.BaseAssetReserve = m.AMM.MaxBaseAssetReserve
	amt, err = curve.MaxBaseAssetAmountFillable(&m.AMM, model.Short)
	require.NoError(t, err)
	assert.True(t, amt.IsZero())
}
