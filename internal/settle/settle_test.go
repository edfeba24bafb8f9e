package settle_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/fault"
	"github.com/atmx/perp-engine/internal/model"
	. "github.com/atmx/perp-engine/internal/model/modeltest"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/settle"
)

// scaled converts whole quote units into a SPOT_BALANCE scaled balance for
// a zero-decimal spot market at unit interest.
func scaled(quote int64) string {
	return Quote(quote).String() + "000000000"
}

func tokens(t *testing.T, b model.PoolBalance, spot *model.SpotMarket) string {
	t.Helper()
	amt, err := settle.GetTokenAmount(b.ScaledBalance, spot, b.BalanceType)
	require.NoError(t, err)
	return amt.String()
}

// --- Ledger ---

func TestGetTokenAmount_Rounding(t *testing.T) {
	spot := SpotMarket()
	spot.Decimals = 6
	spot.CumulativeBorrowInterest = S("15000000000")

	dep, err := settle.GetTokenAmount(I(1), spot, model.Deposit)
	require.NoError(t, err)
	assert.True(t, dep.IsZero())

	bor, err := settle.GetTokenAmount(I(1), spot, model.Borrow)
	require.NoError(t, err)
	assert.Equal(t, "1", bor.String(), "debt rounds up")

	bal, err := settle.GetSpotBalance(I(3), spot, model.Deposit, false)
	require.NoError(t, err)
	assert.Equal(t, "3000", bal.String())

	bal, err = settle.GetSpotBalance(I(3), spot, model.Borrow, true)
	require.NoError(t, err)
	assert.Equal(t, "2001", bal.String())
}

func TestGetTokenAmount_BadDecimals(t *testing.T) {
	spot := SpotMarket()
	spot.Decimals = 20
	_, err := settle.GetTokenAmount(I(1), spot, model.Deposit)
	assert.True(t, errors.Is(err, fault.ErrValidation))
}

func TestUpdateBalance_TypeChange(t *testing.T) {
	spot := SpotMarket()
	spot.DepositBalance = I(1_000_000_000)
	b := model.PoolBalance{ScaledBalance: I(1_000_000_000), BalanceType: model.Deposit}

	snapSpot, snapBal := *spot, b
	err := settle.UpdateBalance(I(3), model.Borrow, spot, &b, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrValidation))
	assert.Equal(t, snapSpot, *spot)
	assert.Equal(t, snapBal, b)

	require.NoError(t, settle.UpdateBalance(I(3), model.Borrow, spot, &b, true))
	assert.Equal(t, model.Borrow, b.BalanceType)
	assert.Equal(t, "2000000001", b.ScaledBalance.String())
	assert.True(t, spot.DepositBalance.IsZero())
	assert.Equal(t, "2000000001", spot.BorrowBalance.String())
}

func TestTransferBalance(t *testing.T) {
	spot := SpotMarket()
	spot.DepositBalance = S(scaled(50))
	from := model.PoolBalance{ScaledBalance: S(scaled(50))}
	var to model.PoolBalance

	require.NoError(t, settle.TransferBalance(Quote(20), spot, &from, &to))
	assert.Equal(t, scaled(30), from.ScaledBalance.String())
	assert.Equal(t, scaled(20), to.ScaledBalance.String())
	assert.Equal(t, scaled(50), spot.DepositBalance.String())

	err := settle.TransferBalance(Quote(40), spot, &from, &to)
	assert.True(t, errors.Is(err, fault.ErrValidation), "pools never flip to borrow")
	assert.Equal(t, scaled(30), from.ScaledBalance.String())
}

// --- Pool settlement ---

func settledMarket() (*model.PerpMarket, *model.SpotMarket) {
	m := Market()
	m.AMM.TotalExchangeFee = Quote(10)
	m.AMM.TotalLiquidationFee = Quote(1)
	m.AMM.FeePool.ScaledBalance = S(scaled(50))
	m.PnlPool.ScaledBalance = S(scaled(50))
	spot := SpotMarket()
	spot.DepositBalance = S(scaled(100))
	return m, spot
}

func TestUpdatePoolBalances_SweepsToRevenuePool(t *testing.T) {
	m, spot := settledMarket()

	got, err := settle.UpdatePoolBalances(m, spot, I(0), 100)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	assert.Equal(t, "44000000000000000", m.AMM.FeePool.ScaledBalance.String())
	assert.Equal(t, "50000000000000000", m.PnlPool.ScaledBalance.String())
	assert.Equal(t, "6000000000000000", spot.RevenuePool.ScaledBalance.String())
	assert.Equal(t, "6000000", m.AMM.TotalFeeWithdrawn.String())
	assert.Equal(t, Quote(1000), m.AMM.TotalFeeMinusDistributions)
	assert.Equal(t, scaled(100), spot.DepositBalance.String())
}

func TestUpdatePoolBalances_Idempotent(t *testing.T) {
	m, spot := settledMarket()
	_, err := settle.UpdatePoolBalances(m, spot, I(0), 100)
	require.NoError(t, err)
	firstMarket, firstSpot := *m, *spot

	_, err = settle.UpdatePoolBalances(m, spot, I(0), 100)
	require.NoError(t, err)
	assert.Equal(t, firstMarket, *m)
	assert.Equal(t, firstSpot, *spot)
}

func TestUpdatePoolBalances_Conservation(t *testing.T) {
	m, spot := settledMarket()
	m.AMM.TotalExchangeFee = Quote(40)

	total := func() num.Int {
		c := num.NewCalc("test")
		sum := c.Add(c.Add(S(tokens(t, m.AMM.FeePool, spot)), S(tokens(t, m.PnlPool, spot))), S(tokens(t, spot.RevenuePool, spot)))
		require.NoError(t, c.Err())
		return sum
	}
	before := total()
	_, err := settle.UpdatePoolBalances(m, spot, I(0), 100)
	require.NoError(t, err)

	assert.Equal(t, before, total())
	assert.Equal(t, "29000000", tokens(t, m.AMM.FeePool, spot))
	assert.Equal(t, "50000000", tokens(t, m.PnlPool, spot))
	assert.Equal(t, "21000000", tokens(t, spot.RevenuePool, spot))
	assert.Equal(t, scaled(100), spot.DepositBalance.String())
}

func TestUpdatePoolBalances_NegativeUserPnlOnFreshMarket(t *testing.T) {
	m := &model.PerpMarket{}
	spot := SpotMarket()

	got, err := settle.UpdatePoolBalances(m, spot, I(-100), 0)
	require.NoError(t, err)
	assert.Equal(t, "-100", got.String())
	assert.True(t, m.AMM.FeePool.ScaledBalance.IsPositive())
	assert.Equal(t, "1", tokens(t, m.AMM.FeePool, spot))
	assert.Equal(t, "99", tokens(t, m.PnlPool, spot))
}

func TestUpdatePoolBalances_FloorPullsFromPnlPool(t *testing.T) {
	m := Market()
	m.AMM.TotalExchangeFee = Quote(10)
	m.PnlPool.ScaledBalance = S(scaled(50))
	spot := SpotMarket()
	spot.DepositBalance = S(scaled(50))

	_, err := settle.UpdatePoolBalances(m, spot, I(0), 100)
	require.NoError(t, err)
	// the pulled floor is then swept on to the revenue pool
	assert.True(t, m.AMM.FeePool.ScaledBalance.IsZero())
	assert.Equal(t, scaled(45), m.PnlPool.ScaledBalance.String())
	assert.Equal(t, scaled(5), spot.RevenuePool.ScaledBalance.String())
	assert.Equal(t, Quote(5), m.AMM.TotalFeeWithdrawn)
}

func TestUpdatePoolBalances_DrainedFeePoolTakesNoShare(t *testing.T) {
	m := Market()
	m.AMM.TotalFeeMinusDistributions = Quote(-10)
	m.AMM.FeePool.ScaledBalance = S(scaled(50))
	spot := SpotMarket()
	spot.DepositBalance = S(scaled(50))

	got, err := settle.UpdatePoolBalances(m, spot, Quote(-100), 100)
	require.NoError(t, err)
	assert.Equal(t, Quote(-100), got)
	assert.True(t, m.AMM.FeePool.ScaledBalance.IsZero())
	assert.Equal(t, scaled(150), m.PnlPool.ScaledBalance.String())
}

func TestUpdatePoolBalances_PositivePnlCappedByPool(t *testing.T) {
	m, spot := settledMarket()
	m.AMM.TotalExchangeFee = Quote(0)
	m.AMM.TotalLiquidationFee = Quote(0)

	got, err := settle.UpdatePoolBalances(m, spot, Quote(80), 100)
	require.NoError(t, err)
	assert.Equal(t, Quote(50), got)
	assert.True(t, m.PnlPool.ScaledBalance.IsZero())
}

func TestUpdatePoolBalances_RevenueWithdrawThrottle(t *testing.T) {
	m := Market()
	m.AMM.TotalFeeMinusDistributions = Quote(-10)
	m.InsuranceClaim.MaxRevenueWithdrawPerPeriod = Quote(5)
	spot := SpotMarket()
	spot.RevenuePool.ScaledBalance = S(scaled(20))
	spot.DepositBalance = S(scaled(20))
	spot.InsuranceFund.LastRevenueSettleTs = 100

	_, err := settle.UpdatePoolBalances(m, spot, I(0), 200)
	require.NoError(t, err)
	assert.Equal(t, Quote(-5), m.AMM.TotalFeeMinusDistributions)
	assert.Equal(t, Quote(5), m.InsuranceClaim.RevenueWithdrawSinceLastSettle)
	assert.Equal(t, int64(200), m.InsuranceClaim.LastRevenueWithdrawTs)
	assert.Equal(t, scaled(15), spot.RevenuePool.ScaledBalance.String())
	assert.Equal(t, scaled(5), m.AMM.FeePool.ScaledBalance.String())

	// the period cap is spent until the revenue pool settles again
	_, err = settle.UpdatePoolBalances(m, spot, I(0), 250)
	require.NoError(t, err)
	assert.Equal(t, Quote(-5), m.AMM.TotalFeeMinusDistributions)
}

func TestUpdatePoolBalances_StaleTimestamps(t *testing.T) {
	m := Market()
	m.AMM.TotalFeeMinusDistributions = Quote(-10)
	m.InsuranceClaim.MaxRevenueWithdrawPerPeriod = Quote(5)
	spot := SpotMarket()
	spot.InsuranceFund.LastRevenueSettleTs = 300

	before, beforeSpot := *m, *spot
	_, err := settle.UpdatePoolBalances(m, spot, I(0), 200)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrValidation))
	assert.Equal(t, before, *m)
	assert.Equal(t, beforeSpot, *spot)
}
