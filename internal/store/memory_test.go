package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/model"
	. "github.com/atmx/perp-engine/internal/model/modeltest"
	"github.com/atmx/perp-engine/internal/store"
)

func TestMemoryStore_PerpMarketLifecycle(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	m := Market()
	require.NoError(t, ms.CreatePerpMarket(ctx, m))

	// the store keeps its own copy
	m.AMM.PegMultiplier = I(1)
	got, err := ms.GetPerpMarket(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "50000000", got.AMM.PegMultiplier.String())

	got.AMM.SqrtK = I(42)
	require.NoError(t, ms.UpdatePerpMarket(ctx, got))
	again, err := ms.GetPerpMarketBySymbol(ctx, "SOL-PERP")
	require.NoError(t, err)
	assert.Equal(t, "42", again.AMM.SqrtK.String())
}

func TestMemoryStore_Duplicates(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.CreatePerpMarket(ctx, Market()))

	err := ms.CreatePerpMarket(ctx, Market())
	assert.True(t, errors.Is(err, store.ErrMarketExists))

	other := Market()
	other.MarketIndex = 1
	err = ms.CreatePerpMarket(ctx, other)
	assert.True(t, errors.Is(err, store.ErrMarketExists), "symbols are unique too")
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	_, err := ms.GetPerpMarket(ctx, 7)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = ms.GetPerpMarketBySymbol(ctx, "BTC-PERP")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = ms.GetSpotMarket(ctx, 0)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.True(t, errors.Is(ms.UpdatePerpMarket(ctx, Market()), store.ErrNotFound))
}

func TestMemoryStore_ListOrderedByIndex(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	for _, idx := range []uint16{3, 1, 2} {
		m := Market()
		m.MarketIndex = idx
		m.Symbol = []string{"", "BTC-PERP", "ETH-PERP", "SOL-PERP"}[idx]
		require.NoError(t, ms.CreatePerpMarket(ctx, m))
	}

	markets, err := ms.ListPerpMarkets(ctx)
	require.NoError(t, err)
	require.Len(t, markets, 3)
	assert.Equal(t, uint16(1), markets[0].MarketIndex)
	assert.Equal(t, uint16(3), markets[2].MarketIndex)
}

func TestMemoryStore_UpdateMarketsTogether(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.CreatePerpMarket(ctx, Market()))

	spot := SpotMarket()
	m := Market()
	m.AMM.TotalFeeWithdrawn = I(5)
	spot.DepositBalance = I(9)

	assert.True(t, errors.Is(ms.UpdateMarkets(ctx, m, spot), store.ErrNotFound), "spot market must exist")
	got, err := ms.GetPerpMarket(ctx, 0)
	require.NoError(t, err)
	assert.True(t, got.AMM.TotalFeeWithdrawn.IsZero(), "nothing written on failure")

	require.NoError(t, ms.PutSpotMarket(ctx, SpotMarket()))
	require.NoError(t, ms.UpdateMarkets(ctx, m, spot))
	got, err = ms.GetPerpMarket(ctx, 0)
	require.NoError(t, err)
	gotSpot, err := ms.GetSpotMarket(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "5", got.AMM.TotalFeeWithdrawn.String())
	assert.Equal(t, "9", gotSpot.DepositBalance.String())
}

func TestMemoryStore_CurveRecords(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	require.NoError(t, ms.InsertCurveRecord(ctx, &model.CurveRecord{MarketIndex: 0, RecordID: 0}))
	require.NoError(t, ms.InsertCurveRecord(ctx, &model.CurveRecord{MarketIndex: 1, RecordID: 0}))
	require.NoError(t, ms.InsertCurveRecord(ctx, &model.CurveRecord{MarketIndex: 0, RecordID: 1}))

	recs, err := ms.GetCurveRecords(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(1), recs[1].RecordID)

	recs, err = ms.GetCurveRecords(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
