package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	. "github.com/atmx/perp-engine/internal/model/modeltest"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/telemetry"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func idx(i uint16) *uint16 { return &i }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type recorder struct {
	mu  sync.Mutex
	got []telemetry.Envelope
}

func (r *recorder) Publish(_ context.Context, env telemetry.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, env)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type testEnv struct {
	svc    *engine.Service
	store  *store.MemoryStore
	router chi.Router
	clock  *clock
	sink   *recorder
}

// newTestEnv creates a Service over an in-memory store with a chi router
// mounted at /api/v1. The clock starts at the first funding boundary.
func newTestEnv(t *testing.T, limiter *risk.OILimiter, hub *engine.WSHub) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	sink := &recorder{}
	em, err := telemetry.NewEmitter(1, sink, zerolog.Nop())
	require.NoError(t, err)
	clk := &clock{now: time.Unix(3600, 0)}
	svc := engine.NewService(ms, limiter, hub, em, engine.WithClock(clk.Now), engine.WithLogger(zerolog.Nop()))

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{svc: svc, store: ms, router: r, clock: clk, sink: sink}
}

// seedMarket stores the SOL-PERP fixture and the quote spot market.
func seedMarket(t *testing.T, env *testEnv) *model.PerpMarket {
	t.Helper()
	m := Market()
	require.NoError(t, env.store.CreatePerpMarket(context.Background(), m))
	_, err := env.svc.EnsureQuoteMarket(context.Background())
	require.NoError(t, err)
	return m
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case io.Reader:
		_, err := buf.ReadFrom(b)
		require.NoError(t, err)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func createSOL(t *testing.T, env *testEnv, symbol string) model.PerpMarket {
	t.Helper()
	w := do(t, env.router, "POST", "/api/v1/markets", engine.CreateMarketRequest{
		Symbol:     symbol,
		Price:      d("50"),
		Depth:      d("500"),
		BaseSpread: d("0.001"),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[model.PerpMarket](t, w)
}

func getMarket(t *testing.T, env *testEnv, index uint16) *model.PerpMarket {
	t.Helper()
	m, err := env.store.GetPerpMarket(context.Background(), index)
	require.NoError(t, err)
	return m
}

// --- Market creation ---

func TestCreateMarket_DerivesBalancedCurve(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	m := createSOL(t, env, "SOL-PERP")

	assert.Equal(t, uint16(0), m.MarketIndex)
	assert.Equal(t, model.StatusActive, m.Status)
	assert.Equal(t, "50000000", m.AMM.PegMultiplier.String())
	assert.Equal(t, "500000000000", m.AMM.SqrtK.String())
	assert.True(t, m.AMM.BaseAssetReserve.EQ(m.AMM.QuoteAssetReserve))
	assert.Equal(t, "500000000000", m.AMM.TerminalQuoteAssetReserve.String())
	assert.Equal(t, "1414200", m.AMM.ConcentrationCoef.String())
	assert.Equal(t, "353556781219", m.AMM.MinBaseAssetReserve.String())
	assert.Equal(t, "707100000000", m.AMM.MaxBaseAssetReserve.String())
	assert.Equal(t, "50000", m.AMM.MaxSpread.String(), "defaults to the margin buffer")
	// fresh fee pool: half the base spread widened by the large-spread factor
	assert.Equal(t, "5000", m.AMM.LongSpread.String())
	assert.Equal(t, "5000", m.AMM.ShortSpread.String())

	spot, err := env.store.GetSpotMarket(context.Background(), engine.QuoteMarketIndex)
	require.NoError(t, err)
	assert.Equal(t, "USDC", spot.Symbol)
	assert.Equal(t, uint32(6), spot.Decimals)

	w := do(t, env.router, "GET", "/api/v1/markets/0/price", nil)
	require.Equal(t, http.StatusOK, w.Code)
	price := decode[engine.PriceSummary](t, w)
	assert.Equal(t, "50", price.ReservePrice.String())
	assert.Equal(t, "50", price.TerminalPrice.String())
	assert.True(t, price.Bid.LessThan(price.ReservePrice))
	assert.True(t, price.Ask.GreaterThan(price.ReservePrice))
	assert.Equal(t, "0.005", price.LongSpread.String())
}

func TestCreateMarket_AssignsNextIndex(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	createSOL(t, env, "SOL-PERP")
	eth := createSOL(t, env, "ETH-PERP")
	assert.Equal(t, uint16(1), eth.MarketIndex)

	w := do(t, env.router, "GET", "/api/v1/markets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	markets := decode[[]model.PerpMarket](t, w)
	require.Len(t, markets, 2)
	assert.Equal(t, "SOL-PERP", markets[0].Symbol)
	assert.Equal(t, "ETH-PERP", markets[1].Symbol)

	w = do(t, env.router, "GET", "/api/v1/markets/ETH-PERP", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, uint16(1), decode[model.PerpMarket](t, w).MarketIndex)

	w = do(t, env.router, "GET", "/api/v1/markets?status=paused", nil)
	assert.Empty(t, decode[[]model.PerpMarket](t, w))
}

func TestCreateMarket_Rejects(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	createSOL(t, env, "SOL-PERP")

	cases := []struct {
		name string
		req  engine.CreateMarketRequest
		want int
	}{
		{"bad symbol", engine.CreateMarketRequest{Symbol: "SOL", Price: d("50"), Depth: d("500")}, http.StatusBadRequest},
		{"zero price", engine.CreateMarketRequest{Symbol: "BTC-PERP", Depth: d("500")}, http.StatusBadRequest},
		{"spread inverted", engine.CreateMarketRequest{Symbol: "BTC-PERP", Price: d("50"), Depth: d("500"),
			BaseSpread: d("0.02"), MaxSpread: d("0.01")}, http.StatusBadRequest},
		{"maintenance above initial", engine.CreateMarketRequest{Symbol: "BTC-PERP", Price: d("50"), Depth: d("500"),
			MarginRatioInitial: 500, MarginRatioMaintenance: 600}, http.StatusBadRequest},
		{"min order below step", engine.CreateMarketRequest{Symbol: "BTC-PERP", Price: d("50"), Depth: d("500"),
			OrderStepSize: d("0.1"), MinOrderSize: d("0.05")}, http.StatusBadRequest},
		{"taken index", engine.CreateMarketRequest{MarketIndex: idx(0), Symbol: "BTC-PERP", Price: d("50"), Depth: d("500")},
			http.StatusConflict},
		{"taken symbol", engine.CreateMarketRequest{Symbol: "SOL-PERP", Price: d("50"), Depth: d("500")}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, env.router, "POST", "/api/v1/markets", tc.req)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}

	w := do(t, env.router, "POST", "/api/v1/markets", strings.NewReader("{"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetMarket_NotFound(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	assert.Equal(t, http.StatusNotFound, do(t, env.router, "GET", "/api/v1/markets/7", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, env.router, "GET", "/api/v1/markets/BTC-PERP/price", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, env.router, "GET", "/api/v1/markets/bogus", nil).Code)
}

// --- Fills ---

func TestFill_Long(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	createSOL(t, env, "SOL-PERP")

	w := do(t, env.router, "POST", "/api/v1/markets/0/fill", engine.FillRequest{
		Direction: "long", BaseAmount: d("1"), FeeBps: 10,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[engine.FillResponse](t, w)

	assert.NotEmpty(t, resp.FillID)
	assert.Equal(t, uint64(0), resp.RecordID)
	assert.Equal(t, "long", resp.Direction)
	assert.True(t, resp.FillPrice.GreaterThan(d("50")), "longs pay above the reserve price")
	assert.True(t, resp.Fee.Equal(resp.QuoteAmount.Mul(d("0.001")).RoundCeil(6)), "fee %s on %s", resp.Fee, resp.QuoteAmount)
	assert.False(t, resp.Surplus.IsNegative())
	assert.Equal(t, "1", resp.NetPosition.String())
	assert.True(t, resp.PriceSummary.ReservePrice.GreaterThan(d("50")))

	m := getMarket(t, env, 0)
	assert.Equal(t, "1000000000", m.AMM.BaseAssetAmountWithAMM.String())
	assert.Equal(t, "1000000000", m.AMM.BaseAssetAmountLong.String())
	assert.True(t, resp.Fee.Add(resp.Surplus).Equal(m.AMM.TotalFeeMinusDistributions.ToDecimal(6)))
	assert.True(t, resp.Fee.Equal(m.AMM.TotalExchangeFee.ToDecimal(6)))
	assert.True(t, m.AMM.NetRevenueSinceLastFunding.EQ(m.AMM.TotalFeeMinusDistributions))
	assert.Equal(t, uint64(1), m.NextFillRecordID)
}

func TestFill_Short(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	createSOL(t, env, "SOL-PERP")

	w := do(t, env.router, "POST", "/api/v1/markets/0/fill", engine.FillRequest{
		Direction: "short", BaseAmount: d("2.5"),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[engine.FillResponse](t, w)

	assert.True(t, resp.FillPrice.LessThan(d("50")), "shorts receive below the reserve price")
	assert.True(t, resp.Fee.IsZero())
	assert.Equal(t, "-2.5", resp.NetPosition.String())
	assert.Equal(t, "-2500000000", getMarket(t, env, 0).AMM.BaseAssetAmountShort.String())
}

func TestFill_Rejects(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	createSOL(t, env, "SOL-PERP")

	cases := []struct {
		name string
		path string
		req  engine.FillRequest
		want int
	}{
		{"bad direction", "/api/v1/markets/0/fill", engine.FillRequest{Direction: "up", BaseAmount: d("1")}, http.StatusBadRequest},
		{"zero amount", "/api/v1/markets/0/fill", engine.FillRequest{Direction: "long"}, http.StatusBadRequest},
		{"fee too high", "/api/v1/markets/0/fill", engine.FillRequest{Direction: "long", BaseAmount: d("1"), FeeBps: 5000}, http.StatusBadRequest},
		{"below min order", "/api/v1/markets/0/fill", engine.FillRequest{Direction: "long", BaseAmount: d("0.005")}, http.StatusConflict},
		{"off step", "/api/v1/markets/0/fill", engine.FillRequest{Direction: "long", BaseAmount: d("0.015")}, http.StatusConflict},
		{"above fillable", "/api/v1/markets/0/fill", engine.FillRequest{Direction: "long", BaseAmount: d("6")}, http.StatusConflict},
		{"unknown market", "/api/v1/markets/9/fill", engine.FillRequest{Direction: "long", BaseAmount: d("1")}, http.StatusNotFound},
		{"bad index", "/api/v1/markets/x/fill", engine.FillRequest{Direction: "long", BaseAmount: d("1")}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, env.router, "POST", tc.path, tc.req)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}

	m := getMarket(t, env, 0)
	assert.True(t, m.AMM.BaseAssetAmountWithAMM.IsZero(), "rejected fills leave no trace")
	assert.Equal(t, uint64(0), m.NextFillRecordID)
}

func TestFill_MarketStatus(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	createSOL(t, env, "SOL-PERP")
	require.Equal(t, http.StatusOK, do(t, env.router, "POST", "/api/v1/markets/0/fill",
		engine.FillRequest{Direction: "long", BaseAmount: d("1")}).Code)

	m := getMarket(t, env, 0)
	m.Status = model.StatusReduceOnly
	require.NoError(t, env.store.UpdatePerpMarket(context.Background(), m))

	w := do(t, env.router, "POST", "/api/v1/markets/0/fill", engine.FillRequest{Direction: "long", BaseAmount: d("0.5")})
	assert.Equal(t, http.StatusConflict, w.Code, "reduce only blocks growth")
	w = do(t, env.router, "POST", "/api/v1/markets/0/fill", engine.FillRequest{Direction: "short", BaseAmount: d("0.5")})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	m = getMarket(t, env, 0)
	m.Status = model.StatusPaused
	require.NoError(t, env.store.UpdatePerpMarket(context.Background(), m))
	w = do(t, env.router, "POST", "/api/v1/markets/0/fill", engine.FillRequest{Direction: "short", BaseAmount: d("0.5")})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestFill_OpenInterestLimits(t *testing.T) {
	env := newTestEnv(t, risk.NewOILimiter(d("2"), d("3"), 3), nil)
	createSOL(t, env, "SOL-PERP")
	createSOL(t, env, "SOLX-PERP")

	fill := func(index, dir, amount string) int {
		return do(t, env.router, "POST", "/api/v1/markets/"+index+"/fill",
			engine.FillRequest{Direction: dir, BaseAmount: d(amount)}).Code
	}

	before := testutil.ToFloat64(metrics.OILimitRejections.WithLabelValues("group"))
	assert.Equal(t, http.StatusOK, fill("0", "long", "2"))
	assert.Equal(t, http.StatusConflict, fill("0", "long", "0.5"), "per-market cap")
	assert.Equal(t, http.StatusConflict, fill("1", "long", "1.5"), "SOL and SOLX share a group")
	assert.Equal(t, http.StatusOK, fill("1", "long", "1"))
	assert.Equal(t, http.StatusOK, fill("0", "short", "1"), "reducing exposure always passes")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OILimitRejections.WithLabelValues("group"))-before)
}

func TestFill_ConcurrentFillsSerialize(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	createSOL(t, env, "SOL-PERP")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := do(t, env.router, "POST", "/api/v1/markets/0/fill", engine.FillRequest{Direction: "long", BaseAmount: d("0.1")})
			assert.Equal(t, http.StatusOK, w.Code)
		}()
	}
	wg.Wait()

	m := getMarket(t, env, 0)
	assert.Equal(t, "1000000000", m.AMM.BaseAssetAmountWithAMM.String())
	assert.Equal(t, uint64(10), m.NextFillRecordID)
}

// --- Curve operations ---

func TestUpdateAMM_RepegsTowardOracle(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedMarket(t, env)

	w := do(t, env.router, "POST", "/api/v1/markets/0/update-amm", engine.UpdateAMMRequest{
		Oracle: engine.OracleSample{Price: d("51")},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[engine.UpdateAMMResponse](t, w)
	assert.True(t, resp.Applied)
	assert.Equal(t, "-42.46842", resp.Cost.String())
	assert.Equal(t, "53.539035", resp.PriceSummary.PegMultiplier.String())

	m := getMarket(t, env, 0)
	assert.Equal(t, "1042468420", m.AMM.TotalFeeMinusDistributions.String())
	assert.Equal(t, "51000000", m.AMM.HistoricalOracleData.LastOraclePrice.String())
	assert.Equal(t, uint64(1), m.NextCurveRecordID)

	w = do(t, env.router, "GET", "/api/v1/markets/0/curve-records", nil)
	require.Equal(t, http.StatusOK, w.Code)
	records := decode[[]model.CurveRecord](t, w)
	require.Len(t, records, 1)
	assert.Equal(t, "50000000", records[0].PegMultiplierBefore.String())
	assert.Equal(t, "53539035", records[0].PegMultiplierAfter.String())
	assert.Equal(t, "-42468420", records[0].AdjustmentCost.String())
	assert.Equal(t, 1, env.sink.Len(), "committed records are published")
}

func TestUpdateAMM_InvalidOracleRecordsInputsOnly(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedMarket(t, env)

	w := do(t, env.router, "POST", "/api/v1/markets/0/update-amm", engine.UpdateAMMRequest{
		Oracle: engine.OracleSample{Price: d("45"), Validity: "stale_for_amm"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decode[engine.UpdateAMMResponse](t, w).Applied)

	m := getMarket(t, env, 0)
	assert.Equal(t, "50000000", m.AMM.PegMultiplier.String())
	assert.False(t, m.AMM.LastOracleValid)
	assert.Zero(t, env.sink.Len())

	w = do(t, env.router, "POST", "/api/v1/markets/0/update-amm", engine.UpdateAMMRequest{
		Oracle: engine.OracleSample{Price: d("45"), Validity: "sideways"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRepeg_Admin(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedMarket(t, env)

	oracle := engine.OracleSample{Price: d("51"), Confidence: d("1")}
	w := do(t, env.router, "POST", "/api/v1/markets/0/repeg", engine.RepegRequest{Peg: d("49"), Oracle: oracle})
	assert.Equal(t, http.StatusConflict, w.Code, "moving away from the oracle is refused")
	assert.Equal(t, "50000000", getMarket(t, env, 0).AMM.PegMultiplier.String())

	w = do(t, env.router, "POST", "/api/v1/markets/0/repeg", engine.RepegRequest{Peg: d("51"), Oracle: oracle})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[engine.RepegResponse](t, w)
	assert.Equal(t, "50", resp.PegBefore.String())
	assert.Equal(t, "51", resp.PegAfter.String())
	assert.Equal(t, "-12", resp.Cost.String())
	assert.Equal(t, "1012000000", getMarket(t, env, 0).AMM.TotalFeeMinusDistributions.String())

	records, err := env.store.GetCurveRecords(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "51000000", records[0].OraclePrice.String())
}

func TestSetConcentration(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedMarket(t, env)

	w := do(t, env.router, "POST", "/api/v1/markets/0/concentration", engine.ConcentrationRequest{Scale: 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	m := decode[model.PerpMarket](t, w)
	assert.Equal(t, "1207100", m.AMM.ConcentrationCoef.String())
	assert.Equal(t, "414215889321", m.AMM.MinBaseAssetReserve.String())
	assert.Equal(t, "603550000000", m.AMM.MaxBaseAssetReserve.String())

	assert.Equal(t, http.StatusBadRequest,
		do(t, env.router, "POST", "/api/v1/markets/0/concentration", engine.ConcentrationRequest{}).Code)
	assert.Equal(t, http.StatusConflict,
		do(t, env.router, "POST", "/api/v1/markets/0/concentration", engine.ConcentrationRequest{Scale: 400_000}).Code,
		"a range that strands the open position is refused")
	assert.Equal(t, "1207100", getMarket(t, env, 0).AMM.ConcentrationCoef.String())
}

// --- Funding and settlement ---

func TestUpdateFunding(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedMarket(t, env)

	req := engine.FundingRequest{MarkTwap: d("51"), OracleTwap: d("50"), OraclePrice: d("50")}
	w := do(t, env.router, "POST", "/api/v1/markets/0/funding", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[engine.FundingResponse](t, w)
	assert.Equal(t, "0.041666666", resp.Rate.String())
	assert.Equal(t, "-0.512295", resp.ProtocolPnl.String())
	assert.True(t, resp.KUpdated)
	assert.Equal(t, "491.471", resp.SqrtK.String())
	assert.Equal(t, int64(7200), resp.NextUpdateTs)

	records, err := env.store.GetCurveRecords(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "-256151", records[0].AdjustmentCost.String())
	assert.Equal(t, 1, env.sink.Len())

	w = do(t, env.router, "POST", "/api/v1/markets/0/funding", req)
	assert.Equal(t, http.StatusConflict, w.Code, "the next period is not due yet")
	assert.Equal(t, "491471000000", getMarket(t, env, 0).AMM.SqrtK.String())
}

func TestSettlePools(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedMarket(t, env)

	w := do(t, env.router, "POST", "/api/v1/markets/0/settle", engine.SettleRequest{UserPnl: d("-0.0001")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[engine.SettleResponse](t, w)
	assert.Equal(t, "-0.0001", resp.Settled.String())
	assert.Equal(t, "0.000001", resp.FeePool.String(), "one percent of a user loss feeds the fee pool")
	assert.Equal(t, "0.000099", resp.PnlPool.String())
	assert.True(t, resp.RevenuePool.IsZero())

	w = do(t, env.router, "POST", "/api/v1/markets/0/settle", engine.SettleRequest{UserPnl: d("0.00015")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode[engine.SettleResponse](t, w)
	assert.Equal(t, "0.000099", resp.Settled.String(), "profit is capped by the pnl pool")
	assert.True(t, resp.PnlPool.IsZero())

	spot, err := env.store.GetSpotMarket(context.Background(), engine.QuoteMarketIndex)
	require.NoError(t, err)
	assert.True(t, spot.DepositBalance.IsPositive())

	assert.Equal(t, http.StatusNotFound,
		do(t, env.router, "POST", "/api/v1/markets/4/settle", engine.SettleRequest{UserPnl: d("1")}).Code)
}

func TestEnsureQuoteMarket_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	first, err := env.svc.EnsureQuoteMarket(context.Background())
	require.NoError(t, err)
	first.Decimals = 9
	require.NoError(t, env.store.PutSpotMarket(context.Background(), first))

	again, err := env.svc.EnsureQuoteMarket(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(9), again.Decimals, "an existing quote market is left alone")
}

// --- WebSocket ---

func TestWSHub_BroadcastsFills(t *testing.T) {
	hub := engine.NewWSHub(zerolog.Nop())
	go hub.Run()
	defer hub.Stop()

	env := newTestEnv(t, nil, hub)
	createSOL(t, env, "SOL-PERP")
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.WebSocketClients) == 1
	}, time.Second, 10*time.Millisecond)

	w := do(t, env.router, "POST", "/api/v1/markets/0/fill", engine.FillRequest{Direction: "long", BaseAmount: d("1")})
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg engine.WSMessage
	for msg.Type != engine.EventFill {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &msg))
	}
	assert.Equal(t, "SOL-PERP", msg.Symbol)
	assert.Equal(t, "long", msg.Direction)
	assert.NotEmpty(t, msg.Ask)
}
