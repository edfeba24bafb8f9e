package engine

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/curve"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/repeg"
	"github.com/atmx/perp-engine/internal/spread"
)

// Market defaults applied when a create request leaves a field at zero.
const (
	defaultMarginRatioInitial     uint32 = 1000 // 10%
	defaultMarginRatioMaintenance uint32 = 500  // 5%
	defaultCurveUpdateIntensity   uint8  = 100
	defaultFundingPeriod                 = int64(3600)
	defaultMaxFillReserveFraction uint16 = 100
	maxCurveUpdateIntensity       uint8  = 200
)

var defaultOrderStepSize = num.NewInt(10_000_000) // 0.01 base

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	market, err := s.createMarket(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, market)
}

func (s *Service) createMarket(ctx context.Context, req CreateMarketRequest) (*model.PerpMarket, error) {
	start := time.Now()
	market, err := s.persistNewMarket(ctx, req)
	s.observe("create_market", start, err)
	if err != nil {
		return nil, err
	}

	metrics.ActiveMarkets.Inc()
	observeMarket(market)
	s.log.Info().
		Uint16("market_index", market.MarketIndex).
		Str("symbol", market.Symbol).
		Str("peg", priceOf(market.AMM.PegMultiplier).String()).
		Str("sqrt_k", baseOf(market.AMM.SqrtK).String()).
		Str("concentration_coef", market.AMM.ConcentrationCoef.String()).
		Msg("market created")
	s.broadcast(EventMarketCreated, market, nil)
	return market, nil
}

func (s *Service) persistNewMarket(ctx context.Context, req CreateMarketRequest) (*model.PerpMarket, error) {
	if _, err := s.EnsureQuoteMarket(ctx); err != nil {
		return nil, err
	}
	index, err := s.resolveIndex(ctx, req.MarketIndex)
	if err != nil {
		return nil, err
	}
	unlock := s.lock(index)
	defer unlock()

	market, err := s.buildMarket(index, req)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePerpMarket(ctx, market); err != nil {
		return nil, err
	}
	return market, nil
}

func (s *Service) resolveIndex(ctx context.Context, requested *uint16) (uint16, error) {
	if requested != nil {
		return *requested, nil
	}
	markets, err := s.store.ListPerpMarkets(ctx)
	if err != nil {
		return 0, err
	}
	if len(markets) == 0 {
		return 0, nil
	}
	last := markets[len(markets)-1].MarketIndex
	if last == ^uint16(0) {
		return 0, fmt.Errorf("%w: no free market index", ErrInvalidRequest)
	}
	return last + 1, nil
}

// buildMarket validates req and derives the launch state: a balanced curve
// at the requested price, bounds at the requested concentration and
// spreads quoted around the reserve price.
func (s *Service) buildMarket(index uint16, req CreateMarketRequest) (*model.PerpMarket, error) {
	parsed, err := contract.ParseSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}
	seed, err := contract.DeriveSeedCurve(req.Price, req.Depth)
	if err != nil {
		return nil, err
	}

	initial, maintenance := req.MarginRatioInitial, req.MarginRatioMaintenance
	if initial == 0 {
		initial = defaultMarginRatioInitial
	}
	if maintenance == 0 {
		maintenance = defaultMarginRatioMaintenance
	}
	if maintenance >= initial {
		return nil, fmt.Errorf("%w: maintenance margin %d must be below initial %d", ErrInvalidRequest, maintenance, initial)
	}

	baseSpread, err := fixed("base_spread", req.BaseSpread, num.SpreadScale)
	if err != nil {
		return nil, err
	}
	maxSpread, err := fixed("max_spread", req.MaxSpread, num.SpreadScale)
	if err != nil {
		return nil, err
	}
	if maxSpread.IsZero() {
		// the margin buffer, rescaled from MARGIN to BID_ASK_SPREAD precision
		maxSpread = num.NewInt(int64(initial-maintenance) * 100)
	}
	if baseSpread.IsNegative() || maxSpread.IsNegative() || baseSpread.GT(maxSpread) {
		return nil, fmt.Errorf("%w: need 0 <= base_spread <= max_spread", ErrInvalidRequest)
	}

	intensity := defaultCurveUpdateIntensity
	if req.CurveUpdateIntensity != nil {
		intensity = *req.CurveUpdateIntensity
	}
	if intensity > maxCurveUpdateIntensity {
		return nil, fmt.Errorf("%w: curve_update_intensity %d above %d", ErrInvalidRequest, intensity, maxCurveUpdateIntensity)
	}
	fundingPeriod := req.FundingPeriod
	if fundingPeriod == 0 {
		fundingPeriod = defaultFundingPeriod
	}
	if fundingPeriod < 0 {
		return nil, fmt.Errorf("%w: funding_period must be positive", ErrInvalidRequest)
	}

	step, err := fixed("order_step_size", req.OrderStepSize, num.ReserveScale)
	if err != nil {
		return nil, err
	}
	if step.IsZero() {
		step = defaultOrderStepSize
	}
	minOrder, err := fixed("min_order_size", req.MinOrderSize, num.ReserveScale)
	if err != nil {
		return nil, err
	}
	if minOrder.IsZero() {
		minOrder = step
	}
	if step.IsNegative() || minOrder.LT(step) {
		return nil, fmt.Errorf("%w: min_order_size must be at least order_step_size", ErrInvalidRequest)
	}
	fillFraction := req.MaxFillReserveFraction
	if fillFraction == 0 {
		fillFraction = defaultMaxFillReserveFraction
	}
	maxOI, err := fixed("max_open_interest", req.MaxOpenInterest, num.ReserveScale)
	if err != nil {
		return nil, err
	}
	maxWithdraw, err := fixed("max_revenue_withdraw_per_period", req.MaxRevenueWithdrawPerPeriod, num.QuoteScale)
	if err != nil {
		return nil, err
	}
	maxInsurance, err := fixed("quote_max_insurance", req.QuoteMaxInsurance, num.QuoteScale)
	if err != nil {
		return nil, err
	}
	if maxOI.IsNegative() || maxWithdraw.IsNegative() || maxInsurance.IsNegative() {
		return nil, fmt.Errorf("%w: limits must not be negative", ErrInvalidRequest)
	}
	scale := req.ConcentrationScale
	if scale == 0 {
		scale = 1
	}
	if scale < 0 {
		return nil, fmt.Errorf("%w: concentration_scale must be positive", ErrInvalidRequest)
	}

	now := s.now().UTC()
	ts := now.Unix()
	// the peg and price share a precision, so the launch price is the peg
	launchPrice := seed.PegMultiplier
	market := &model.PerpMarket{
		MarketIndex: index,
		Symbol:      parsed.Symbol,
		Status:      model.StatusActive,
		AMM: model.AMM{
			BaseAssetReserve:       seed.BaseAssetReserve,
			QuoteAssetReserve:      seed.QuoteAssetReserve,
			SqrtK:                  seed.SqrtK,
			PegMultiplier:          seed.PegMultiplier,
			ConcentrationCoef:      repeg.MaxConcentrationCoefficient,
			BaseSpread:             baseSpread,
			MaxSpread:              maxSpread,
			CurveUpdateIntensity:   intensity,
			LastMarkPriceTwap:      launchPrice,
			LastMarkPriceTwap5Min:  launchPrice,
			LastMarkPriceTwapTs:    ts,
			LastFundingRateTs:      ts,
			FundingPeriod:          fundingPeriod,
			MaxOpenInterest:        maxOI,
			MaxFillReserveFraction: fillFraction,
			OrderStepSize:          step,
			MinOrderSize:           minOrder,
			FeePool:                model.PoolBalance{MarketIndex: QuoteMarketIndex, BalanceType: model.Deposit},
			HistoricalOracleData: model.HistoricalOracleData{
				LastOraclePrice:         launchPrice,
				LastOraclePriceTwap:     launchPrice,
				LastOraclePriceTwap5Min: launchPrice,
				LastOraclePriceTwapTs:   ts,
			},
		},
		PnlPool: model.PoolBalance{MarketIndex: QuoteMarketIndex, BalanceType: model.Deposit},
		InsuranceClaim: model.InsuranceClaim{
			MaxRevenueWithdrawPerPeriod: maxWithdraw,
			QuoteMaxInsurance:           maxInsurance,
		},
		MarginRatioInitial:     initial,
		MarginRatioMaintenance: maintenance,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := spread.RefreshTerminalAndBounds(&market.AMM); err != nil {
		return nil, err
	}
	if err := repeg.UpdateConcentrationCoef(market, num.NewInt(scale)); err != nil {
		return nil, err
	}
	return market, nil
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?status=<status>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListPerpMarkets(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if markets == nil {
		markets = []model.PerpMarket{}
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := []model.PerpMarket{}
		for _, m := range markets {
			if string(m.Status) == status {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{index}
// The path segment may also be the market symbol.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.lookupMarket(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// GetPrice handles GET /api/v1/markets/{index}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	market, err := s.lookupMarket(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	summary, err := summarize(market)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetCurveRecords handles GET /api/v1/markets/{index}/curve-records
func (s *Service) GetCurveRecords(w http.ResponseWriter, r *http.Request) {
	market, err := s.lookupMarket(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	records, err := s.store.GetCurveRecords(r.Context(), market.MarketIndex)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if records == nil {
		records = []model.CurveRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Service) lookupMarket(r *http.Request) (*model.PerpMarket, error) {
	raw := chi.URLParam(r, "index")
	if index, err := strconv.ParseUint(raw, 10, 16); err == nil {
		return s.store.GetPerpMarket(r.Context(), uint16(index))
	}
	if _, err := contract.ParseSymbol(raw); err != nil {
		return nil, fmt.Errorf("%w: %q is neither a market index nor a symbol", ErrInvalidRequest, raw)
	}
	return s.store.GetPerpMarketBySymbol(r.Context(), raw)
}

// summarize quotes m at its current reserves.
func summarize(m *model.PerpMarket) (PriceSummary, error) {
	reserve, err := m.AMM.ReservePrice()
	if err != nil {
		return PriceSummary{}, err
	}
	bid, ask, err := curve.BidAskPrice(&m.AMM)
	if err != nil {
		return PriceSummary{}, err
	}
	terminal, _, _, err := curve.TerminalPriceAndReserves(&m.AMM)
	if err != nil {
		return PriceSummary{}, err
	}
	return PriceSummary{
		MarketIndex:   m.MarketIndex,
		Symbol:        m.Symbol,
		ReservePrice:  priceOf(reserve),
		Bid:           priceOf(bid),
		Ask:           priceOf(ask),
		OraclePrice:   priceOf(m.AMM.HistoricalOracleData.LastOraclePrice),
		TerminalPrice: priceOf(terminal),
		LongSpread:    spreadOf(m.AMM.LongSpread),
		ShortSpread:   spreadOf(m.AMM.ShortSpread),
		PegMultiplier: priceOf(m.AMM.PegMultiplier),
		SqrtK:         baseOf(m.AMM.SqrtK),
	}, nil
}

// newCurveRecord captures a committed curve change of m from before and
// advances the market's record id.
func newCurveRecord(m *model.PerpMarket, before *model.AMM, cost, oraclePrice num.Int, ts int64) *model.CurveRecord {
	rec := &model.CurveRecord{
		Ts:                         ts,
		RecordID:                   m.NextCurveRecordID,
		MarketIndex:                m.MarketIndex,
		PegMultiplierBefore:        before.PegMultiplier,
		BaseAssetReserveBefore:     before.BaseAssetReserve,
		QuoteAssetReserveBefore:    before.QuoteAssetReserve,
		SqrtKBefore:                before.SqrtK,
		PegMultiplierAfter:         m.AMM.PegMultiplier,
		BaseAssetReserveAfter:      m.AMM.BaseAssetReserve,
		QuoteAssetReserveAfter:     m.AMM.QuoteAssetReserve,
		SqrtKAfter:                 m.AMM.SqrtK,
		BaseAssetAmountLong:        m.AMM.BaseAssetAmountLong,
		BaseAssetAmountShort:       m.AMM.BaseAssetAmountShort,
		BaseAssetAmountWithAMM:     m.AMM.BaseAssetAmountWithAMM,
		NumberOfUsers:              m.NumberOfUsers,
		AdjustmentCost:             cost,
		TotalFee:                   m.AMM.TotalFee,
		TotalFeeMinusDistributions: m.AMM.TotalFeeMinusDistributions,
		OraclePrice:                oraclePrice,
		FillRecord:                 m.NextFillRecordID,
	}
	m.NextCurveRecordID++
	return rec
}

// observeCurveRecord counts the peg and depth changes rec describes.
func observeCurveRecord(rec *model.CurveRecord, source string) {
	if rec == nil {
		return
	}
	label := marketLabel(rec.MarketIndex)
	if !rec.PegMultiplierBefore.EQ(rec.PegMultiplierAfter) {
		metrics.RepegsTotal.WithLabelValues(label, source).Inc()
	}
	switch {
	case rec.SqrtKAfter.GT(rec.SqrtKBefore):
		metrics.KUpdatesTotal.WithLabelValues(label, "increase").Inc()
	case rec.SqrtKAfter.LT(rec.SqrtKBefore):
		metrics.KUpdatesTotal.WithLabelValues(label, "decrease").Inc()
	}
}
