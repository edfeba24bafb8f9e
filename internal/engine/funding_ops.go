package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/settle"
)

func (s *Service) updateFunding(ctx context.Context, index uint16, req FundingRequest) (*FundingResponse, error) {
	markTwap, err := positiveFixed("mark_twap", req.MarkTwap, num.PriceScale)
	if err != nil {
		return nil, err
	}
	oracleTwap, err := positiveFixed("oracle_twap", req.OracleTwap, num.PriceScale)
	if err != nil {
		return nil, err
	}
	oraclePrice, err := positiveFixed("oracle_price", req.OraclePrice, num.PriceScale)
	if err != nil {
		return nil, err
	}

	var upd funding.Update
	ts := s.now().Unix()
	market, err := s.mutate(ctx, "funding", index, func(m *model.PerpMarket) (*model.CurveRecord, error) {
		var err error
		upd, err = funding.UpdateRate(m, markTwap, oracleTwap, oraclePrice, ts)
		return upd.CurveRecord, err
	})
	if err != nil {
		return nil, err
	}
	metrics.FundingUpdatesTotal.WithLabelValues(marketLabel(market.MarketIndex)).Inc()
	observeCurveRecord(upd.CurveRecord, "funding")

	amm := &market.AMM
	resp := &FundingResponse{
		MarketIndex:  market.MarketIndex,
		Rate:         rateOf(upd.Rate),
		RateLong:     rateOf(upd.RateLong),
		RateShort:    rateOf(upd.RateShort),
		ProtocolPnl:  quoteOf(upd.ProtocolPnl),
		KUpdated:     upd.CurveRecord != nil,
		SqrtK:        baseOf(amm.SqrtK),
		NextUpdateTs: ts + funding.TimeUntilNextUpdate(ts, amm.LastFundingRateTs, amm.FundingPeriod),
	}
	s.log.Info().
		Uint16("market_index", market.MarketIndex).
		Str("rate", resp.Rate.String()).
		Str("rate_long", resp.RateLong.String()).
		Str("rate_short", resp.RateShort.String()).
		Str("protocol_pnl", resp.ProtocolPnl.String()).
		Bool("k_updated", resp.KUpdated).
		Str("sqrt_k", resp.SqrtK.String()).
		Msg("funding updated")
	s.broadcast(EventFunding, market, func(msg *WSMessage) {
		msg.FundingRate = resp.Rate.String()
	})
	return resp, nil
}

// poolTokens is the signed token amount of a pool balance.
func poolTokens(b model.PoolBalance, spot *model.SpotMarket) (num.Int, error) {
	tokens, err := settle.GetTokenAmount(b.ScaledBalance, spot, b.BalanceType)
	if err != nil {
		return num.Int{}, err
	}
	if b.BalanceType == model.Borrow {
		return tokens.Neg(), nil
	}
	return tokens, nil
}

// settlePools rebalances market index's pools and settles userPnl against
// its PnL pool. The perp and quote spot market are written as one unit.
func (s *Service) settlePools(ctx context.Context, index uint16, req SettleRequest) (*SettleResponse, error) {
	userPnl, err := fixed("user_pnl", req.UserPnl, num.QuoteScale)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	unlock := s.lock(index)
	defer unlock()
	s.spotMu.Lock()
	defer s.spotMu.Unlock()

	market, spot, settled, err := s.applySettlement(ctx, index, userPnl)
	s.observe("settle", start, err)
	if err != nil {
		return nil, err
	}
	observeMarket(market)
	metrics.SettlementsTotal.WithLabelValues(marketLabel(index)).Inc()

	fee, err := poolTokens(market.AMM.FeePool, spot)
	if err != nil {
		return nil, err
	}
	pnl, err := poolTokens(market.PnlPool, spot)
	if err != nil {
		return nil, err
	}
	revenue, err := poolTokens(spot.RevenuePool, spot)
	if err != nil {
		return nil, err
	}
	resp := &SettleResponse{
		MarketIndex: index,
		Requested:   quoteOf(userPnl),
		Settled:     quoteOf(settled),
		FeePool:     quoteOf(fee),
		PnlPool:     quoteOf(pnl),
		RevenuePool: quoteOf(revenue),
	}
	s.log.Info().
		Uint16("market_index", index).
		Str("requested", resp.Requested.String()).
		Str("settled", resp.Settled.String()).
		Str("fee_pool", resp.FeePool.String()).
		Str("pnl_pool", resp.PnlPool.String()).
		Str("revenue_pool", resp.RevenuePool.String()).
		Msg("pools settled")
	s.broadcast(EventPoolsSettled, market, nil)
	return resp, nil
}

func (s *Service) applySettlement(ctx context.Context, index uint16, userPnl num.Int) (*model.PerpMarket, *model.SpotMarket, num.Int, error) {
	current, err := s.store.GetPerpMarket(ctx, index)
	if err != nil {
		return nil, nil, num.Int{}, err
	}
	currentSpot, err := s.store.GetSpotMarket(ctx, current.PnlPool.MarketIndex)
	if err != nil {
		return nil, nil, num.Int{}, err
	}
	market, spot := current.Clone(), currentSpot.Clone()
	settled, err := settle.UpdatePoolBalances(market, spot, userPnl, s.now().Unix())
	if err != nil {
		return nil, nil, num.Int{}, err
	}
	market.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateMarkets(ctx, market, spot); err != nil {
		return nil, nil, num.Int{}, err
	}
	return market, spot, settled, nil
}

// UpdateFunding handles POST /api/v1/markets/{index}/funding
func (s *Service) UpdateFunding(w http.ResponseWriter, r *http.Request) {
	index, err := marketIndexParam(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	var req FundingRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	resp, err := s.updateFunding(r.Context(), index, req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SettlePools handles POST /api/v1/markets/{index}/settle
func (s *Service) SettlePools(w http.ResponseWriter, r *http.Request) {
	index, err := marketIndexParam(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	var req SettleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	resp, err := s.settlePools(r.Context(), index, req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
