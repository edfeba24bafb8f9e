package engine

import (
	"context"
	"fmt"
	"net/http"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/repeg"
)

func (s *Service) updateAMM(ctx context.Context, index uint16, req UpdateAMMRequest) (*UpdateAMMResponse, error) {
	oracle, validity, err := req.Oracle.parse()
	if err != nil {
		return nil, err
	}

	var res repeg.UpdateResult
	var rec *model.CurveRecord
	market, err := s.mutate(ctx, "update_amm", index, func(m *model.PerpMarket) (*model.CurveRecord, error) {
		before := m.AMM
		ts := s.now().Unix()
		var err error
		res, err = repeg.UpdateAMM(m, oracle, validity, ts)
		if err != nil {
			return nil, err
		}
		if !before.PegMultiplier.EQ(m.AMM.PegMultiplier) || !before.SqrtK.EQ(m.AMM.SqrtK) {
			rec = newCurveRecord(m, &before, res.Cost, oracle.Price, ts)
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	observeCurveRecord(rec, "auto")

	summary, err := summarize(market)
	if err != nil {
		return nil, err
	}
	resp := &UpdateAMMResponse{
		MarketIndex:     market.MarketIndex,
		OptimalPeg:      priceOf(res.OptimalPeg),
		Budget:          quoteOf(res.Budget),
		Cost:            quoteOf(res.Cost),
		Applied:         res.Applied,
		CheckLowerBound: res.CheckLowerBound,
		PriceSummary:    summary,
	}
	s.log.Info().
		Uint16("market_index", market.MarketIndex).
		Str("validity", validity.String()).
		Str("oracle_price", priceOf(oracle.Price).String()).
		Str("optimal_peg", resp.OptimalPeg.String()).
		Str("cost", resp.Cost.String()).
		Bool("applied", resp.Applied).
		Str("peg", summary.PegMultiplier.String()).
		Msg("amm updated")
	s.broadcast(EventAMMUpdated, market, nil)
	return resp, nil
}

func (s *Service) adminRepeg(ctx context.Context, index uint16, req RepegRequest) (*RepegResponse, error) {
	newPeg, err := positiveFixed("peg", req.Peg, num.PegScale)
	if err != nil {
		return nil, err
	}
	oracle, validity, err := req.Oracle.parse()
	if err != nil {
		return nil, err
	}

	var cost, pegBefore num.Int
	var rec *model.CurveRecord
	market, err := s.mutate(ctx, "repeg", index, func(m *model.PerpMarket) (*model.CurveRecord, error) {
		before := m.AMM
		pegBefore = before.PegMultiplier
		var err error
		cost, err = repeg.Repeg(m, oracle, validity, newPeg)
		if err != nil {
			return nil, err
		}
		rec = newCurveRecord(m, &before, cost, oracle.Price, s.now().Unix())
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	observeCurveRecord(rec, "admin")

	summary, err := summarize(market)
	if err != nil {
		return nil, err
	}
	resp := &RepegResponse{
		MarketIndex:  market.MarketIndex,
		PegBefore:    priceOf(pegBefore),
		PegAfter:     priceOf(market.AMM.PegMultiplier),
		Cost:         quoteOf(cost),
		PriceSummary: summary,
	}
	s.log.Info().
		Uint16("market_index", market.MarketIndex).
		Str("peg_before", resp.PegBefore.String()).
		Str("peg_after", resp.PegAfter.String()).
		Str("cost", resp.Cost.String()).
		Msg("market repegged")
	s.broadcast(EventRepeg, market, nil)
	return resp, nil
}

func (s *Service) setConcentration(ctx context.Context, index uint16, req ConcentrationRequest) (*model.PerpMarket, error) {
	if req.Scale <= 0 {
		return nil, fmt.Errorf("%w: scale must be positive", ErrInvalidRequest)
	}
	market, err := s.mutate(ctx, "concentration", index, func(m *model.PerpMarket) (*model.CurveRecord, error) {
		return nil, repeg.UpdateConcentrationCoef(m, num.NewInt(req.Scale))
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Uint16("market_index", market.MarketIndex).
		Int64("scale", req.Scale).
		Str("concentration_coef", market.AMM.ConcentrationCoef.String()).
		Str("min_base_reserve", baseOf(market.AMM.MinBaseAssetReserve).String()).
		Str("max_base_reserve", baseOf(market.AMM.MaxBaseAssetReserve).String()).
		Msg("concentration updated")
	s.broadcast(EventConcentration, market, nil)
	return market, nil
}

// UpdateAMM handles POST /api/v1/markets/{index}/update-amm
func (s *Service) UpdateAMM(w http.ResponseWriter, r *http.Request) {
	index, err := marketIndexParam(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	var req UpdateAMMRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	resp, err := s.updateAMM(r.Context(), index, req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Repeg handles POST /api/v1/markets/{index}/repeg
func (s *Service) Repeg(w http.ResponseWriter, r *http.Request) {
	index, err := marketIndexParam(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	var req RepegRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	resp, err := s.adminRepeg(r.Context(), index, req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetConcentration handles POST /api/v1/markets/{index}/concentration
func (s *Service) SetConcentration(w http.ResponseWriter, r *http.Request) {
	index, err := marketIndexParam(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	var req ConcentrationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	market, err := s.setConcentration(r.Context(), index, req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}
