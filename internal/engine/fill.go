package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/curve"
	"github.com/atmx/perp-engine/internal/fault"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/spread"
)

// MaxFeeBps is the highest taker fee a fill may charge.
const MaxFeeBps = 1000

var bpsDenominator = num.NewInt(10_000)

// fillResult is the outcome of one taker fill against the AMM.
type fillResult struct {
	curve.SwapResult
	Fee      num.Int
	RecordID uint64
}

// fillAMM fills amount of base in dir against m's curve at the quoted
// spread, charges feeBps on the quote amount and books the fee and the
// spread surplus to the market's fee accounting.
func fillAMM(m *model.PerpMarket, dir model.PositionDirection, amount num.Int, feeBps uint32) (fillResult, error) {
	const op = "fill_amm"
	amm := &m.AMM
	switch m.Status {
	case model.StatusActive:
	case model.StatusReduceOnly:
		if !reducesNet(amm.BaseAssetAmountWithAMM, dir) {
			return fillResult{}, fault.Validation(op, "market %d is reduce only", m.MarketIndex)
		}
	default:
		return fillResult{}, fault.Validation(op, "market %d is %s", m.MarketIndex, m.Status)
	}
	if amount.LT(amm.MinOrderSize) {
		return fillResult{}, fault.Validation(op, "amount %s below min order size %s", amount, amm.MinOrderSize)
	}

	c := num.NewCalc(op)
	if !amm.OrderStepSize.IsZero() && !c.Rem(amount, amm.OrderStepSize).IsZero() {
		return fillResult{}, fault.Validation(op, "amount %s is not a multiple of step %s", amount, amm.OrderStepSize)
	}
	maxFill, err := curve.MaxBaseAssetAmountFillable(amm, dir)
	if err != nil {
		return fillResult{}, err
	}
	if amount.GT(maxFill) {
		return fillResult{}, fault.Validation(op, "amount %s above fillable %s", amount, maxFill)
	}

	res, err := curve.SwapBaseAsset(amm, amount, curve.SwapDirectionFor(dir))
	if err != nil {
		return fillResult{}, err
	}
	if amm.MaxOpenInterest.IsPositive() {
		side := amm.BaseAssetAmountLong
		if dir == model.Short {
			side = amm.BaseAssetAmountShort.Abs()
		}
		if side.GT(amm.MaxOpenInterest) {
			return fillResult{}, fault.Validation(op, "%s open interest %s above max %s", dir, side, amm.MaxOpenInterest)
		}
	}

	fee := c.QuoCeil(c.Mul(res.QuoteAssetAmount, num.NewUint(uint64(feeBps))), bpsDenominator)
	toMarket := c.Add(fee, res.QuoteAssetAmountSurplus)
	amm.TotalFee = c.Add(amm.TotalFee, toMarket)
	amm.TotalExchangeFee = c.Add(amm.TotalExchangeFee, fee)
	amm.TotalMMFee = c.Add(amm.TotalMMFee, res.QuoteAssetAmountSurplus)
	amm.TotalFeeMinusDistributions = c.Add(amm.TotalFeeMinusDistributions, toMarket)
	amm.NetRevenueSinceLastFunding = c.Add(amm.NetRevenueSinceLastFunding, toMarket)
	amm.Volume24h = c.Add(amm.Volume24h, res.QuoteAssetAmount)
	if dir == model.Long {
		amm.LongIntensityVolume = c.Add(amm.LongIntensityVolume, res.QuoteAssetAmount)
	} else {
		amm.ShortIntensityVolume = c.Add(amm.ShortIntensityVolume, res.QuoteAssetAmount)
	}
	if err := c.Err(); err != nil {
		return fillResult{}, err
	}

	reservePrice, err := amm.ReservePrice()
	if err != nil {
		return fillResult{}, err
	}
	if _, _, err := spread.UpdateSpreads(amm, reservePrice); err != nil {
		return fillResult{}, err
	}
	recordID := m.NextFillRecordID
	m.NextFillRecordID++
	return fillResult{SwapResult: res, Fee: fee, RecordID: recordID}, nil
}

// reducesNet reports whether a taker fill in dir moves the users' net
// position toward zero.
func reducesNet(net num.Int, dir model.PositionDirection) bool {
	if dir == model.Long {
		return net.IsNegative()
	}
	return net.IsPositive()
}

// checkOpenInterest applies the open-interest limiter to a fill of amount
// in dir on m, with the other markets' committed positions as context.
func (s *Service) checkOpenInterest(ctx context.Context, m *model.PerpMarket, dir model.PositionDirection, amount num.Int) error {
	if s.limiter == nil {
		return nil
	}
	target, err := contract.ParseSymbol(m.Symbol)
	if err != nil {
		return err
	}
	markets, err := s.store.ListPerpMarkets(ctx)
	if err != nil {
		return err
	}
	existing := make(map[string]decimal.Decimal, len(markets))
	for _, other := range markets {
		c, err := contract.ParseSymbol(other.Symbol)
		if err != nil {
			continue
		}
		existing[c.Base] = baseOf(other.AMM.BaseAssetAmountWithAMM)
	}
	existing[target.Base] = baseOf(m.AMM.BaseAssetAmountWithAMM)

	delta := baseOf(amount)
	if dir == model.Short {
		delta = delta.Neg()
	}
	if err := s.limiter.CheckLimit(target.Base, delta, existing); err != nil {
		scope := "market"
		if errors.Is(err, risk.ErrGroupLimitExceeded) {
			scope = "group"
		}
		metrics.OILimitRejections.WithLabelValues(scope).Inc()
		return err
	}
	return nil
}

func (s *Service) fill(ctx context.Context, index uint16, req FillRequest) (*FillResponse, error) {
	dir, err := parseDirection(req.Direction)
	if err != nil {
		return nil, err
	}
	amount, err := positiveFixed("base_amount", req.BaseAmount, num.ReserveScale)
	if err != nil {
		return nil, err
	}
	if req.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("%w: fee_bps %d above %d", ErrInvalidRequest, req.FeeBps, MaxFeeBps)
	}

	var res fillResult
	market, err := s.mutate(ctx, "fill", index, func(m *model.PerpMarket) (*model.CurveRecord, error) {
		if err := s.checkOpenInterest(ctx, m, dir, amount); err != nil {
			return nil, err
		}
		var err error
		res, err = fillAMM(m, dir, amount, req.FeeBps)
		return nil, err
	})
	if err != nil {
		return nil, err
	}

	summary, err := summarize(market)
	if err != nil {
		return nil, err
	}
	baseAmount, quoteAmount := baseOf(amount), quoteOf(res.QuoteAssetAmount)
	resp := &FillResponse{
		FillID:       uuid.New().String(),
		RecordID:     res.RecordID,
		MarketIndex:  market.MarketIndex,
		Direction:    dir.String(),
		BaseAmount:   baseAmount,
		QuoteAmount:  quoteAmount,
		FillPrice:    quoteAmount.DivRound(baseAmount, num.PriceScale.Exp()),
		Fee:          quoteOf(res.Fee),
		Surplus:      quoteOf(res.QuoteAssetAmountSurplus),
		NetPosition:  baseOf(market.AMM.BaseAssetAmountWithAMM),
		PriceSummary: summary,
	}

	metrics.FillsTotal.WithLabelValues(marketLabel(market.MarketIndex), dir.String()).Inc()
	s.log.Info().
		Str("fill_id", resp.FillID).
		Uint16("market_index", market.MarketIndex).
		Uint64("record_id", resp.RecordID).
		Str("direction", resp.Direction).
		Str("base", resp.BaseAmount.String()).
		Str("quote", resp.QuoteAmount.String()).
		Str("fill_price", resp.FillPrice.String()).
		Str("fee", resp.Fee.String()).
		Str("reserve_price", summary.ReservePrice.String()).
		Msg("fill executed")
	s.broadcast(EventFill, market, func(msg *WSMessage) {
		msg.Direction = resp.Direction
		msg.BaseAmount = resp.BaseAmount.String()
	})
	return resp, nil
}

// Fill handles POST /api/v1/markets/{index}/fill
func (s *Service) Fill(w http.ResponseWriter, r *http.Request) {
	index, err := marketIndexParam(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	var req FillRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	resp, err := s.fill(r.Context(), index, req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
