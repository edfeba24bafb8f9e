// Package engine provides the HTTP handlers and orchestration for the perp
// markets: creating markets, filling against the AMM, repegging, funding
// and pool settlement.
//
// Every mutation runs the vAMM core on a copy of the market while holding
// that market's lock, and the copy is persisted only when the core
// succeeds. Fixed-point state stays in num.Int; request and response
// bodies use shopspring/decimal.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/fault"
	"github.com/atmx/perp-engine/internal/logger"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/telemetry"
)

// ErrInvalidRequest marks malformed or out-of-range request input.
var ErrInvalidRequest = errors.New("engine: invalid request")

// QuoteMarketIndex is the spot market every perp pool balance lives in.
const QuoteMarketIndex uint16 = 0

// Service handles market operations. Mutations of one market are
// serialized by a per-market mutex; different markets proceed in
// parallel. Operations that also write the quote spot market take spotMu
// after the market lock.
type Service struct {
	store   store.Store
	limiter *risk.OILimiter
	hub     *WSHub
	emitter *telemetry.Emitter
	log     zerolog.Logger
	now     func() time.Time

	locksMu sync.Mutex
	locks   map[uint16]*sync.Mutex
	spotMu  sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock used for timestamps and funding
// schedules.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger replaces the component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// NewService creates a new engine service. hub and emitter may be nil.
func NewService(st store.Store, limiter *risk.OILimiter, hub *WSHub, emitter *telemetry.Emitter, opts ...Option) *Service {
	s := &Service{
		store:   st,
		limiter: limiter,
		hub:     hub,
		emitter: emitter,
		log:     logger.GetForComponent("engine"),
		now:     time.Now,
		locks:   make(map[uint16]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureQuoteMarket creates the USDC spot market if it does not exist yet.
func (s *Service) EnsureQuoteMarket(ctx context.Context) (*model.SpotMarket, error) {
	s.spotMu.Lock()
	defer s.spotMu.Unlock()

	spot, err := s.store.GetSpotMarket(ctx, QuoteMarketIndex)
	if err == nil {
		return spot, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	spot = &model.SpotMarket{
		MarketIndex:               QuoteMarketIndex,
		Symbol:                    "USDC",
		Decimals:                  6,
		CumulativeDepositInterest: num.SpotInterestPrecision,
		CumulativeBorrowInterest:  num.SpotInterestPrecision,
		RevenuePool:               model.PoolBalance{MarketIndex: QuoteMarketIndex, BalanceType: model.Deposit},
		InsuranceFund:             model.InsuranceFund{RevenueSettlePeriod: 3600},
	}
	if err := s.store.PutSpotMarket(ctx, spot); err != nil {
		return nil, err
	}
	s.log.Info().Uint16("spot_market", spot.MarketIndex).Str("symbol", spot.Symbol).Msg("quote spot market created")
	return spot, nil
}

func (s *Service) lock(index uint16) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[index]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[index] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// mutate loads market index under its lock, runs fn on a copy and
// persists the copy when fn succeeds. A curve record returned by fn is
// stored and published while the lock is still held, so records of one
// market leave in id order. The returned market is the committed state.
func (s *Service) mutate(ctx context.Context, op string, index uint16, fn func(m *model.PerpMarket) (*model.CurveRecord, error)) (*model.PerpMarket, error) {
	start := time.Now()
	unlock := s.lock(index)
	defer unlock()

	next, rec, err := s.apply(ctx, index, fn)
	s.observe(op, start, err)
	if err != nil {
		return nil, err
	}
	s.record(ctx, rec)
	observeMarket(next)
	return next, nil
}

func (s *Service) apply(ctx context.Context, index uint16, fn func(m *model.PerpMarket) (*model.CurveRecord, error)) (*model.PerpMarket, *model.CurveRecord, error) {
	current, err := s.store.GetPerpMarket(ctx, index)
	if err != nil {
		return nil, nil, err
	}
	next := current.Clone()
	rec, err := fn(next)
	if err != nil {
		return nil, nil, err
	}
	next.UpdatedAt = s.now().UTC()
	if err := s.store.UpdatePerpMarket(ctx, next); err != nil {
		return nil, nil, err
	}
	return next, rec, nil
}

// record persists and publishes a committed curve record. The market
// change is already durable, so failures are logged only.
func (s *Service) record(ctx context.Context, rec *model.CurveRecord) {
	if rec == nil {
		return
	}
	if err := s.store.InsertCurveRecord(ctx, rec); err != nil {
		metrics.TelemetryErrors.WithLabelValues("store").Inc()
		s.log.Error().Err(err).
			Uint16("market_index", rec.MarketIndex).
			Uint64("record_id", rec.RecordID).
			Msg("failed to store curve record")
	}
	s.emitter.Emit(ctx, rec)
}

func (s *Service) observe(op string, start time.Time, err error) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OperationErrors.WithLabelValues(op, errorKind(err)).Inc()
	}
}

func errorKind(err error) string {
	if k := fault.KindOf(err); k != 0 {
		return k.String()
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, risk.ErrMarketLimitExceeded), errors.Is(err, risk.ErrGroupLimitExceeded):
		return "risk"
	case errors.Is(err, ErrInvalidRequest):
		return "request"
	default:
		return "internal"
	}
}

func marketLabel(index uint16) string {
	return strconv.FormatUint(uint64(index), 10)
}

// observeMarket refreshes the per-market gauges from committed state.
func observeMarket(m *model.PerpMarket) {
	label := marketLabel(m.MarketIndex)
	amm := &m.AMM
	metrics.PegMultiplier.WithLabelValues(label).Set(amm.PegMultiplier.ToDecimal(num.PegScale.Exp()).InexactFloat64())
	metrics.SqrtK.WithLabelValues(label).Set(amm.SqrtK.ToDecimal(num.ReserveScale.Exp()).InexactFloat64())
	metrics.Spread.WithLabelValues(label, "long").Set(amm.LongSpread.ToDecimal(num.SpreadScale.Exp()).InexactFloat64())
	metrics.Spread.WithLabelValues(label, "short").Set(amm.ShortSpread.ToDecimal(num.SpreadScale.Exp()).InexactFloat64())
	metrics.FundingRate.WithLabelValues(label, "long").Set(amm.LastFundingRateLong.ToDecimal(num.FundingScale.Exp()).InexactFloat64())
	metrics.FundingRate.WithLabelValues(label, "short").Set(amm.LastFundingRateShort.ToDecimal(num.FundingScale.Exp()).InexactFloat64())
	metrics.FeeMinusDistributions.WithLabelValues(label).Set(amm.TotalFeeMinusDistributions.ToDecimal(num.QuoteScale.Exp()).InexactFloat64())
}

// statusFor maps an operation error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, contract.ErrInvalidSymbol),
		errors.Is(err, contract.ErrInvalidSeed):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrMarketExists),
		errors.Is(err, risk.ErrMarketLimitExceeded),
		errors.Is(err, risk.ErrGroupLimitExceeded),
		errors.Is(err, fault.ErrValidation):
		return http.StatusConflict
	case errors.Is(err, fault.ErrArithmetic):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes err with its mapped status. Internal errors are
// logged and hidden from the client.
func (s *Service) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
