package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
)

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation. Omitted
// optional fields take the defaults applied by CreateMarket.
type CreateMarketRequest struct {
	MarketIndex *uint16         `json:"market_index,omitempty"` // next free index when omitted
	Symbol      string          `json:"symbol"`                 // {BASE}-PERP
	Price       decimal.Decimal `json:"price"`                  // launch reserve price in quote
	Depth       decimal.Decimal `json:"depth"`                  // base units on each side of the curve

	BaseSpread           decimal.Decimal `json:"base_spread"` // fraction of price, 0.001 = 10 bps
	MaxSpread            decimal.Decimal `json:"max_spread"`  // fraction of price
	ConcentrationScale   int64           `json:"concentration_scale"`
	CurveUpdateIntensity *uint8          `json:"curve_update_intensity,omitempty"`
	FundingPeriod        int64           `json:"funding_period"` // seconds

	OrderStepSize          decimal.Decimal `json:"order_step_size"` // base units
	MinOrderSize           decimal.Decimal `json:"min_order_size"`  // base units
	MaxFillReserveFraction uint16          `json:"max_fill_reserve_fraction"`
	MaxOpenInterest        decimal.Decimal `json:"max_open_interest"` // base units, 0 = uncapped

	MaxRevenueWithdrawPerPeriod decimal.Decimal `json:"max_revenue_withdraw_per_period"` // quote
	QuoteMaxInsurance           decimal.Decimal `json:"quote_max_insurance"`             // quote

	MarginRatioInitial     uint32 `json:"margin_ratio_initial"`     // MARGIN precision, 1000 = 10%
	MarginRatioMaintenance uint32 `json:"margin_ratio_maintenance"` // MARGIN precision
}

// FillRequest is the JSON body for POST /markets/{index}/fill.
type FillRequest struct {
	Direction  string          `json:"direction"`   // "long" or "short"
	BaseAmount decimal.Decimal `json:"base_amount"` // base units, positive
	FeeBps     uint32          `json:"fee_bps"`     // taker fee in basis points
}

// FillResponse is the JSON body returned from a fill.
type FillResponse struct {
	FillID       string          `json:"fill_id"`
	RecordID     uint64          `json:"record_id"`
	MarketIndex  uint16          `json:"market_index"`
	Direction    string          `json:"direction"`
	BaseAmount   decimal.Decimal `json:"base_amount"`
	QuoteAmount  decimal.Decimal `json:"quote_amount"`
	FillPrice    decimal.Decimal `json:"fill_price"`
	Fee          decimal.Decimal `json:"fee"`
	Surplus      decimal.Decimal `json:"surplus"`
	NetPosition  decimal.Decimal `json:"net_position"` // users' net base after the fill
	PriceSummary PriceSummary    `json:"price"`
}

// OracleSample is an oracle reading supplied by the caller with its
// validity classification.
type OracleSample struct {
	Price                   decimal.Decimal `json:"price"`
	Confidence              decimal.Decimal `json:"confidence"`
	Delay                   int64           `json:"delay"`
	Validity                string          `json:"validity"` // valid, stale_for_amm, insufficient_data_points, invalid
	HasSufficientDataPoints *bool           `json:"has_sufficient_data_points,omitempty"`
}

// UpdateAMMRequest is the JSON body for POST /markets/{index}/update-amm.
type UpdateAMMRequest struct {
	Oracle OracleSample `json:"oracle"`
}

// UpdateAMMResponse reports the automatic repeg outcome.
type UpdateAMMResponse struct {
	MarketIndex     uint16          `json:"market_index"`
	OptimalPeg      decimal.Decimal `json:"optimal_peg"`
	Budget          decimal.Decimal `json:"budget"`
	Cost            decimal.Decimal `json:"cost"`
	Applied         bool            `json:"applied"`
	CheckLowerBound bool            `json:"check_lower_bound"`
	PriceSummary    PriceSummary    `json:"price"`
}

// RepegRequest is the JSON body for POST /markets/{index}/repeg.
type RepegRequest struct {
	Peg    decimal.Decimal `json:"peg"` // candidate peg as a price
	Oracle OracleSample    `json:"oracle"`
}

// RepegResponse reports an admin repeg.
type RepegResponse struct {
	MarketIndex  uint16          `json:"market_index"`
	PegBefore    decimal.Decimal `json:"peg_before"`
	PegAfter     decimal.Decimal `json:"peg_after"`
	Cost         decimal.Decimal `json:"cost"`
	PriceSummary PriceSummary    `json:"price"`
}

// ConcentrationRequest is the JSON body for POST /markets/{index}/concentration.
type ConcentrationRequest struct {
	Scale int64 `json:"scale"`
}

// FundingRequest is the JSON body for POST /markets/{index}/funding.
type FundingRequest struct {
	MarkTwap    decimal.Decimal `json:"mark_twap"`
	OracleTwap  decimal.Decimal `json:"oracle_twap"`
	OraclePrice decimal.Decimal `json:"oracle_price"`
}

// FundingResponse reports one settled funding period.
type FundingResponse struct {
	MarketIndex  uint16          `json:"market_index"`
	Rate         decimal.Decimal `json:"rate"` // quote per base
	RateLong     decimal.Decimal `json:"rate_long"`
	RateShort    decimal.Decimal `json:"rate_short"`
	ProtocolPnl  decimal.Decimal `json:"protocol_pnl"`
	KUpdated     bool            `json:"k_updated"`
	SqrtK        decimal.Decimal `json:"sqrt_k"`
	NextUpdateTs int64           `json:"next_update_ts"`
}

// SettleRequest is the JSON body for POST /markets/{index}/settle.
type SettleRequest struct {
	UserPnl decimal.Decimal `json:"user_pnl"` // quote; positive is owed to the user
}

// SettleResponse reports the pool balances after a settlement.
type SettleResponse struct {
	MarketIndex uint16          `json:"market_index"`
	Requested   decimal.Decimal `json:"requested"`
	Settled     decimal.Decimal `json:"settled"`
	FeePool     decimal.Decimal `json:"fee_pool"`
	PnlPool     decimal.Decimal `json:"pnl_pool"`
	RevenuePool decimal.Decimal `json:"revenue_pool"`
}

// PriceSummary is the quoted state of a market.
type PriceSummary struct {
	MarketIndex   uint16          `json:"market_index"`
	Symbol        string          `json:"symbol"`
	ReservePrice  decimal.Decimal `json:"reserve_price"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	OraclePrice   decimal.Decimal `json:"oracle_price"`
	TerminalPrice decimal.Decimal `json:"terminal_price"`
	LongSpread    decimal.Decimal `json:"long_spread"`
	ShortSpread   decimal.Decimal `json:"short_spread"`
	PegMultiplier decimal.Decimal `json:"peg_multiplier"`
	SqrtK         decimal.Decimal `json:"sqrt_k"`
}

// --- Parsing helpers ---

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", ErrInvalidRequest)
	}
	return nil
}

func marketIndexParam(r *http.Request) (uint16, error) {
	raw := chi.URLParam(r, "index")
	index, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: market index %q", ErrInvalidRequest, raw)
	}
	return uint16(index), nil
}

// fixed converts a decimal field into the fixed-point precision of scale,
// truncating digits beyond it.
func fixed(field string, d decimal.Decimal, scale num.Scale) (num.Int, error) {
	v, overflow := num.FromDecimal(d, scale.Exp())
	if overflow {
		return num.Int{}, fmt.Errorf("%w: %s %s out of range", ErrInvalidRequest, field, d)
	}
	return v, nil
}

func positiveFixed(field string, d decimal.Decimal, scale num.Scale) (num.Int, error) {
	v, err := fixed(field, d, scale)
	if err != nil {
		return num.Int{}, err
	}
	if !v.IsPositive() {
		return num.Int{}, fmt.Errorf("%w: %s must be positive", ErrInvalidRequest, field)
	}
	return v, nil
}

func parseDirection(s string) (model.PositionDirection, error) {
	switch s {
	case "long":
		return model.Long, nil
	case "short":
		return model.Short, nil
	default:
		return 0, fmt.Errorf("%w: direction must be long or short", ErrInvalidRequest)
	}
}

func parseValidity(s string) (model.OracleValidity, error) {
	switch s {
	case "", "valid":
		return model.OracleValid, nil
	case "stale_for_amm":
		return model.OracleStaleForAMM, nil
	case "insufficient_data_points":
		return model.OracleInsufficientDataPoints, nil
	case "invalid":
		return model.OracleInvalid, nil
	default:
		return 0, fmt.Errorf("%w: unknown oracle validity %q", ErrInvalidRequest, s)
	}
}

func (o OracleSample) parse() (model.OraclePriceData, model.OracleValidity, error) {
	price, err := positiveFixed("oracle price", o.Price, num.PriceScale)
	if err != nil {
		return model.OraclePriceData{}, 0, err
	}
	conf, err := fixed("oracle confidence", o.Confidence, num.PriceScale)
	if err != nil {
		return model.OraclePriceData{}, 0, err
	}
	if conf.IsNegative() || o.Delay < 0 {
		return model.OraclePriceData{}, 0, fmt.Errorf("%w: oracle confidence and delay must not be negative", ErrInvalidRequest)
	}
	validity, err := parseValidity(o.Validity)
	if err != nil {
		return model.OraclePriceData{}, 0, err
	}
	sufficient := true
	if o.HasSufficientDataPoints != nil {
		sufficient = *o.HasSufficientDataPoints
	}
	return model.OraclePriceData{
		Price:                   price,
		Confidence:              conf,
		Delay:                   o.Delay,
		HasSufficientDataPoints: sufficient,
	}, validity, nil
}

func priceOf(v num.Int) decimal.Decimal  { return v.ToDecimal(num.PriceScale.Exp()) }
func quoteOf(v num.Int) decimal.Decimal  { return v.ToDecimal(num.QuoteScale.Exp()) }
func baseOf(v num.Int) decimal.Decimal   { return v.ToDecimal(num.ReserveScale.Exp()) }
func spreadOf(v num.Int) decimal.Decimal { return v.ToDecimal(num.SpreadScale.Exp()) }
func rateOf(v num.Int) decimal.Decimal   { return v.ToDecimal(num.FundingScale.Exp()) }
