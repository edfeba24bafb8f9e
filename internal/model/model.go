// Package model defines the core domain types shared across the perp engine.
// All quantities are fixed-point integers (num.Int) in the precision named
// on each field; never float64 for money.
package model

import (
	"time"

	"github.com/atmx/perp-engine/internal/num"
)

// SwapDirection is the side of the curve a swap touches. Add puts base
// into the pool (taker short), Remove takes base out (taker long).
type SwapDirection uint8

const (
	SwapAdd SwapDirection = iota
	SwapRemove
)

func (d SwapDirection) String() string {
	if d == SwapAdd {
		return "add"
	}
	return "remove"
}

// PositionDirection is the taker side of a fill.
type PositionDirection uint8

const (
	Long PositionDirection = iota
	Short
)

func (d PositionDirection) String() string {
	if d == Long {
		return "long"
	}
	return "short"
}

// Opposite returns the other direction.
func (d PositionDirection) Opposite() PositionDirection {
	if d == Long {
		return Short
	}
	return Long
}

// BalanceType tags a pool balance as an asset (Deposit) or liability (Borrow).
type BalanceType uint8

const (
	Deposit BalanceType = iota
	Borrow
)

func (b BalanceType) String() string {
	if b == Deposit {
		return "deposit"
	}
	return "borrow"
}

// OracleValidity is the caller-supplied classification of an oracle sample.
type OracleValidity uint8

const (
	OracleValid OracleValidity = iota
	OracleStaleForAMM
	OracleInsufficientDataPoints
	OracleInvalid
)

// IsValid reports whether the sample may drive the curve.
func (v OracleValidity) IsValid() bool { return v == OracleValid }

func (v OracleValidity) String() string {
	switch v {
	case OracleValid:
		return "valid"
	case OracleStaleForAMM:
		return "stale_for_amm"
	case OracleInsufficientDataPoints:
		return "insufficient_data_points"
	default:
		return "invalid"
	}
}

// MarketStatus is the lifecycle state of a perp market.
type MarketStatus string

const (
	StatusInitialized MarketStatus = "initialized"
	StatusActive      MarketStatus = "active"
	StatusReduceOnly  MarketStatus = "reduce_only"
	StatusPaused      MarketStatus = "paused"
)

// PoolBalance is a scaled token balance held by the protocol. The sign is
// carried by BalanceType; ScaledBalance is always >= 0 and converts to a
// token amount through the spot market's cumulative interest index.
type PoolBalance struct {
	ScaledBalance num.Int     `json:"scaled_balance"` // SPOT_BALANCE precision
	MarketIndex   uint16      `json:"market_index"`
	BalanceType   BalanceType `json:"balance_type"`
}

// HistoricalOracleData is the last oracle state the market observed.
type HistoricalOracleData struct {
	LastOraclePrice         num.Int `json:"last_oracle_price"`
	LastOracleConf          num.Int `json:"last_oracle_conf"`
	LastOracleDelay         int64   `json:"last_oracle_delay"`
	LastOraclePriceTwap     num.Int `json:"last_oracle_price_twap"`
	LastOraclePriceTwap5Min num.Int `json:"last_oracle_price_twap_5min"`
	LastOraclePriceTwapTs   int64   `json:"last_oracle_price_twap_ts"`
}

// AMM is the virtual constant-product curve of one market plus the fee
// and funding accounting it drives.
type AMM struct {
	// curve; reserves in AMM_RESERVE precision, peg in PEG precision
	BaseAssetReserve          num.Int `json:"base_asset_reserve"`
	QuoteAssetReserve         num.Int `json:"quote_asset_reserve"`
	SqrtK                     num.Int `json:"sqrt_k"`
	PegMultiplier             num.Int `json:"peg_multiplier"`
	ConcentrationCoef         num.Int `json:"concentration_coef"`
	MinBaseAssetReserve       num.Int `json:"min_base_asset_reserve"`
	MaxBaseAssetReserve       num.Int `json:"max_base_asset_reserve"`
	TerminalQuoteAssetReserve num.Int `json:"terminal_quote_asset_reserve"`

	// shadow reserves quoted to takers
	AskBaseAssetReserve  num.Int `json:"ask_base_asset_reserve"`
	AskQuoteAssetReserve num.Int `json:"ask_quote_asset_reserve"`
	BidBaseAssetReserve  num.Int `json:"bid_base_asset_reserve"`
	BidQuoteAssetReserve num.Int `json:"bid_quote_asset_reserve"`

	// spreads in BID_ASK_SPREAD precision
	BaseSpread           num.Int `json:"base_spread"`
	MaxSpread            num.Int `json:"max_spread"`
	LongSpread           num.Int `json:"long_spread"`
	ShortSpread          num.Int `json:"short_spread"`
	ReferencePriceOffset num.Int `json:"reference_price_offset"`
	CurveUpdateIntensity uint8   `json:"curve_update_intensity"`

	// volatility and oracle inputs to the spread model
	LastOracleReservePriceSpreadPct num.Int              `json:"last_oracle_reserve_price_spread_pct"`
	LastOracleConfPct               num.Int              `json:"last_oracle_conf_pct"`
	LastOracleValid                 bool                 `json:"last_oracle_valid"`
	MarkStd                         num.Int              `json:"mark_std"`
	OracleStd                       num.Int              `json:"oracle_std"`
	LongIntensityVolume             num.Int              `json:"long_intensity_volume"`
	ShortIntensityVolume            num.Int              `json:"short_intensity_volume"`
	Volume24h                       num.Int              `json:"volume_24h"`
	LastMarkPriceTwap               num.Int              `json:"last_mark_price_twap"`
	LastMarkPriceTwap5Min           num.Int              `json:"last_mark_price_twap_5min"`
	LastMarkPriceTwapTs             int64                `json:"last_mark_price_twap_ts"`
	HistoricalOracleData            HistoricalOracleData `json:"historical_oracle_data"`

	// fees in QUOTE precision
	TotalFee                   num.Int     `json:"total_fee"`
	TotalMMFee                 num.Int     `json:"total_mm_fee"`
	TotalExchangeFee           num.Int     `json:"total_exchange_fee"`
	TotalFeeMinusDistributions num.Int     `json:"total_fee_minus_distributions"`
	TotalFeeWithdrawn          num.Int     `json:"total_fee_withdrawn"`
	TotalLiquidationFee        num.Int     `json:"total_liquidation_fee"`
	FeePool                    PoolBalance `json:"fee_pool"`

	// funding; rates in FUNDING_RATE precision times FUNDING_RATE_BUFFER
	CumulativeFundingRateLong  num.Int `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort num.Int `json:"cumulative_funding_rate_short"`
	LastFundingRate            num.Int `json:"last_funding_rate"`
	LastFundingRateLong        num.Int `json:"last_funding_rate_long"`
	LastFundingRateShort       num.Int `json:"last_funding_rate_short"`
	Last24hAvgFundingRate      num.Int `json:"last_24h_avg_funding_rate"`
	LastFundingRateTs          int64   `json:"last_funding_rate_ts"`
	FundingPeriod              int64   `json:"funding_period"`
	NetRevenueSinceLastFunding num.Int `json:"net_revenue_since_last_funding"`

	// net position in BASE precision
	BaseAssetAmountWithAMM         num.Int `json:"base_asset_amount_with_amm"`
	BaseAssetAmountWithUnsettledLP num.Int `json:"base_asset_amount_with_unsettled_lp"`
	BaseAssetAmountLong            num.Int `json:"base_asset_amount_long"`
	BaseAssetAmountShort           num.Int `json:"base_asset_amount_short"`
	QuoteAssetAmount               num.Int `json:"quote_asset_amount"`
	MaxOpenInterest                num.Int `json:"max_open_interest"`

	// order sizing
	MaxFillReserveFraction uint16  `json:"max_fill_reserve_fraction"`
	OrderStepSize          num.Int `json:"order_step_size"`
	MinOrderSize           num.Int `json:"min_order_size"`
}

// ReservePrice is the mid price of the true curve, or an error when the
// base reserve is zero.
func (a *AMM) ReservePrice() (num.Int, error) {
	c := num.NewCalc("reserve_price")
	p := c.MulDiv(a.QuoteAssetReserve, a.PegMultiplier, a.BaseAssetReserve)
	return p, c.Err()
}

// InsuranceClaim throttles how much the market may draw from the revenue
// pool per period.
type InsuranceClaim struct {
	RevenueWithdrawSinceLastSettle num.Int `json:"revenue_withdraw_since_last_settle"`
	MaxRevenueWithdrawPerPeriod    num.Int `json:"max_revenue_withdraw_per_period"`
	QuoteMaxInsurance              num.Int `json:"quote_max_insurance"`
	QuoteSettledInsurance          num.Int `json:"quote_settled_insurance"`
	LastRevenueWithdrawTs          int64   `json:"last_revenue_withdraw_ts"`
}

// PerpMarket is the record every core operation mutates. It holds no
// pointers, so a plain copy is a deep copy.
type PerpMarket struct {
	MarketIndex            uint16         `json:"market_index"`
	Symbol                 string         `json:"symbol"`
	Status                 MarketStatus   `json:"status"`
	AMM                    AMM            `json:"amm"`
	PnlPool                PoolBalance    `json:"pnl_pool"`
	InsuranceClaim         InsuranceClaim `json:"insurance_claim"`
	NumberOfUsers          uint32         `json:"number_of_users"`
	NextCurveRecordID      uint64         `json:"next_curve_record_id"`
	NextFillRecordID       uint64         `json:"next_fill_record_id"`
	MarginRatioInitial     uint32         `json:"margin_ratio_initial"`     // MARGIN precision
	MarginRatioMaintenance uint32         `json:"margin_ratio_maintenance"` // MARGIN precision
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// Clone returns an independent copy for what-if computations.
func (m *PerpMarket) Clone() *PerpMarket {
	c := *m
	return &c
}

// InsuranceFund holds the revenue-pool settlement clock of a spot market.
type InsuranceFund struct {
	LastRevenueSettleTs int64 `json:"last_revenue_settle_ts"`
	RevenueSettlePeriod int64 `json:"revenue_settle_period"`
}

// SpotMarket is the quote-asset ledger that backs every pool balance.
type SpotMarket struct {
	MarketIndex               uint16        `json:"market_index"`
	Symbol                    string        `json:"symbol"`
	Decimals                  uint32        `json:"decimals"`
	CumulativeDepositInterest num.Int       `json:"cumulative_deposit_interest"` // SPOT_CUMULATIVE_INTEREST precision
	CumulativeBorrowInterest  num.Int       `json:"cumulative_borrow_interest"`
	DepositBalance            num.Int       `json:"deposit_balance"` // SPOT_BALANCE precision
	BorrowBalance             num.Int       `json:"borrow_balance"`
	RevenuePool               PoolBalance   `json:"revenue_pool"`
	InsuranceFund             InsuranceFund `json:"insurance_fund"`
}

// Clone returns an independent copy.
func (s *SpotMarket) Clone() *SpotMarket {
	c := *s
	return &c
}

// OraclePriceData is one oracle sample. Validity is classified by the
// caller and passed alongside it.
type OraclePriceData struct {
	Price                   num.Int `json:"price"`      // PRICE precision
	Confidence              num.Int `json:"confidence"` // PRICE precision
	Delay                   int64   `json:"delay"`
	HasSufficientDataPoints bool    `json:"has_sufficient_data_points"`
}

// CurveRecord is emitted on every committed curve change. It is an
// immutable telemetry record, never read back for control flow.
type CurveRecord struct {
	Ts                         int64   `json:"ts"`
	RecordID                   uint64  `json:"record_id"`
	MarketIndex                uint16  `json:"market_index"`
	PegMultiplierBefore        num.Int `json:"peg_multiplier_before"`
	BaseAssetReserveBefore     num.Int `json:"base_asset_reserve_before"`
	QuoteAssetReserveBefore    num.Int `json:"quote_asset_reserve_before"`
	SqrtKBefore                num.Int `json:"sqrt_k_before"`
	PegMultiplierAfter         num.Int `json:"peg_multiplier_after"`
	BaseAssetReserveAfter      num.Int `json:"base_asset_reserve_after"`
	QuoteAssetReserveAfter     num.Int `json:"quote_asset_reserve_after"`
	SqrtKAfter                 num.Int `json:"sqrt_k_after"`
	BaseAssetAmountLong        num.Int `json:"base_asset_amount_long"`
	BaseAssetAmountShort       num.Int `json:"base_asset_amount_short"`
	BaseAssetAmountWithAMM     num.Int `json:"base_asset_amount_with_amm"`
	NumberOfUsers              uint32  `json:"number_of_users"`
	AdjustmentCost             num.Int `json:"adjustment_cost"`
	TotalFee                   num.Int `json:"total_fee"`
	TotalFeeMinusDistributions num.Int `json:"total_fee_minus_distributions"`
	OraclePrice                num.Int `json:"oracle_price"`
	FillRecord                 uint64  `json:"fill_record"`
}
