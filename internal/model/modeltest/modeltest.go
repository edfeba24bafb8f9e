// Package modeltest provides market fixtures for tests across the engine.
package modeltest

import (
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
)

// I is shorthand for num.NewInt.
func I(v int64) num.Int { return num.NewInt(v) }

// S parses a base-10 integer literal that may not fit in int64.
func S(v string) num.Int { return num.MustFromString(v) }

// Quote returns v whole units in QUOTE precision.
func Quote(v int64) num.Int { return I(v * 1_000_000) }

// Market returns a SOL-PERP style market with users net short about 12.3
// base against a 500 sqrt_k curve pegged at 50. Its terminal reserves are
// exactly 500/500 so the concentration bounds are round numbers.
func Market() *model.PerpMarket {
	return &model.PerpMarket{
		MarketIndex: 0,
		Symbol:      "SOL-PERP",
		Status:      model.StatusActive,
		AMM: model.AMM{
			BaseAssetReserve:           I(512_295_081_967),
			QuoteAssetReserve:          I(488_000_000_000),
			SqrtK:                      I(500_000_000_000),
			PegMultiplier:              I(50_000_000),
			ConcentrationCoef:          I(1_414_200),
			MinBaseAssetReserve:        I(353_556_781_219),
			MaxBaseAssetReserve:        I(707_100_000_000),
			TerminalQuoteAssetReserve:  I(500_000_000_000),
			AskBaseAssetReserve:        I(512_295_081_967),
			AskQuoteAssetReserve:       I(488_000_000_000),
			BidBaseAssetReserve:        I(512_295_081_967),
			BidQuoteAssetReserve:       I(488_000_000_000),
			MaxSpread:                  I(20_000),
			CurveUpdateIntensity:       100,
			BaseAssetAmountWithAMM:     I(-12_295_081_967),
			BaseAssetAmountShort:       I(-12_295_081_967),
			TotalFeeMinusDistributions: Quote(1000),
			FundingPeriod:              3600,
			MaxFillReserveFraction:     100,
			OrderStepSize:              I(10_000_000),
			MinOrderSize:               I(10_000_000),
			FeePool:                    model.PoolBalance{BalanceType: model.Deposit},
			HistoricalOracleData: model.HistoricalOracleData{
				LastOraclePrice:     I(50_000_000),
				LastOraclePriceTwap: I(50_000_000),
			},
		},
		PnlPool:                model.PoolBalance{BalanceType: model.Deposit},
		NumberOfUsers:          1,
		MarginRatioInitial:     1000,
		MarginRatioMaintenance: 500,
	}
}

// SpotMarket returns a quote spot market with unit interest indices and
// zero decimals, so scaled balances map 1e9:1 onto token amounts.
func SpotMarket() *model.SpotMarket {
	return &model.SpotMarket{
		MarketIndex:               0,
		Symbol:                    "USDC",
		Decimals:                  0,
		CumulativeDepositInterest: num.SpotInterestPrecision,
		CumulativeBorrowInterest:  num.SpotInterestPrecision,
		RevenuePool:               model.PoolBalance{BalanceType: model.Deposit},
	}
}
