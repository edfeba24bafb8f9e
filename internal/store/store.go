// Package store defines the persistence interface for the perp engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market or spot market does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrMarketExists is returned when a market index or symbol is taken.
	ErrMarketExists = errors.New("store: market already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Perp markets ---

	// CreatePerpMarket persists a new market.
	CreatePerpMarket(ctx context.Context, market *model.PerpMarket) error

	// GetPerpMarket retrieves a market by its index.
	GetPerpMarket(ctx context.Context, index uint16) (*model.PerpMarket, error)

	// GetPerpMarketBySymbol retrieves a market by its symbol.
	GetPerpMarketBySymbol(ctx context.Context, symbol string) (*model.PerpMarket, error)

	// ListPerpMarkets returns all markets ordered by index.
	ListPerpMarkets(ctx context.Context) ([]model.PerpMarket, error)

	// UpdatePerpMarket replaces the stored state of an existing market.
	UpdatePerpMarket(ctx context.Context, market *model.PerpMarket) error

	// --- Spot markets ---

	// GetSpotMarket retrieves the spot market backing pool balances.
	GetSpotMarket(ctx context.Context, index uint16) (*model.SpotMarket, error)

	// PutSpotMarket creates or replaces a spot market.
	PutSpotMarket(ctx context.Context, spot *model.SpotMarket) error

	// UpdateMarkets replaces a perp market and its spot market together,
	// as one unit. Pool settlement moves value between them.
	UpdateMarkets(ctx context.Context, market *model.PerpMarket, spot *model.SpotMarket) error

	// --- Curve records ---

	// InsertCurveRecord appends an immutable curve-change record.
	InsertCurveRecord(ctx context.Context, rec *model.CurveRecord) error

	// GetCurveRecords returns a market's curve records, oldest first.
	GetCurveRecords(ctx context.Context, marketIndex uint16) ([]model.CurveRecord, error)
}
