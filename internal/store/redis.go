package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePerpMarket(ctx context.Context, m *model.PerpMarket) error {
	if err := s.primary.CreatePerpMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdatePerpMarket(ctx context.Context, m *model.PerpMarket) error {
	if err := s.primary.UpdatePerpMarket(ctx, m); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, marketKey(m.MarketIndex))
	return nil
}

func (s *CachedStore) PutSpotMarket(ctx context.Context, spot *model.SpotMarket) error {
	if err := s.primary.PutSpotMarket(ctx, spot); err != nil {
		return err
	}
	s.rdb.Del(ctx, spotKey(spot.MarketIndex))
	return nil
}

func (s *CachedStore) UpdateMarkets(ctx context.Context, m *model.PerpMarket, spot *model.SpotMarket) error {
	if err := s.primary.UpdateMarkets(ctx, m, spot); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(m.MarketIndex), spotKey(spot.MarketIndex))
	return nil
}

func (s *CachedStore) InsertCurveRecord(ctx context.Context, rec *model.CurveRecord) error {
	return s.primary.InsertCurveRecord(ctx, rec)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPerpMarket(ctx context.Context, index uint16) (*model.PerpMarket, error) {
	data, err := s.rdb.Get(ctx, marketKey(index)).Bytes()
	if err == nil {
		var m model.PerpMarket
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetPerpMarket(ctx, index)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetPerpMarketBySymbol(ctx context.Context, symbol string) (*model.PerpMarket, error) {
	// Try cache via symbol→index mapping.
	idx, err := s.rdb.Get(ctx, symbolKey(symbol)).Result()
	if err == nil {
		if index, perr := strconv.ParseUint(idx, 10, 16); perr == nil {
			return s.GetPerpMarket(ctx, uint16(index))
		}
	}

	m, err := s.primary.GetPerpMarketBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, symbolKey(symbol), strconv.Itoa(int(m.MarketIndex)), s.ttl)
	return m, nil
}

func (s *CachedStore) GetSpotMarket(ctx context.Context, index uint16) (*model.SpotMarket, error) {
	data, err := s.rdb.Get(ctx, spotKey(index)).Bytes()
	if err == nil {
		var spot model.SpotMarket
		if json.Unmarshal(data, &spot) == nil {
			return &spot, nil
		}
	}

	spot, err := s.primary.GetSpotMarket(ctx, index)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(spot); err == nil {
		s.rdb.Set(ctx, spotKey(index), data, s.ttl)
	}
	return spot, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPerpMarkets(ctx context.Context) ([]model.PerpMarket, error) {
	return s.primary.ListPerpMarkets(ctx)
}

func (s *CachedStore) GetCurveRecords(ctx context.Context, marketIndex uint16) ([]model.CurveRecord, error) {
	return s.primary.GetCurveRecords(ctx, marketIndex)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.PerpMarket) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.MarketIndex), data, s.ttl)
	}
}

func marketKey(index uint16) string  { return fmt.Sprintf("perp:market:%d", index) }
func spotKey(index uint16) string    { return fmt.Sprintf("perp:spot:%d", index) }
func symbolKey(symbol string) string { return fmt.Sprintf("perp:symbol:%s", symbol) }
