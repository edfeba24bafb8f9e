package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	markets map[uint16]*model.PerpMarket
	spots   map[uint16]*model.SpotMarket
	records []model.CurveRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets: make(map[uint16]*model.PerpMarket),
		spots:   make(map[uint16]*model.SpotMarket),
	}
}

func (s *MemoryStore) CreatePerpMarket(_ context.Context, m *model.PerpMarket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.MarketIndex]; ok {
		return fmt.Errorf("%w: index %d", ErrMarketExists, m.MarketIndex)
	}
	for _, existing := range s.markets {
		if existing.Symbol == m.Symbol {
			return fmt.Errorf("%w: symbol %s", ErrMarketExists, m.Symbol)
		}
	}

	// Store a copy to avoid external mutation.
	s.markets[m.MarketIndex] = m.Clone()
	return nil
}

func (s *MemoryStore) GetPerpMarket(_ context.Context, index uint16) (*model.PerpMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[index]
	if !ok {
		return nil, fmt.Errorf("%w: perp market %d", ErrNotFound, index)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) GetPerpMarketBySymbol(_ context.Context, symbol string) (*model.PerpMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Symbol == symbol {
			return m.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: perp market %s", ErrNotFound, symbol)
}

func (s *MemoryStore) ListPerpMarkets(_ context.Context) ([]model.PerpMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.PerpMarket, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].MarketIndex < markets[j].MarketIndex })
	return markets, nil
}

func (s *MemoryStore) UpdatePerpMarket(_ context.Context, m *model.PerpMarket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.MarketIndex]; !ok {
		return fmt.Errorf("%w: perp market %d", ErrNotFound, m.MarketIndex)
	}
	s.markets[m.MarketIndex] = m.Clone()
	return nil
}

func (s *MemoryStore) GetSpotMarket(_ context.Context, index uint16) (*model.SpotMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spot, ok := s.spots[index]
	if !ok {
		return nil, fmt.Errorf("%w: spot market %d", ErrNotFound, index)
	}
	return spot.Clone(), nil
}

func (s *MemoryStore) PutSpotMarket(_ context.Context, spot *model.SpotMarket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.spots[spot.MarketIndex] = spot.Clone()
	return nil
}

func (s *MemoryStore) UpdateMarkets(_ context.Context, m *model.PerpMarket, spot *model.SpotMarket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.MarketIndex]; !ok {
		return fmt.Errorf("%w: perp market %d", ErrNotFound, m.MarketIndex)
	}
	if _, ok := s.spots[spot.MarketIndex]; !ok {
		return fmt.Errorf("%w: spot market %d", ErrNotFound, spot.MarketIndex)
	}
	s.markets[m.MarketIndex] = m.Clone()
	s.spots[spot.MarketIndex] = spot.Clone()
	return nil
}

func (s *MemoryStore) InsertCurveRecord(_ context.Context, rec *model.CurveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, *rec)
	return nil
}

func (s *MemoryStore) GetCurveRecords(_ context.Context, marketIndex uint16) ([]model.CurveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.CurveRecord
	for _, r := range s.records {
		if r.MarketIndex == marketIndex {
			result = append(result, r)
		}
	}
	return result, nil
}
