package trade

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory trade store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	trades   map[string]*Trade
	fundings map[string]string // funding ref -> trade id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:   make(map[string]*Trade),
		fundings: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.trades[t.ID]; ok {
		return ErrDuplicateTrade
	}
	m.trades[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if t.FundingRef != "" {
		if owner, used := m.fundings[t.FundingRef]; used && owner != t.ID {
			return ErrFundingReused
		}
	}
	if prev.FundingRef != "" && prev.FundingRef != t.FundingRef {
		delete(m.fundings, prev.FundingRef)
	}
	if t.FundingRef != "" {
		m.fundings[t.FundingRef] = t.ID
	}
	m.trades[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Trade
	for _, t := range m.trades {
		if f.Party != "" && !t.IsParty(f.Party) {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if !f.Cursor.Before(t.CreatedAt, t.ID) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
