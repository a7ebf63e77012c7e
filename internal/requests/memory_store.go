package requests

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory correlation store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	live    map[slot]string // (trade, purpose) -> correlation id
}

type slot struct {
	tradeID string
	purpose Purpose
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		live:    make(map[slot]string),
	}
}

func (m *MemoryStore) Insert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := slot{rec.TradeID, rec.Purpose}
	if _, ok := m.live[k]; ok {
		return ErrDuplicateRequest
	}
	if _, ok := m.records[rec.CorrelationID]; ok {
		return ErrDuplicateRequest
	}
	cp := *rec
	m.records[rec.CorrelationID] = &cp
	m.live[k] = rec.CorrelationID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, correlationID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[correlationID]
	if !ok {
		return nil, ErrUnknownCorrelation
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, correlationID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[correlationID]
	if !ok {
		return nil, ErrUnknownCorrelation
	}
	delete(m.records, correlationID)
	delete(m.live, slot{rec.TradeID, rec.Purpose})
	return rec, nil
}

func (m *MemoryStore) ListByTrade(_ context.Context, tradeID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.records {
		if rec.TradeID == tradeID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sortByIssued(out)
	return out, nil
}

func (m *MemoryStore) ListIssuedBefore(_ context.Context, before time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.records {
		if rec.IssuedAt.Before(before) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sortByIssued(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func sortByIssued(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].IssuedAt.Equal(recs[j].IssuedAt) {
			return recs[i].CorrelationID < recs[j].CorrelationID
		}
		return recs[i].IssuedAt.Before(recs[j].IssuedAt)
	})
}
