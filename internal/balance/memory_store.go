package balance

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/steamtrader/internal/amount"
	"github.com/mbd888/steamtrader/internal/idgen"
	"github.com/mbd888/steamtrader/internal/pagination"
)

type account struct {
	available *big.Int
	totalIn   *big.Int
	totalOut  *big.Int
	updatedAt time.Time
}

// MemoryStore is an in-memory Store for development mode and tests.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*account
	entries  map[string][]*Entry // by party, append order

	feeAvailable, feeEarned, feeWithdrawn *big.Int
	feeUpdated                            time.Time

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*account),
		entries:      make(map[string][]*Entry),
		feeAvailable: new(big.Int),
		feeEarned:    new(big.Int),
		feeWithdrawn: new(big.Int),
		now:          time.Now,
	}
}

func (m *MemoryStore) acct(party string) *account {
	a, ok := m.accounts[party]
	if !ok {
		a = &account{available: new(big.Int), totalIn: new(big.Int), totalOut: new(big.Int)}
		m.accounts[party] = a
	}
	return a
}

func (m *MemoryStore) record(party string, kind EntryKind, amt, reference string) {
	m.entries[party] = append(m.entries[party], &Entry{
		ID:        idgen.New(),
		Party:     party,
		Kind:      kind,
		Amount:    amt,
		Reference: reference,
		CreatedAt: m.now().UTC(),
	})
}

func (m *MemoryStore) GetBalance(_ context.Context, party string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[party]
	if !ok {
		return &Balance{Party: party, Available: "0", TotalIn: "0", TotalOut: "0"}, nil
	}
	return &Balance{
		Party:     party,
		Available: amount.Format(a.available),
		TotalIn:   amount.Format(a.totalIn),
		TotalOut:  amount.Format(a.totalOut),
		UpdatedAt: a.updatedAt,
	}, nil
}

func (m *MemoryStore) Credit(_ context.Context, party, amt, reference string) error {
	v, ok := amount.Parse(amt)
	if !ok {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.acct(party)
	a.available.Add(a.available, v)
	a.totalIn.Add(a.totalIn, v)
	a.updatedAt = m.now().UTC()
	m.record(party, KindDeposit, amt, reference)
	return nil
}

func (m *MemoryStore) Debit(_ context.Context, party, amt string, kind EntryKind, reference string) error {
	v, ok := amount.Parse(amt)
	if !ok {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[party]
	if !ok || a.available.Cmp(v) < 0 {
		return ErrInsufficientBalance
	}
	a.available.Sub(a.available, v)
	a.totalOut.Add(a.totalOut, v)
	a.updatedAt = m.now().UTC()
	m.record(party, kind, amt, reference)
	return nil
}

func (m *MemoryStore) Refund(_ context.Context, party, amt, reference string) error {
	v, ok := amount.Parse(amt)
	if !ok {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.acct(party)
	a.available.Add(a.available, v)
	a.totalOut.Sub(a.totalOut, v)
	if a.totalOut.Sign() < 0 {
		a.totalOut.SetInt64(0)
	}
	a.updatedAt = m.now().UTC()
	m.record(party, KindRefund, amt, reference)
	return nil
}

func (m *MemoryStore) History(_ context.Context, party string, limit int, cursor *pagination.Cursor) ([]*Entry, error) {
	m.mu.Lock()
	all := append([]*Entry(nil), m.entries[party]...)
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	out := make([]*Entry, 0, min(limit, len(all)))
	for _, e := range all {
		if !cursor.Before(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SumAvailable(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := new(big.Int)
	for _, a := range m.accounts {
		sum.Add(sum, a.available)
	}
	return amount.Format(sum), nil
}

func (m *MemoryStore) GetFees(_ context.Context) (*Fees, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Fees{
		Available:      amount.Format(m.feeAvailable),
		TotalEarned:    amount.Format(m.feeEarned),
		TotalWithdrawn: amount.Format(m.feeWithdrawn),
		UpdatedAt:      m.feeUpdated,
	}, nil
}

func (m *MemoryStore) EarnFees(_ context.Context, amt string) error {
	return m.moveFees(amt, false, func(v *big.Int) { m.feeEarned.Add(m.feeEarned, v) })
}

func (m *MemoryStore) WithdrawFees(_ context.Context, amt string) error {
	return m.moveFees(amt, true, func(v *big.Int) { m.feeWithdrawn.Add(m.feeWithdrawn, v) })
}

func (m *MemoryStore) RestoreFees(_ context.Context, amt string) error {
	return m.moveFees(amt, false, func(v *big.Int) { m.feeWithdrawn.Sub(m.feeWithdrawn, v) })
}

// moveFees adds amt to the available fee balance, or removes it when
// debit is set, and applies the matching lifetime counter update.
func (m *MemoryStore) moveFees(amt string, debit bool, counter func(*big.Int)) error {
	v, ok := amount.Parse(amt)
	if !ok {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if debit {
		if m.feeAvailable.Cmp(v) < 0 {
			return ErrInsufficientFees
		}
		m.feeAvailable.Sub(m.feeAvailable, v)
	} else {
		m.feeAvailable.Add(m.feeAvailable, v)
	}
	counter(v)
	m.feeUpdated = m.now().UTC()
	return nil
}
