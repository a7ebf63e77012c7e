package oracle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/steamtrader/internal/requests"
	"github.com/mbd888/steamtrader/internal/trade"
)

// Fulfiller applies oracle answers. *trade.Service implements it.
type Fulfiller interface {
	Fulfill(ctx context.Context, caller, correlationID string, found bool) (*trade.Trade, error)
}

// Loopback is a development oracle that answers every query itself after a
// short delay. Answers are delivered from a separate goroutine, never from
// inside Submit.
type Loopback struct {
	authority string
	delay     time.Duration
	decide    func(trade.Query) bool
	logger    *slog.Logger

	mu        sync.Mutex
	fulfiller Fulfiller
	wg        sync.WaitGroup
}

// NewLoopback creates a loopback oracle that fulfils as authority. By
// default every item is reported found.
func NewLoopback(authority string, delay time.Duration, logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{
		authority: authority,
		delay:     delay,
		decide:    func(trade.Query) bool { return true },
		logger:    logger,
	}
}

// Bind sets the fulfiller. The service needs its oracle at construction,
// so the loop is closed afterwards.
func (l *Loopback) Bind(f Fulfiller) {
	l.mu.Lock()
	l.fulfiller = f
	l.mu.Unlock()
}

// WithDecider overrides the answer for each query.
func (l *Loopback) WithDecider(fn func(trade.Query) bool) *Loopback {
	l.decide = fn
	return l
}

// Submit implements trade.Oracle.
func (l *Loopback) Submit(ctx context.Context, q trade.Query) error {
	l.mu.Lock()
	f := l.fulfiller
	l.mu.Unlock()
	if f == nil {
		return errors.New("loopback oracle: no fulfiller bound")
	}

	found := l.decide(q)
	bg := context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if l.delay > 0 {
			time.Sleep(l.delay)
		}
		if _, err := f.Fulfill(bg, l.authority, q.CorrelationID, found); err != nil &&
			!errors.Is(err, requests.ErrUnknownCorrelation) {
			l.logger.Warn("loopback fulfilment failed",
				"correlationId", q.CorrelationID, "tradeId", q.TradeID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every pending answer has been delivered.
func (l *Loopback) Wait() {
	l.wg.Wait()
}
