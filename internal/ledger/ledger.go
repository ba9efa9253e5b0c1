package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Record is one closed round trip. Records are append-only.
type Record struct {
	Time       time.Time
	TradeID    string
	Symbol     string
	Side       string
	Entry      decimal.Decimal
	Stop       decimal.Decimal
	Take       decimal.Decimal
	Exit       decimal.Decimal
	Qty        decimal.Decimal
	Fees       decimal.Decimal
	PnL        decimal.Decimal
	PnLR       decimal.Decimal
	ExitReason string
}

type Ledger interface {
	Append(ctx context.Context, rec Record) error
}

// Multi appends to every ledger and joins their errors.
type Multi []Ledger

func (m Multi) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, l := range m {
		if err := l.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Memory struct {
	mu      sync.Mutex
	records []Record
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}
