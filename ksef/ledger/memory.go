package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/alapierre/ksef-exchange/ksef/invoice"
)

// Record is a stored invoice with the ledger's own bookkeeping.
type Record struct {
	Invoice    invoice.ParsedInvoice
	Paid       bool
	ImportedAt time.Time
}

type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	paid    PaidPolicy
	clock   clockwork.Clock
}

func NewMemory(paid PaidPolicy, clock clockwork.Clock) *Memory {
	if paid == nil {
		paid = DefaultPaidPolicy
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{records: map[string]Record{}, paid: paid, clock: clock}
}

func (m *Memory) Exists(_ context.Context, ref string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[ref]
	return ok, nil
}

func (m *Memory) Persist(_ context.Context, inv invoice.ParsedInvoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[inv.ExternalReference]; ok {
		return ErrDuplicate
	}
	now := m.clock.Now()
	m.records[inv.ExternalReference] = Record{Invoice: inv, Paid: m.paid(inv, now), ImportedAt: now}
	return nil
}

func (m *Memory) Get(ref string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[ref]
	return r, ok
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
