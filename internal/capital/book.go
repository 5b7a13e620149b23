// Package capital owns the per-tenant capital book: the allocator computes
// per-strategy fractions, the loop optimizer re-runs it on a schedule, the
// drawdown redirector and forced drawdown trigger protect the downside, and
// the keeper is the single writer applying every proposed mutation in arrival
// order.
package capital

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/namespace"
)

// NeutralHedgeSet receives redirected capital. Redirected fractions are split
// equally across the set.
var NeutralHedgeSet = []string{"neutral", "hedge"}

// Book is a tenant's versioned capital allocation. Fractions sum to at most
// 1.0; the pools hold capital outside the per-strategy allocations.
type Book struct {
	Tenant        string             `json:"tenant"`
	Fractions     map[string]float64 `json:"fractions"`
	ReserveBuffer float64            `json:"reserve_buffer"`
	CommanderPool float64            `json:"commander_pool"`
	OvernightBase float64            `json:"overnight_base"`
	ProfitPool    float64            `json:"profit_pool"`
	Version       uint64             `json:"version"`
	UpdatedAt     int64              `json:"updated_at"` // epoch ms
}

// Allocated returns the sum of all strategy fractions.
func (b *Book) Allocated() float64 {
	var sum float64
	for _, f := range b.Fractions {
		sum += f
	}
	return sum
}

// BookKey is the durable versioned record for one tenant.
func BookKey(tenant string) string {
	return namespace.Compose(tenant, namespace.DomainCapital, "book", "")
}

// EquityKey holds the tenant's running equity, maintained by the session
// tracker and read by the forced drawdown trigger.
func EquityKey(tenant string) string {
	return namespace.Compose(tenant, namespace.DomainCapital, "equity", "")
}

// ProfitPoolKey accumulates routed profit outside the session ledger.
func ProfitPoolKey(tenant string) string {
	return namespace.Compose(tenant, namespace.DomainCapital, "profit_pool", "")
}

// SessionDrawdownKey holds the tenant's signed intra-session return, written
// by the session tracker and read by the panic hibernator.
func SessionDrawdownKey(tenant string) string {
	return namespace.Compose(tenant, namespace.DomainCapital, "session_drawdown", "")
}

// Store reads and writes books on the bus. The keeper is the only writer;
// everyone else loads read-only snapshots.
type Store struct {
	bus bus.Bus
}

// NewStore wraps a bus handle.
func NewStore(b bus.Bus) *Store {
	return &Store{bus: b}
}

// Load returns the tenant's book. A missing record is an empty book at
// version zero.
func (s *Store) Load(ctx context.Context, tenant string) (Book, error) {
	raw, err := s.bus.Get(ctx, BookKey(tenant))
	if errors.Is(err, bus.ErrNotFound) {
		return Book{Tenant: tenant, Fractions: map[string]float64{}}, nil
	}
	if err != nil {
		return Book{}, err
	}
	var b Book
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return Book{}, err
	}
	if b.Fractions == nil {
		b.Fractions = map[string]float64{}
	}
	return b, nil
}

// Save persists the book durably under its versioned key.
func (s *Store) Save(ctx context.Context, b Book) error {
	b.UpdatedAt = time.Now().UnixMilli()
	raw, err := json.Marshal(&b)
	if err != nil {
		return err
	}
	return s.bus.SetDurable(ctx, BookKey(b.Tenant), string(raw))
}
