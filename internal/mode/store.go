package mode

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
)

// State is the durable per-tenant mode record at titan:mode:{tenant}. The
// version counter detects stale reads; the governor is the only writer.
type State struct {
	Tenant    string `json:"tenant"`
	Mode      string `json:"mode"`
	Persona   string `json:"persona,omitempty"`
	Version   uint64 `json:"version"`
	UpdatedAt int64  `json:"updated_at"` // epoch ms
}

// Store reads and writes mode state on the bus. It implements
// runtime.ModeReader for every worker's per-iteration snapshot.
type Store struct {
	bus bus.Bus
}

// NewStore wraps a bus handle. Readers may pass any view; the governor passes
// its guarded one.
func NewStore(b bus.Bus) *Store {
	return &Store{bus: b}
}

// Load returns the tenant's current state. A missing record means the tenant
// never left default mode.
func (s *Store) Load(ctx context.Context, tenant string) (State, error) {
	raw, err := s.bus.Get(ctx, namespace.Mode(tenant))
	if errors.Is(err, bus.ErrNotFound) {
		return State{Tenant: tenant, Mode: Default}, nil
	}
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, err
	}
	return st, nil
}

// Apply writes the next state: empty newMode or newPersona keeps the current
// value. The version increments on every write.
func (s *Store) Apply(ctx context.Context, tenant, newMode, newPersona string) (State, error) {
	st, err := s.Load(ctx, tenant)
	if err != nil {
		return State{}, err
	}
	if newMode != "" {
		if err := Validate(newMode); err != nil {
			return State{}, err
		}
		st.Mode = newMode
	}
	if newPersona != "" {
		st.Persona = newPersona
	}
	st.Tenant = tenant
	st.Version++
	st.UpdatedAt = time.Now().UnixMilli()

	raw, err := json.Marshal(st)
	if err != nil {
		return State{}, err
	}
	if err := s.bus.SetDurable(ctx, namespace.Mode(tenant), string(raw)); err != nil {
		return State{}, err
	}
	return st, nil
}

// Snapshot implements runtime.ModeReader: the stored state joined with the
// mode's cap table.
func (s *Store) Snapshot(ctx context.Context, tenant string) (runtime.ModeSnapshot, error) {
	st, err := s.Load(ctx, tenant)
	if err != nil {
		return runtime.ModeSnapshot{}, err
	}
	p := PolicyFor(st.Mode)
	return runtime.ModeSnapshot{
		Tenant:          tenant,
		Mode:            p.Name,
		Persona:         st.Persona,
		LeverageCap:     p.MaxLeverage,
		ConfidenceFloor: p.MinConfidence,
		Version:         st.Version,
	}, nil
}
