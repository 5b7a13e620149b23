// Package registry keeps the bus-backed module catalog: one metadata record
// and one status record per module, leased for 24 hours and refreshed by
// heartbeats. The dependency resolver audits the catalog for contended
// prefixes.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
)

// LeaseTTL bounds how long a record outlives its last refresh.
const LeaseTTL = 24 * time.Hour

// stoppedTTL keeps a deregistered module's status visible for post-mortems.
const stoppedTTL = time.Hour

// Module states recorded under titan:registry:status:{module}.
const (
	StateActive  = "active"
	StateStopped = "stopped"
	StateCanary  = "canary"
	StateRetired = "retired"
)

// Record is the stored metadata under titan:registry:{module}:meta.
type Record struct {
	Name             string   `json:"name"`
	Version          string   `json:"version"`
	Creator          string   `json:"creator,omitempty"`
	Type             string   `json:"type"`
	Tenant           string   `json:"tenant,omitempty"`
	TickIntervalMs   int64    `json:"tick_interval_ms,omitempty"`
	DeclaredKeys     []string `json:"declared_keys,omitempty"`
	DeclaredChannels []string `json:"declared_channels,omitempty"`
	Subscriptions    []string `json:"subscriptions,omitempty"`
	RegisteredAt     int64    `json:"registered_at"` // epoch ms
}

// Status is the stored liveness under titan:registry:status:{module}.
type Status struct {
	Module      string `json:"module"`
	State       string `json:"state"`
	Version     string `json:"version"`
	HeartbeatAt int64  `json:"heartbeat_at"` // epoch ms
}

// Registry reads and writes catalog records. It implements runtime.Registrar.
type Registry struct {
	bus bus.Bus
	log zerolog.Logger
}

// New builds a registry over the given bus handle.
func New(b bus.Bus, log zerolog.Logger) *Registry {
	return &Registry{bus: b, log: log.With().Str("component", "registry").Logger()}
}

func metaKey(module string) string   { return namespace.Registry(module, "meta") }
func statusKey(module string) string { return namespace.Registry("status", module) }

// Register stores or refreshes a module record. Re-registering the same
// (name, version) only renews the lease; a new version replaces the record
// in place, never by silently retiring the old one.
func (r *Registry) Register(ctx context.Context, m runtime.Manifest) error {
	rec := Record{
		Name:             m.Name,
		Version:          m.Version,
		Creator:          m.Creator,
		Type:             string(m.Type),
		Tenant:           m.Tenant,
		TickIntervalMs:   m.TickInterval.Milliseconds(),
		DeclaredKeys:     m.DeclaredKeys,
		DeclaredChannels: m.DeclaredChannels,
		Subscriptions:    m.Subscriptions,
		RegisteredAt:     time.Now().UnixMilli(),
	}

	prev, err := r.Lookup(ctx, m.Name)
	switch {
	case errors.Is(err, bus.ErrNotFound):
		r.log.Info().Str("module", m.Name).Str("version", m.Version).Msg("module registered")
	case err != nil:
		return err
	case prev.Version == m.Version:
		rec.RegisteredAt = prev.RegisteredAt
		r.log.Debug().Str("module", m.Name).Msg("registration refreshed")
	default:
		r.log.Info().Str("module", m.Name).Str("from", prev.Version).
			Str("to", m.Version).Msg("module version updated")
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := r.bus.Set(ctx, metaKey(m.Name), string(raw), LeaseTTL); err != nil {
		return err
	}
	return r.writeStatus(ctx, Status{
		Module:      m.Name,
		State:       StateActive,
		Version:     m.Version,
		HeartbeatAt: time.Now().UnixMilli(),
	}, LeaseTTL)
}

// Heartbeat renews the module's status lease. A heartbeat for a module whose
// status expired but whose metadata survives recreates the status record.
func (r *Registry) Heartbeat(ctx context.Context, name string) error {
	st, err := r.StatusOf(ctx, name)
	if errors.Is(err, bus.ErrNotFound) {
		rec, metaErr := r.Lookup(ctx, name)
		if metaErr != nil {
			return fmt.Errorf("heartbeat for unregistered module %s", name)
		}
		st = Status{Module: name, State: StateActive, Version: rec.Version}
	} else if err != nil {
		return err
	}
	st.HeartbeatAt = time.Now().UnixMilli()
	return r.writeStatus(ctx, st, LeaseTTL)
}

// Deregister releases the lease: the metadata is removed and the status is
// flipped to stopped with a short post-mortem window.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	st, err := r.StatusOf(ctx, name)
	if errors.Is(err, bus.ErrNotFound) {
		st = Status{Module: name}
	} else if err != nil {
		return err
	}
	st.State = StateStopped
	st.HeartbeatAt = time.Now().UnixMilli()
	if err := r.writeStatus(ctx, st, stoppedTTL); err != nil {
		return err
	}
	return r.bus.Del(ctx, metaKey(name))
}

// Lookup returns one module's metadata.
func (r *Registry) Lookup(ctx context.Context, name string) (Record, error) {
	raw, err := r.bus.Get(ctx, metaKey(name))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// StatusOf returns one module's status record.
func (r *Registry) StatusOf(ctx context.Context, name string) (Status, error) {
	raw, err := r.bus.Get(ctx, statusKey(name))
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// List returns every registered module's metadata, name-sorted.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	keys, err := r.bus.Scan(ctx, namespace.Registry(""))
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, key := range keys {
		if !strings.HasSuffix(key, ":meta") {
			continue
		}
		raw, err := r.bus.Get(ctx, key)
		if errors.Is(err, bus.ErrNotFound) {
			continue // lease expired between scan and read
		}
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			r.log.Warn().Str("key", key).Err(err).Msg("undecodable registry record")
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Statuses returns every module's status keyed by name.
func (r *Registry) Statuses(ctx context.Context) (map[string]Status, error) {
	keys, err := r.bus.Scan(ctx, namespace.Registry("status"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]Status, len(keys))
	for _, key := range keys {
		raw, err := r.bus.Get(ctx, key)
		if errors.Is(err, bus.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var st Status
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue
		}
		out[st.Module] = st
	}
	return out, nil
}

// MarkState flips a module's status state in place. The health monitor uses
// it for canary and retired escalations.
func (r *Registry) MarkState(ctx context.Context, name, state string) error {
	st, err := r.StatusOf(ctx, name)
	if errors.Is(err, bus.ErrNotFound) {
		st = Status{Module: name}
	} else if err != nil {
		return err
	}
	st.State = state
	st.HeartbeatAt = time.Now().UnixMilli()
	r.log.Info().Str("module", name).Str("state", state).Msg("module state changed")
	return r.writeStatus(ctx, st, LeaseTTL)
}

func (r *Registry) writeStatus(ctx context.Context, st Status, ttl time.Duration) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.bus.Set(ctx, statusKey(st.Module), string(raw), ttl)
}
