// Package runtime is the shared scaffold every worker runs on: one tick loop,
// one subscription loop per declared channel, deadline enforcement, chaos
// gating, mode propagation, metrics, and the lifecycle protocol (register,
// started, failed/stopped, restart queue). Modules hold no connections of
// their own; the runtime owns the bus handle and passes a namespace-guarded
// view in.
package runtime

import (
	"context"
	"time"

	"github.com/titanlabs/titan/internal/bus"
)

// ModuleType classifies a worker in the registry.
type ModuleType string

const (
	TypeSignal   ModuleType = "signal"
	TypeFilter   ModuleType = "filter"
	TypeRouter   ModuleType = "router"
	TypeExecutor ModuleType = "executor"
	TypeMonitor  ModuleType = "monitor"
	TypeConfig   ModuleType = "config"
)

// Manifest declares a module's identity, cadence, and permissions. The
// registry stores it; the namespace guard compiles the declared prefixes; the
// dependency resolver audits them.
type Manifest struct {
	Name    string
	Version string
	Creator string
	Type    ModuleType
	// Tenant scopes mode reads and tenant-local state. Empty for
	// process-wide monitors.
	Tenant string
	// TickInterval of zero disables the periodic loop (subscription-only
	// modules).
	TickInterval time.Duration
	// MaxTickDuration bounds each tick and message handler. Zero selects
	// the runtime default (10s).
	MaxTickDuration time.Duration
	// DeclaredKeys are the key prefixes this module may write ("*" matches
	// one segment).
	DeclaredKeys []string
	// DeclaredChannels are the channels this module may publish on.
	DeclaredChannels []string
	// Subscriptions are the channels this module consumes.
	Subscriptions []string
}

// ModeSnapshot is the per-tenant morphic mode view read at the top of every
// iteration and passed into processing.
type ModeSnapshot struct {
	Tenant          string
	Mode            string
	Persona         string
	LeverageCap     float64
	ConfidenceFloor float64
	Version         uint64
}

// TickInfo carries per-iteration context into Tick and OnMessage.
type TickInfo struct {
	Now  time.Time
	Seq  uint64
	Mode ModeSnapshot
}

// Module is the contract every worker implements.
type Module interface {
	Manifest() Manifest
	// Tick runs the periodic loop body under the module's deadline.
	Tick(ctx context.Context, info TickInfo) error
	// OnMessage handles one delivery from a subscribed channel.
	OnMessage(ctx context.Context, info TickInfo, msg bus.Message) error
}

// Starter is an optional hook run once before the loops begin (position
// restore, state warm-up).
type Starter interface {
	Start(ctx context.Context) error
}

// BusBinder is implemented by modules that write to the bus. The runtime
// binds the namespace-guarded view exactly once, before Start and the loops.
type BusBinder interface {
	BindBus(b bus.Bus)
}

// Closer is an optional hook run during drain, before stopped is published.
type Closer interface {
	Close(ctx context.Context) error
}

// ModeReader resolves the active morphic mode for a tenant. Implemented by
// the mode store; a nil reader yields the zero snapshot.
type ModeReader interface {
	Snapshot(ctx context.Context, tenant string) (ModeSnapshot, error)
}

// ChaosGate is consulted at the top of every iteration. An armed gate fails
// the iteration deterministically with SimulatedFailure, which the runtime
// records as a ChaosTrip; directives arrive from the chaos monitor, never
// from self-injection.
type ChaosGate interface {
	Check(module string) error
}

// Registrar records the module in the process-wide registry and keeps the
// record's lease fresh.
type Registrar interface {
	Register(ctx context.Context, m Manifest) error
	Heartbeat(ctx context.Context, name string) error
	Deregister(ctx context.Context, name string) error
}

// Stats is the runtime's self-reported load snapshot, consumed by the health
// monitor's pending-task-leak indicator.
type Stats struct {
	Module   string
	Pending  int
	Ticks    uint64
	Errors   uint64
	LastTick time.Time
}
