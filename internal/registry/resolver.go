package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/errkind"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// criticalDomains are the tenant paths whose contention halts a module
// instead of merely flagging it.
var criticalDomains = map[namespace.Domain]bool{
	namespace.DomainSignal:  true,
	namespace.DomainCapital: true,
	namespace.DomainTrade:   true,
}

// Resolver audits the catalog for declared-prefix overlap and reacts to
// write-path violations. Overlaps are reported on the violations channel;
// violations touching a tenant critical path halt the offending module.
type Resolver struct {
	bus      bus.Bus
	reg      *Registry
	log      zerolog.Logger
	interval time.Duration

	// mu guards both maps; the audit runs on the tick goroutine while
	// write-path violations arrive on the subscription goroutine.
	mu       sync.Mutex
	reported map[string]bool // overlap fingerprint -> already published
	halted   map[string]bool
}

// NewResolver builds the resolver; interval is the audit cadence.
func NewResolver(interval time.Duration, log zerolog.Logger) *Resolver {
	return &Resolver{
		log:      log.With().Str("component", "dependency-resolver").Logger(),
		interval: interval,
		reported: make(map[string]bool),
		halted:   make(map[string]bool),
	}
}

// BindBus receives the guarded bus view.
func (r *Resolver) BindBus(b bus.Bus) {
	r.bus = b
	r.reg = New(b, r.log)
}

// Manifest declares the audit loop and the violation intake.
func (r *Resolver) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:          "dependency-resolver",
		Version:       "1.0.0",
		Creator:       "core",
		Type:          runtime.TypeMonitor,
		TickInterval:  r.interval,
		Subscriptions: []string{events.ChannelViolations},
		DeclaredChannels: []string{
			events.ChannelViolations,
			events.ChannelControlManual,
		},
	}
}

// Tick audits every registered pair for overlapping declared key prefixes.
func (r *Resolver) Tick(ctx context.Context, info runtime.TickInfo) error {
	records, err := r.reg.List(ctx)
	if err != nil {
		return err
	}

	policies := make([]*namespace.Policy, len(records))
	for i, rec := range records {
		p, err := namespace.CompilePolicy(rec.DeclaredKeys, rec.DeclaredChannels)
		if err != nil {
			r.log.Warn().Str("module", rec.Name).Err(err).Msg("record has invalid declarations")
			continue
		}
		policies[i] = p
	}

	for i := range records {
		if policies[i] == nil {
			continue
		}
		for j := i + 1; j < len(records); j++ {
			if policies[j] == nil {
				continue
			}
			for _, prefix := range policies[i].Overlaps(policies[j]) {
				fingerprint := records[i].Name + "|" + records[j].Name + "|" + prefix
				r.mu.Lock()
				seen := r.reported[fingerprint]
				r.reported[fingerprint] = true
				r.mu.Unlock()
				if seen {
					continue
				}
				// The later registrant is the offender; the earlier
				// one owned the prefix first.
				offender := records[j]
				if records[i].RegisteredAt > records[j].RegisteredAt {
					offender = records[i]
				}
				if err := r.publishViolation(ctx, offender.Name, prefix,
					"overlap", "shared with "+records[i].Name+" and "+records[j].Name); err != nil {
					return err
				}
				if err := r.haltIfCritical(ctx, offender.Name, prefix); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// OnMessage reacts to write-path violations raised by the namespace guard.
func (r *Resolver) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	var evt events.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		r.log.Warn().Err(err).Msg("undecodable violation")
		return nil
	}
	data, ok := evt.Data.(*events.ViolationData)
	if !ok {
		return nil
	}
	if data.Kind == "overlap" {
		return nil // our own audit output
	}
	if data.Module == "" {
		return nil // unattributed, nothing to halt
	}
	return r.haltIfCritical(ctx, data.Module, data.Target)
}

func (r *Resolver) publishViolation(ctx context.Context, module, target, kind, detail string) error {
	evt := events.Event{
		Type:      events.ViolationDetected,
		Timestamp: time.Now().UTC(),
		Module:    "dependency-resolver",
		Data: &events.ViolationData{
			Module: module,
			Target: target,
			Kind:   kind,
			Detail: detail,
		},
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return err
	}
	r.log.Warn().Str("module", module).Str("target", target).Str("kind", kind).
		Str("error_kind", string(errkind.NamespaceViolation)).Msg("registry violation")
	return r.bus.Publish(ctx, events.ChannelViolations, raw)
}

// haltIfCritical issues a halt for the module when the contended target sits
// on a tenant critical path.
func (r *Resolver) haltIfCritical(ctx context.Context, module, target string) error {
	key, err := namespace.Parse(target)
	if err != nil || !criticalDomains[key.Domain] {
		return nil
	}
	r.mu.Lock()
	if r.halted[module] {
		r.mu.Unlock()
		return nil
	}
	r.halted[module] = true
	r.mu.Unlock()

	cmd := signal.NewControl(signal.ActionHalt, map[string]string{
		"module": module,
		"reason": "violation on critical path " + target,
	})
	raw, err := cmd.Encode()
	if err != nil {
		return err
	}
	r.log.Error().Str("module", module).Str("target", target).
		Msg("critical-path violation, halting module")
	return r.bus.Publish(ctx, events.ChannelControlManual, raw)
}
