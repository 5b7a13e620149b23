// Package position keeps the live net-position view. The tracker mirrors
// accounted fills onto bus keys and the exposure gauge; the restorer replays
// journaled open positions to the execution boundary after a restart.
package position

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
)

// ModuleTracker names the tracker in manifests, provenance, and alerts.
const ModuleTracker = "position-tracker"

// Key returns the live position key for one (tenant, symbol).
func Key(tenant, symbol string) string {
	return namespace.Compose(tenant, namespace.DomainTrade, "position", symbol)
}

// Doc is the JSON document stored under Key. The journal row stays the source
// of truth; this copy exists so dashboards and the ops API read positions off
// the bus instead of opening SQLite.
type Doc struct {
	Symbol    string  `json:"symbol"`
	Quantity  float64 `json:"quantity"`
	Entry     float64 `json:"entry"`
	UpdatedAt int64   `json:"updated_at"` // epoch ms
}

// LoadDoc reads one live position document. A missing key is a zero position.
func LoadDoc(ctx context.Context, b bus.Bus, tenant, symbol string) (Doc, error) {
	raw, err := b.Get(ctx, Key(tenant, symbol))
	if errors.Is(err, bus.ErrNotFound) {
		return Doc{Symbol: symbol}, nil
	}
	if err != nil {
		return Doc{}, err
	}
	var d Doc
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Doc{}, err
	}
	return d, nil
}

// Tracker mirrors every accounted fill into the live position key and the
// open-position gauge. When the net quantity lands beyond the per-tenant cap
// it raises a critical alert: the cap is enforced upstream at the overlap
// stage, so a breach here means fills arrived that the pipeline never sized.
type Tracker struct {
	bus bus.Bus
	cap float64 // 0 disables the breach alert
	m   *metrics.Metrics
	log zerolog.Logger
}

// NewTracker builds the live position tracker. cap bounds |net| per
// (tenant, symbol); pass 0 to disable breach alerts.
func NewTracker(cap float64, m *metrics.Metrics, log zerolog.Logger) *Tracker {
	return &Tracker{
		cap: cap,
		m:   m,
		log: log.With().Str("module", ModuleTracker).Logger(),
	}
}

// BindBus receives the namespace-guarded bus view from the runtime.
func (t *Tracker) BindBus(b bus.Bus) { t.bus = b }

func (t *Tracker) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             ModuleTracker,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeMonitor,
		Subscriptions:    []string{events.ChannelTradeAccounted},
		DeclaredKeys:     []string{"titan:*:trade:position"},
		DeclaredChannels: []string{events.ChannelAlert},
	}
}

func (t *Tracker) Tick(ctx context.Context, info runtime.TickInfo) error { return nil }

func (t *Tracker) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	var evt events.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		t.log.Warn().Err(err).Msg("undecodable accounted-trade event")
		return nil
	}
	data, ok := evt.Data.(*events.TradeAccountedData)
	if !ok {
		return nil
	}

	doc := Doc{
		Symbol:    data.Symbol,
		Quantity:  data.Position,
		Entry:     data.Entry,
		UpdatedAt: data.Ts,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := t.bus.SetDurable(ctx, Key(data.Tenant, data.Symbol), string(raw)); err != nil {
		return err
	}
	t.m.OpenPositions.WithLabelValues(data.Tenant, data.Symbol).Set(data.Position)

	if t.cap > 0 && math.Abs(data.Position) > t.cap {
		t.log.Error().
			Str("tenant", data.Tenant).
			Str("symbol", data.Symbol).
			Float64("net", data.Position).
			Float64("cap", t.cap).
			Msg("net position beyond cap")
		t.alert(ctx, data)
	}
	return nil
}

func (t *Tracker) alert(ctx context.Context, data *events.TradeAccountedData) {
	evt := events.Event{
		Type:      events.AlertRaised,
		Timestamp: time.Now().UTC(),
		Module:    ModuleTracker,
		Data: &events.AlertData{
			Severity: "critical",
			Module:   ModuleTracker,
			Message:  "net position for " + data.Tenant + ":" + data.Symbol + " exceeds the tenant cap",
			SignalID: data.SignalID,
		},
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return
	}
	if err := t.bus.Publish(ctx, events.ChannelAlert, raw); err != nil {
		t.log.Warn().Err(err).Msg("cap breach alert not published")
	}
}
