// Package execution implements the post-trade boundary around the external
// executor. The router hands orders over on titan:execution:orders; fills and
// placement failures come back on titan:execution:results. The retry throttle
// re-injects failed orders on the dedicated reinjection channel, the slippage
// and phantom-fill detectors audit every fill, and the trade accountant folds
// each fill into the journal exactly once and announces it on
// titan:trade:accounted for the session ledger.
package execution

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/signal"
)

// Module names as registered; they double as metric stage labels.
const (
	ModuleThrottle   = "retry-throttle"
	ModuleSlippage   = "slippage-detector"
	ModulePhantom    = "phantom-detector"
	ModuleAccountant = "trade-accountant"
)

// decodeFailure tells failures from fills on the shared results channel. A
// failure always names its reason; a fill never does.
func decodeFailure(payload []byte) (signal.FailureEvent, bool) {
	f, err := signal.DecodeFailure(payload)
	if err != nil || f.Reason == "" {
		return signal.FailureEvent{}, false
	}
	return f, true
}

// decodeFill parses a fill report. Failures and malformed payloads report
// false; the executor echoing garbage is its problem, not this worker's.
func decodeFill(payload []byte) (signal.TradeEvent, bool) {
	if _, failed := decodeFailure(payload); failed {
		return signal.TradeEvent{}, false
	}
	e, err := signal.DecodeTrade(payload)
	if err != nil || e.SignalID == "" || e.Quantity <= 0 || e.Price <= 0 {
		return signal.TradeEvent{}, false
	}
	return e, true
}

// tenantLabel keeps metric labels bounded when the executor omits the tenant.
func tenantLabel(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

// raiseAlert publishes on titan:alert.
func raiseAlert(ctx context.Context, b bus.Bus, log zerolog.Logger, module, severity, message, kind, signalID string) {
	evt := events.Event{
		Type:      events.AlertRaised,
		Timestamp: time.Now().UTC(),
		Module:    module,
		Data: &events.AlertData{
			Severity: severity,
			Module:   module,
			Message:  message,
			Kind:     kind,
			SignalID: signalID,
		},
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return
	}
	if err := b.Publish(ctx, events.ChannelAlert, raw); err != nil {
		log.Warn().Err(err).Str("module", module).Msg("alert publish failed")
	}
}
