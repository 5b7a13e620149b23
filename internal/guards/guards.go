// Package guards implements the kill-switches that sit outside the signal
// path: the panic session hibernator, the market crash trigger, and the macro
// news blocker. Each watches market state on the bus and reacts either by
// broadcasting hibernate on the tenant control channel or by proposing a
// conservative mode shift on the manual control channel. None of them applies
// anything itself; the mode governor and the pipeline router stay the only
// appliers, so a guard can never race another writer.
package guards

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/signal"
)

// readFloat loads a numeric bus key. ok is false when the key is absent or
// holds something unparseable; the producer may simply not have written yet.
func readFloat(ctx context.Context, b bus.Bus, log zerolog.Logger, key string) (float64, bool, error) {
	raw, err := b.Get(ctx, key)
	if errors.Is(err, bus.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("raw", raw).Msg("unparseable numeric key")
		return 0, false, nil
	}
	return v, true, nil
}

// proposeMode publishes a set_morphic_mode request for the governor to apply.
func proposeMode(ctx context.Context, b bus.Bus, tenant, newMode, requester, reason string) error {
	cmd := signal.NewControl(signal.ActionSetMorphicMode, map[string]string{
		"tenant":    tenant,
		"mode":      newMode,
		"requester": requester,
		"reason":    reason,
	})
	raw, err := cmd.Encode()
	if err != nil {
		return err
	}
	return b.Publish(ctx, events.ChannelControlManual, raw)
}

// raiseAlert publishes on titan:alert.
func raiseAlert(ctx context.Context, b bus.Bus, module, severity, message, kind string) error {
	evt := events.Event{
		Type:      events.AlertRaised,
		Timestamp: time.Now().UTC(),
		Module:    module,
		Data: &events.AlertData{
			Severity: severity,
			Module:   module,
			Message:  message,
			Kind:     kind,
		},
	}
	raw, err := json.Marshal(&evt)
	if err != nil {
		return err
	}
	return b.Publish(ctx, events.ChannelAlert, raw)
}
