package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, evt *Event) *Event {
	t.Helper()
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	var out Event
	require.NoError(t, json.Unmarshal(raw, &out))
	return &out
}

func TestEventRoundTripRestoresTypedData(t *testing.T) {
	evt := &Event{
		Type:      TradeAccounted,
		Timestamp: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		Module:    "trade-accountant",
		Data: &TradeAccountedData{
			SignalID: "sig-1",
			Tenant:   "prod",
			Strategy: "momo",
			Symbol:   "BTCUSDT",
			Side:     "buy",
			Price:    50000,
			Quantity: 0.1,
			Fee:      2.5,
			Realized: 120.5,
			Outcome:  "win",
			Position: 0.1,
			Ts:       1756123200000,
		},
	}

	out := roundTrip(t, evt)
	assert.Equal(t, TradeAccounted, out.Type)
	assert.Equal(t, "trade-accountant", out.Module)
	data, ok := out.Data.(*TradeAccountedData)
	require.True(t, ok)
	assert.Equal(t, "sig-1", data.SignalID)
	assert.Equal(t, "win", data.Outcome)
	assert.InDelta(t, 120.5, data.Realized, 1e-9)
}

func TestEventRoundTripAcrossRegisteredTypes(t *testing.T) {
	cases := []*Event{
		{Type: ModuleStarted, Module: "router", Data: &LifecycleData{Module: "router", Status: "started"}},
		{Type: RestartRequested, Module: "health-monitor", Data: &RestartRequestData{Module: "router", Reason: "score 0.4", Attempt: 1}},
		{Type: AlertRaised, Module: "heartbeat", Data: &AlertData{Severity: "critical", Module: "heartbeat", Message: "ping failed"}},
		{Type: ModeChanged, Module: "mode-governor", Data: &ModeChangeData{Tenant: "prod", From: "default", To: "alpha_push", Version: 2}},
		{Type: ProfitRouted, Module: "profit-router", Data: &ProfitRoutedData{Tenant: "prod", SessionDate: "2026-08-25", Bucket: "reserve_buffer", Amount: 50}},
		{Type: SessionClosed, Module: "profit-router", Data: &SessionClosedData{Tenant: "prod", SessionDate: "2026-08-25", RealizedPnL: 100}},
		{Type: SystemStateChanged, Module: "system-state", Data: &SystemStateData{From: "normal", To: "degraded", Cause: "failover"}},
		{Type: FailoverChanged, Module: "failover-manager", Data: &FailoverData{Active: true, Reason: "primary dead"}},
		{Type: ChaosDirective, Module: "chaos-monitor", Data: &ChaosDirectiveData{Tenant: "prod", Directive: "reduce_size", SizeFactor: 0.5, Score: 0.9}},
		{Type: RecoveryCompleted, Module: "system-state", Data: &RecoveryData{Steps: []string{"hibernate broadcast"}, Outcome: "resumed", DurationMs: 4200}},
		{Type: MacroNews, Module: "news-feed", Data: &MacroNewsData{Headline: "rate decision", Impact: "high"}},
	}
	for _, evt := range cases {
		evt.Timestamp = time.Now().UTC().Truncate(time.Millisecond)
		out := roundTrip(t, evt)
		assert.Equal(t, evt.Type, out.Type, "type %s", evt.Type)
		assert.Equal(t, evt.Data.EventType(), out.Data.EventType(), "type %s", evt.Type)
		assert.Equal(t, evt.Data, out.Data, "type %s", evt.Type)
	}
}

func TestSignalDropDataSelectsEventType(t *testing.T) {
	dup := &SignalDropData{SignalID: "s1", Stage: "noise", Kind: "duplicate"}
	assert.Equal(t, SignalDuplicate, dup.EventType())

	invalid := &SignalDropData{SignalID: "s2", Stage: "integrity", Kind: "invalid"}
	assert.Equal(t, SignalInvalid, invalid.EventType())

	// Both shapes survive the envelope.
	out := roundTrip(t, &Event{Type: dup.EventType(), Timestamp: time.Now().UTC(), Module: "noise", Data: dup})
	data, ok := out.Data.(*SignalDropData)
	require.True(t, ok)
	assert.Equal(t, "duplicate", data.Kind)
}

func TestUnknownEventTypeFallsBackToGenericData(t *testing.T) {
	raw := []byte(`{"type":"EXTERNAL_EXECUTOR_PING","timestamp":"2026-08-25T12:00:00Z","module":"executor","data":{"venue":"binance","latency_ms":12}}`)
	var evt Event
	require.NoError(t, json.Unmarshal(raw, &evt))

	assert.Equal(t, EventType("EXTERNAL_EXECUTOR_PING"), evt.Type)
	generic, ok := evt.Data.(*GenericEventData)
	require.True(t, ok)
	assert.Equal(t, "binance", generic.Data["venue"])

	// Re-encoding keeps the unknown payload intact for relays.
	again := roundTrip(t, &evt)
	g2, ok := again.Data.(*GenericEventData)
	require.True(t, ok)
	assert.Equal(t, generic.Data["venue"], g2.Data["venue"])
}

func TestEventWithoutDataStaysNil(t *testing.T) {
	raw := []byte(`{"type":"MODULE_STOPPED","timestamp":"2026-08-25T12:00:00Z","module":"router"}`)
	var evt Event
	require.NoError(t, json.Unmarshal(raw, &evt))
	assert.Nil(t, evt.Data)
	assert.Nil(t, roundTrip(t, &evt).Data)
}

func TestChannelBuilders(t *testing.T) {
	assert.Equal(t, "titan:signal:pipeline:trust", PipelineChannel("trust"))
	assert.Equal(t, "titan:acme:signal:raw", RawSignalChannel("acme"))
	assert.Equal(t, "titan:mode:acme", ModeChannel("acme"))
	assert.Equal(t, "titan:prod:acme:control", TenantControlChannel("acme"))
	assert.Equal(t, "titan:profit:reserve_buffer", ProfitChannel("reserve_buffer"))
	assert.Equal(t, "titan:acme:capital:book", CapitalChannel("acme"))
}
