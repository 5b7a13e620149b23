package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/capital"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/failover"
	"github.com/titanlabs/titan/internal/heatmap"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/registry"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/system"
)

func newTestServer(t *testing.T) (*Server, bus.Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b := bus.NewRedis(bus.Options{Addr: mr.Addr(), QueueSize: 64, Log: zerolog.Nop()})
	t.Cleanup(func() { b.Close() })

	srv := New(Config{
		Addr:     ":0",
		Bus:      b,
		Registry: registry.New(b, zerolog.Nop()),
		Books:    capital.NewStore(b),
		Metrics:  metrics.New(),
		Tenants:  []string{"acme", "globex"},
		Log:      zerolog.Nop(),
	})
	return srv, b, mr
}

func getJSON(t *testing.T, srv *Server, path string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestHealthzAlwaysAnswers(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body map[string]string
	rec := getJSON(t, srv, "/healthz", &body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestReadyzTracksBusReachability(t *testing.T) {
	srv, _, mr := newTestServer(t)

	rec := getJSON(t, srv, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.Close()

	rec = getJSON(t, srv, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusReportsStateAndFailover(t *testing.T) {
	srv, b, _ := newTestServer(t)
	ctx := context.Background()

	var body map[string]interface{}
	rec := getJSON(t, srv, "/api/status", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unknown", body["state"])
	assert.Equal(t, false, body["failover_active"])

	require.NoError(t, b.SetDurable(ctx, system.StateKey, "degraded"))
	require.NoError(t, b.SetDurable(ctx, failover.ActiveKey, "true"))

	rec = getJSON(t, srv, "/api/status", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["state"])
	assert.Equal(t, true, body["failover_active"])
	assert.Len(t, body["tenants"], 2)
	assert.GreaterOrEqual(t, body["uptime_seconds"].(float64), 0.0)
}

func TestRegistryJoinsRecordsWithStatus(t *testing.T) {
	srv, b, _ := newTestServer(t)
	ctx := context.Background()
	reg := registry.New(b, zerolog.Nop())

	require.NoError(t, reg.Register(ctx, runtime.Manifest{
		Name:    "kyc-filter",
		Version: "1.4.0",
		Creator: "platform",
		Type:    runtime.TypeFilter,
		Tenant:  "acme",
	}))
	require.NoError(t, reg.Register(ctx, runtime.Manifest{
		Name:    "alpha-momentum",
		Version: "0.9.1",
		Creator: "quant",
		Type:    runtime.TypeSignal,
		Tenant:  "acme",
	}))
	require.NoError(t, reg.MarkState(ctx, "alpha-momentum", registry.StateCanary))

	var body struct {
		Modules []registryEntry `json:"modules"`
		Count   int             `json:"count"`
	}
	rec := getJSON(t, srv, "/api/registry", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, body.Count)

	// List returns records name-sorted.
	assert.Equal(t, "alpha-momentum", body.Modules[0].Name)
	assert.Equal(t, registry.StateCanary, body.Modules[0].State)
	assert.Equal(t, "kyc-filter", body.Modules[1].Name)
	assert.Equal(t, registry.StateActive, body.Modules[1].State)
	assert.Greater(t, body.Modules[1].HeartbeatAt, int64(0))
}

func TestCapitalServesBookAndCounters(t *testing.T) {
	srv, b, _ := newTestServer(t)
	ctx := context.Background()

	store := capital.NewStore(b)
	require.NoError(t, store.Save(ctx, capital.Book{
		Tenant:        "acme",
		Fractions:     map[string]float64{"alpha-momentum": 0.4},
		ReserveBuffer: 0.2,
		CommanderPool: 0.1,
		Version:       3,
	}))
	require.NoError(t, b.SetDurable(ctx, capital.EquityKey("acme"), "125000"))
	require.NoError(t, b.SetDurable(ctx, capital.ProfitPoolKey("acme"), "1500.5"))
	require.NoError(t, b.SetDurable(ctx, capital.SessionDrawdownKey("acme"), "-0.004"))

	var body struct {
		Tenant          string       `json:"tenant"`
		Book            capital.Book `json:"book"`
		Equity          float64      `json:"equity"`
		ProfitPool      float64      `json:"profit_pool"`
		SessionDrawdown float64      `json:"session_drawdown"`
	}
	rec := getJSON(t, srv, "/api/capital/acme", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", body.Tenant)
	assert.Equal(t, uint64(3), body.Book.Version)
	assert.InDelta(t, 0.4, body.Book.Fractions["alpha-momentum"], 1e-9)
	assert.InDelta(t, 125000.0, body.Equity, 1e-9)
	assert.InDelta(t, 1500.5, body.ProfitPool, 1e-9)
	assert.InDelta(t, -0.004, body.SessionDrawdown, 1e-9)
}

func TestCapitalRejectsUnknownTenant(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := getJSON(t, srv, "/api/capital/initech", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCapitalDefaultsMissingCountersToZero(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body struct {
		Equity     float64 `json:"equity"`
		ProfitPool float64 `json:"profit_pool"`
	}
	rec := getJSON(t, srv, "/api/capital/globex", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, body.Equity)
	assert.Zero(t, body.ProfitPool)
}

func TestHeatmapServesPersistedCells(t *testing.T) {
	srv, b, _ := newTestServer(t)
	ctx := context.Background()

	cell := heatmap.Cell{
		From:     "gateway",
		To:       "validator",
		BoundsMs: heatmap.BoundsMs,
		Counts:   make([]uint64, len(heatmap.BoundsMs)+1),
		Samples:  3,
		SumMs:    12,
	}
	cell.Counts[3] = 3
	raw, err := msgpack.Marshal(&cell)
	require.NoError(t, err)
	require.NoError(t, b.SetDurable(ctx, heatmap.Key("gateway", "validator"), string(raw)))

	var rep heatmap.Report
	rec := getJSON(t, srv, "/api/heatmap", &rep)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, heatmap.BoundsMs, rep.BoundsMs)
	require.Contains(t, rep.Pairs, "gateway->validator")
	pair := rep.Pairs["gateway->validator"]
	assert.Equal(t, uint64(3), pair.Samples)
	assert.InDelta(t, 4.0, pair.MeanMs, 1e-9)
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.cfg.Metrics.SystemState.WithLabelValues("normal").Set(1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "titan_system_state")
}

func TestEventStreamDeliversBusEvents(t *testing.T) {
	srv, b, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	// Give the server-side subscription time to register.
	time.Sleep(100 * time.Millisecond)

	evt := events.Event{
		Type:      events.AlertRaised,
		Timestamp: time.Now().UTC(),
		Module:    "panic-button",
		Data: &events.AlertData{
			Severity: "critical",
			Module:   "panic-button",
			Message:  "session drawdown breached",
		},
	}
	raw, err := json.Marshal(&evt)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, events.ChannelAlert, raw))

	_, frameRaw, err := c.Read(ctx)
	require.NoError(t, err)

	var frame struct {
		Channel string          `json:"channel"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(frameRaw, &frame))
	assert.Equal(t, events.ChannelAlert, frame.Channel)

	var got events.Event
	require.NoError(t, json.Unmarshal(frame.Payload, &got))
	assert.Equal(t, events.AlertRaised, got.Type)
	assert.Equal(t, "panic-button", got.Module)
	alert, ok := got.Data.(*events.AlertData)
	require.True(t, ok)
	assert.Equal(t, "critical", alert.Severity)
}
