package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/capital"
	"github.com/titanlabs/titan/internal/failover"
	"github.com/titanlabs/titan/internal/heatmap"
	"github.com/titanlabs/titan/internal/registry"
	"github.com/titanlabs/titan/internal/system"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready only when the bus answers. A process that lost
// its bus serves traffic it cannot act on, so it must drop out of rotation.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Bus.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "bus unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.cfg.Metrics.Registry(), promhttp.HandlerOpts{})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, err := s.cfg.Bus.Get(ctx, system.StateKey)
	if errors.Is(err, bus.ErrNotFound) {
		state = "unknown"
	} else if err != nil {
		s.log.Error().Err(err).Msg("failed to read system state")
		s.writeError(w, http.StatusInternalServerError, "failed to read system state")
		return
	}

	active, err := s.cfg.Bus.Get(ctx, failover.ActiveKey)
	if err != nil && !errors.Is(err, bus.ErrNotFound) {
		s.log.Error().Err(err).Msg("failed to read failover state")
		s.writeError(w, http.StatusInternalServerError, "failed to read failover state")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":           state,
		"failover_active": active == "true",
		"started_at":      s.startedAt.UTC(),
		"uptime_seconds":  time.Since(s.startedAt).Seconds(),
		"tenants":         s.cfg.Tenants,
	})
}

// registryEntry joins a module's manifest record with its live status.
type registryEntry struct {
	registry.Record
	State       string `json:"state"`
	HeartbeatAt int64  `json:"heartbeat_at"` // epoch ms
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	records, err := s.cfg.Registry.List(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list registry")
		s.writeError(w, http.StatusInternalServerError, "failed to list registry")
		return
	}
	statuses, err := s.cfg.Registry.Statuses(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load module statuses")
		s.writeError(w, http.StatusInternalServerError, "failed to load module statuses")
		return
	}

	entries := make([]registryEntry, 0, len(records))
	for _, rec := range records {
		e := registryEntry{Record: rec, State: "unknown"}
		if st, ok := statuses[rec.Name]; ok {
			e.State = st.State
			e.HeartbeatAt = st.HeartbeatAt
		}
		entries = append(entries, e)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"modules": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleCapital(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := chi.URLParam(r, "tenant")
	if !s.knownTenant(tenant) {
		s.writeError(w, http.StatusNotFound, "unknown tenant")
		return
	}

	book, err := s.cfg.Books.Load(ctx, tenant)
	if err != nil {
		s.log.Error().Err(err).Str("tenant", tenant).Msg("failed to load capital book")
		s.writeError(w, http.StatusInternalServerError, "failed to load capital book")
		return
	}
	equity, err := s.readFloat(ctx, capital.EquityKey(tenant))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read equity")
		return
	}
	profitPool, err := s.readFloat(ctx, capital.ProfitPoolKey(tenant))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read profit pool")
		return
	}
	drawdown, err := s.readFloat(ctx, capital.SessionDrawdownKey(tenant))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read session drawdown")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant":           tenant,
		"book":             book,
		"equity":           equity,
		"profit_pool":      profitPool,
		"session_drawdown": drawdown,
	})
}

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	cells, err := heatmap.Load(r.Context(), s.cfg.Bus)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load heatmap cells")
		s.writeError(w, http.StatusInternalServerError, "failed to load heatmap")
		return
	}
	s.writeJSON(w, http.StatusOK, heatmap.BuildReport(cells, time.Now()))
}

func (s *Server) knownTenant(tenant string) bool {
	for _, t := range s.cfg.Tenants {
		if t == tenant {
			return true
		}
	}
	return false
}

// readFloat treats a missing key as zero: capital counters are lazily
// created and absence means nothing has been booked yet.
func (s *Server) readFloat(ctx context.Context, key string) (float64, error) {
	raw, err := s.cfg.Bus.Get(ctx, key)
	if errors.Is(err, bus.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("failed to read counter")
		return 0, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Str("raw", raw).Msg("counter is not a number")
		return 0, err
	}
	return v, nil
}
