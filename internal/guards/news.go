package guards

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/mode"
	"github.com/titanlabs/titan/internal/runtime"
)

type newsBlock struct {
	until    time.Time
	prevMode string
}

// NewsBlocker reacts to high-impact macro news on titan:infra:news. For the
// block window it proposes the conservative buffer mode for every tenant,
// remembering the mode each tenant was in; when the window lapses it proposes
// the remembered mode back, unless an operator has steered the tenant
// elsewhere in the meantime. Further high-impact events inside an active
// window extend it without re-proposing.
type NewsBlocker struct {
	bus   bus.Bus
	store *mode.Store
	m     *metrics.Metrics
	log   zerolog.Logger

	tenants []string
	window  time.Duration

	// mu guards blocks and the until field of its entries; expiry runs on
	// the tick goroutine while news arrives on the subscription goroutine.
	mu     sync.Mutex
	blocks map[string]*newsBlock
}

// NewNewsBlocker builds the macro news watcher.
func NewNewsBlocker(cfg config.GuardsConfig, tenants []string, m *metrics.Metrics, log zerolog.Logger) *NewsBlocker {
	return &NewsBlocker{
		m:       m,
		log:     log.With().Str("component", "macro-news-blocker").Logger(),
		tenants: tenants,
		window:  cfg.NewsBlockWindow,
		blocks:  make(map[string]*newsBlock),
	}
}

// BindBus receives the guarded bus view and hooks up the mode store.
func (n *NewsBlocker) BindBus(b bus.Bus) {
	n.bus = b
	n.store = mode.NewStore(b)
}

func (n *NewsBlocker) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:          "macro-news-blocker",
		Version:       "1.0.0",
		Creator:       "core",
		Type:          runtime.TypeMonitor,
		TickInterval:  30 * time.Second,
		Subscriptions: []string{events.ChannelNews},
		DeclaredChannels: []string{
			events.ChannelControlManual,
			events.ChannelAlert,
		},
	}
}

// Tick lifts expired blocks. Expired entries leave the map under the lock;
// the lifts themselves run outside it because lift reads the mode store.
func (n *NewsBlocker) Tick(ctx context.Context, info runtime.TickInfo) error {
	n.mu.Lock()
	expired := make(map[string]*newsBlock)
	for tenant, blk := range n.blocks {
		if info.Now.Before(blk.until) {
			continue
		}
		delete(n.blocks, tenant)
		expired[tenant] = blk
	}
	n.mu.Unlock()

	for tenant, blk := range expired {
		if err := n.lift(ctx, tenant, blk); err != nil {
			return err
		}
	}
	return nil
}

// OnMessage handles one news event. Low and medium impact events pass without
// effect.
func (n *NewsBlocker) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	var evt events.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		n.log.Warn().Err(err).Msg("undecodable news event")
		return nil
	}
	if evt.Type != events.MacroNews {
		return nil
	}
	data, ok := evt.Data.(*events.MacroNewsData)
	if !ok {
		return nil
	}
	if data.Impact != "high" {
		n.log.Debug().Str("impact", data.Impact).Str("headline", data.Headline).
			Msg("macro news below blocking impact")
		return nil
	}

	for _, tenant := range n.tenants {
		if err := n.block(ctx, tenant, info.Now, data.Headline); err != nil {
			return err
		}
	}
	return nil
}

func (n *NewsBlocker) block(ctx context.Context, tenant string, now time.Time, headline string) error {
	until := now.Add(n.window)
	n.mu.Lock()
	if blk, active := n.blocks[tenant]; active {
		blk.until = until
		n.mu.Unlock()
		n.log.Info().Str("tenant", tenant).Time("until", until).Msg("news block extended")
		return nil
	}
	n.mu.Unlock()

	st, err := n.store.Load(ctx, tenant)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.blocks[tenant] = &newsBlock{until: until, prevMode: st.Mode}
	n.mu.Unlock()

	if st.Mode != mode.ConservativeBuffer {
		reason := "macro news block: " + headline
		if err := proposeMode(ctx, n.bus, tenant, mode.ConservativeBuffer, "macro-news-blocker", reason); err != nil {
			return err
		}
	}
	n.m.GuardTrips.WithLabelValues("macro-news-blocker", tenant).Inc()

	if err := raiseAlert(ctx, n.bus, "macro-news-blocker", "warning",
		"news block active for "+tenant+": "+headline, ""); err != nil {
		return err
	}
	n.log.Warn().Str("tenant", tenant).Str("headline", headline).
		Time("until", until).Msg("news block started")
	return nil
}

// lift proposes the remembered mode back. A tenant an operator steered away
// from the buffer mode during the window is left alone.
func (n *NewsBlocker) lift(ctx context.Context, tenant string, blk *newsBlock) error {
	st, err := n.store.Load(ctx, tenant)
	if err != nil {
		return err
	}
	if st.Mode != mode.ConservativeBuffer {
		n.log.Info().Str("tenant", tenant).Str("mode", st.Mode).
			Msg("news block lapsed, mode already steered elsewhere")
		return nil
	}
	if blk.prevMode == mode.ConservativeBuffer {
		return nil
	}
	if err := proposeMode(ctx, n.bus, tenant, blk.prevMode, "macro-news-blocker", "news block lapsed"); err != nil {
		return err
	}
	n.log.Info().Str("tenant", tenant).Str("restored", blk.prevMode).Msg("news block lifted")
	return nil
}
