// Package indicators derives per-symbol market indicators from the prices
// already flowing through the platform. Fills and priced signals feed a
// rolling window per tenant and symbol; every tick the producer publishes
// price, realized volatility, EMA, RSI and ATR under the transient indicator
// keys that the volatility scaler and the kill-switch guards read.
package indicators

import (
	"context"
	"math"
	"strconv"
	"sync"

	talib "github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/namespace"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

// ModuleProducer names the indicator producer in manifests and logs.
const ModuleProducer = "indicator-producer"

// Indicator names under titan:{tenant}:indicator:{name}:{symbol}.
const (
	IndicatorPrice      = "price"
	IndicatorVolatility = "volatility"
	IndicatorEMA        = "ema"
	IndicatorRSI        = "rsi"
	IndicatorATR        = "atr"
)

const (
	emaPeriod = 12
	rsiPeriod = 14
	atrPeriod = 14
	// volSamples is the minimum return count before realized volatility is
	// published; below it the estimate is all noise.
	volSamples = 8
)

type seriesKey struct {
	tenant string
	symbol string
}

// Producer is the indicator module. Ingestion happens on the message path,
// publication on the tick, so one slow bus write never stalls decoding.
type Producer struct {
	bus bus.Bus
	cfg config.IndicatorConfig
	log zerolog.Logger

	mu     sync.Mutex
	prices map[seriesKey][]float64
}

// NewProducer builds the indicator producer.
func NewProducer(cfg config.IndicatorConfig, log zerolog.Logger) *Producer {
	if cfg.Window < rsiPeriod+1 {
		cfg.Window = rsiPeriod + 1
	}
	return &Producer{
		cfg:    cfg,
		log:    log.With().Str("module", ModuleProducer).Logger(),
		prices: make(map[seriesKey][]float64),
	}
}

// BindBus receives the namespace-guarded bus view from the runtime.
func (p *Producer) BindBus(b bus.Bus) { p.bus = b }

func (p *Producer) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:         ModuleProducer,
		Version:      "1.0.0",
		Creator:      "core",
		Type:         runtime.TypeMonitor,
		TickInterval: p.cfg.Interval,
		DeclaredKeys: []string{"titan:*:indicator"},
		Subscriptions: []string{
			events.ChannelExecutionResults,
			events.ChannelCoreSignal,
		},
	}
}

// OnMessage folds a priced payload into the symbol's window. Unpriced or
// tenant-less payloads are skipped; both are routine on these channels.
func (p *Producer) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	switch msg.Channel {
	case events.ChannelExecutionResults:
		trade, err := signal.DecodeTrade(msg.Payload)
		if err != nil {
			return nil
		}
		p.record(trade.TenantID, trade.Symbol, trade.Price)
	case events.ChannelCoreSignal:
		s, err := signal.Decode(msg.Payload)
		if err != nil {
			return nil
		}
		p.record(s.TenantID, s.Symbol, s.Price)
	}
	return nil
}

func (p *Producer) record(tenant, symbol string, price float64) {
	if tenant == "" || symbol == "" || price <= 0 {
		return
	}
	key := seriesKey{tenant: tenant, symbol: symbol}
	p.mu.Lock()
	series := append(p.prices[key], price)
	if over := len(series) - p.cfg.Window; over > 0 {
		series = series[over:]
	}
	p.prices[key] = series
	p.mu.Unlock()
}

// Tick publishes every tracked pair's indicators. Short windows publish what
// they can support; price alone is enough for the crash trigger.
func (p *Producer) Tick(ctx context.Context, info runtime.TickInfo) error {
	p.mu.Lock()
	snapshot := make(map[seriesKey][]float64, len(p.prices))
	for key, series := range p.prices {
		out := make([]float64, len(series))
		copy(out, series)
		snapshot[key] = out
	}
	p.mu.Unlock()

	for key, series := range snapshot {
		for name, value := range compute(series) {
			busKey := namespace.Compose(key.tenant, namespace.DomainIndicator, name, key.symbol)
			if err := p.bus.Set(ctx, busKey, formatFloat(value), p.cfg.TTL); err != nil {
				return err
			}
		}
	}
	return nil
}

// compute derives the publishable indicators for one price series.
func compute(series []float64) map[string]float64 {
	out := map[string]float64{IndicatorPrice: series[len(series)-1]}
	if returns := logReturns(series); len(returns) >= volSamples {
		out[IndicatorVolatility] = stat.StdDev(returns, nil)
	}
	if len(series) >= emaPeriod {
		ema := talib.Ema(series, emaPeriod)
		out[IndicatorEMA] = ema[len(ema)-1]
	}
	if len(series) > rsiPeriod {
		rsi := talib.Rsi(series, rsiPeriod)
		out[IndicatorRSI] = rsi[len(rsi)-1]
	}
	if len(series) > atrPeriod {
		// Fills carry no high/low, so the true range degenerates to the
		// close-to-close move.
		atr := talib.Atr(series, series, series, atrPeriod)
		out[IndicatorATR] = atr[len(atr)-1]
	}
	return out
}

func logReturns(series []float64) []float64 {
	if len(series) < 2 {
		return nil
	}
	out := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		out = append(out, math.Log(series[i]/series[i-1]))
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
