package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/events"
	"github.com/titanlabs/titan/internal/metrics"
	"github.com/titanlabs/titan/internal/runtime"
	"github.com/titanlabs/titan/internal/signal"
)

type collisionBucket struct {
	deadline time.Time
	signals  []*signal.Signal
}

// Collision is stage 5: signals for the same (tenant, symbol) are held for
// the collision window, then the highest-confidence survivor per side is
// forwarded and the rest discarded. When a buy and a sell both survive, the
// pair is published to titan:conflicts and both continue downstream marked
// contested; the escalation stage settles them.
type Collision struct {
	stage
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*collisionBucket
}

// NewCollision builds the collision detector.
func NewCollision(cfg config.PipelineConfig, m *metrics.Metrics, log zerolog.Logger) *Collision {
	return &Collision{
		stage:   newStage(StageCollision, m, log),
		window:  cfg.CollisionWindow,
		buckets: make(map[string]*collisionBucket),
	}
}

func (c *Collision) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:             StageCollision,
		Version:          "1.0.0",
		Creator:          "core",
		Type:             runtime.TypeFilter,
		TickInterval:     100 * time.Millisecond,
		Subscriptions:    []string{events.PipelineChannel(StageTrust)},
		DeclaredKeys:     []string{"titan:*:signal:" + StageCollision},
		DeclaredChannels: []string{c.downstream, events.ChannelConflicts, events.ChannelAlert},
	}
}

// OnMessage parks the signal in its (tenant, symbol) bucket; Tick flushes
// buckets whose window has elapsed.
func (c *Collision) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	s, ok := c.decode(ctx, msg.Payload)
	if !ok {
		return nil
	}
	if c.seen(ctx, s) {
		return nil
	}

	key := s.TenantID + "|" + s.Symbol
	c.mu.Lock()
	b := c.buckets[key]
	if b == nil {
		b = &collisionBucket{deadline: info.Now.Add(c.window)}
		c.buckets[key] = b
	}
	b.signals = append(b.signals, s)
	c.mu.Unlock()
	return nil
}

func (c *Collision) Tick(ctx context.Context, info runtime.TickInfo) error {
	for _, b := range c.takeExpired(info.Now) {
		if err := c.flush(ctx, info.Now, b); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collision) takeExpired(now time.Time) []*collisionBucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*collisionBucket
	for key, b := range c.buckets {
		if !now.Before(b.deadline) {
			out = append(out, b)
			delete(c.buckets, key)
		}
	}
	return out
}

func (c *Collision) flush(ctx context.Context, now time.Time, b *collisionBucket) error {
	var bestBuy, bestSell *signal.Signal
	for _, s := range b.signals {
		switch s.Side {
		case signal.Buy:
			bestBuy = better(bestBuy, s)
		case signal.Sell:
			bestSell = better(bestSell, s)
		}
	}
	for _, s := range b.signals {
		if s != bestBuy && s != bestSell {
			winner := bestBuy
			if s.Side == signal.Sell {
				winner = bestSell
			}
			c.drop(ctx, s, dropCollision, "lost to "+winner.ID)
		}
	}

	// One side only: a clean pass.
	if bestBuy == nil || bestSell == nil {
		if survivor := bestBuy; survivor != nil || bestSell != nil {
			if survivor == nil {
				survivor = bestSell
			}
			return c.forward(ctx, now, survivor.WithVerdict(StageCollision, signal.VerdictPass, ""))
		}
		return nil
	}

	// Opposing survivors: audit the pair, then send both on contested.
	data := &events.ConflictData{
		Tenant: bestBuy.TenantID,
		Symbol: bestBuy.Symbol,
		BuyID:  bestBuy.ID,
		SellID: bestSell.ID,
		Reason: "opposing survivors inside collision window",
	}
	evt := events.Event{
		Type:      events.ConflictDetected,
		Timestamp: time.Now().UTC(),
		Module:    StageCollision,
		Data:      data,
	}
	if err := c.publishEvent(ctx, events.ChannelConflicts, &evt); err != nil {
		return err
	}
	c.log.Info().
		Str("symbol", bestBuy.Symbol).
		Str("buy_id", bestBuy.ID).
		Str("sell_id", bestSell.ID).
		Msg("opposing survivors escalated")

	if err := c.forward(ctx, now,
		bestBuy.WithVerdict(StageCollision, signal.VerdictPass, contestedReasonPrefix+bestSell.ID)); err != nil {
		return err
	}
	return c.forward(ctx, now,
		bestSell.WithVerdict(StageCollision, signal.VerdictPass, contestedReasonPrefix+bestBuy.ID))
}

// better prefers higher confidence; on a tie the earlier emission wins.
func better(cur, cand *signal.Signal) *signal.Signal {
	if cur == nil {
		return cand
	}
	if cand.Confidence > cur.Confidence {
		return cand
	}
	if cand.Confidence == cur.Confidence && cand.Timestamp < cur.Timestamp {
		return cand
	}
	return cur
}
