package capital

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/journal"
)

// riskFloor keeps a strategy with near-zero observed variance from absorbing
// the entire allocation.
const riskFloor = 1e-6

// Allocate computes per-strategy fractions from the trailing window's
// (profitability, risk) pairs. Each strategy scores mean PnL over PnL
// standard deviation; scores are shifted nonnegative and normalized, then
// clamped to the configured band. The sum cap outranks the band floor: an
// oversubscribed book is scaled down proportionally.
func Allocate(stats []journal.StrategyStats, cfg config.CapitalConfig) map[string]float64 {
	if len(stats) == 0 {
		return nil
	}

	scores := make([]float64, len(stats))
	for i, st := range stats {
		trades := st.Trades
		if trades < 1 {
			trades = 1
		}
		mean := st.PnL / float64(trades)
		sd := math.Sqrt(math.Max(st.PnLVariance, riskFloor))
		scores[i] = mean / sd
	}

	// Shift so the worst strategy scores zero, then give every strategy a
	// base claim so normalization stays defined when all score alike.
	if low := floats.Min(scores); low < 0 {
		floats.AddConst(-low, scores)
	}
	floats.AddConst(1, scores)
	floats.Scale(1/floats.Sum(scores), scores)

	for i := range scores {
		if scores[i] < cfg.MinFraction {
			scores[i] = cfg.MinFraction
		}
		if scores[i] > cfg.MaxFraction {
			scores[i] = cfg.MaxFraction
		}
	}
	if sum := floats.Sum(scores); sum > 1 {
		floats.Scale(1/sum, scores)
	}

	out := make(map[string]float64, len(stats))
	for i, st := range stats {
		out[st.Strategy] = scores[i]
	}
	return out
}
