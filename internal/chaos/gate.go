// Package chaos provides controlled failure injection and load-shedding
// directives. The gate arms individual workers with deterministic simulated
// failures; the monitor watches a synthetic volatility score and tells the
// trading side to shrink positions when it spikes. The two never feed each
// other: workers consume directives, the monitor never injects.
package chaos

import (
	"math/rand"
	"sync"

	"github.com/titanlabs/titan/internal/errkind"
)

// Gate decides per iteration whether a worker's next unit of work fails with
// a SimulatedFailure. Arming is sticky: once a module is armed every check
// fails until it is disarmed, so failure behavior is reproducible within a
// run.
type Gate struct {
	mu      sync.Mutex
	enabled bool
	prob    float64
	rng     *rand.Rand

	armed   map[string]bool
	decided map[string]bool
}

// NewGate returns a gate that rolls each module's fate once, on its first
// check. With enabled=false the gate is inert and Check always passes.
func NewGate(enabled bool, armProbability float64, seed int64) *Gate {
	return &Gate{
		enabled: enabled,
		prob:    armProbability,
		rng:     rand.New(rand.NewSource(seed)),
		armed:   make(map[string]bool),
		decided: make(map[string]bool),
	}
}

// Check fails with SimulatedFailure when the module is armed. The first call
// for an unseen module rolls the sticky arming decision.
func (g *Gate) Check(module string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.enabled && !g.decided[module] {
		g.decided[module] = true
		if g.rng.Float64() < g.prob {
			g.armed[module] = true
		}
	}
	if g.armed[module] {
		return errkind.New(errkind.SimulatedFailure, "chaos gate armed for "+module)
	}
	return nil
}

// Arm forces deterministic failures for the module regardless of the roll.
func (g *Gate) Arm(module string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decided[module] = true
	g.armed[module] = true
}

// Disarm clears the module's armed state.
func (g *Gate) Disarm(module string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decided[module] = true
	delete(g.armed, module)
}

// Armed reports whether the module currently fails its checks.
func (g *Gate) Armed(module string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armed[module]
}
