package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFamiliesDeclaredOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWith(reg)

	m.ObserveTick("integrity", 5*time.Millisecond)
	m.ObserveTick("integrity", 7*time.Millisecond)
	m.CountError("integrity", "InvalidSignal")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.TickTotal.WithLabelValues("integrity")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ErrorTotal.WithLabelValues("integrity", "InvalidSignal")))
}

func TestSecondDeclarationOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewWith(reg)

	// Declaring the families twice on one registry is the bug the injected
	// handle exists to prevent; promauto surfaces it loudly.
	require.Panics(t, func() { NewWith(reg) })
}

func TestPolicyDropCounter(t *testing.T) {
	m := New()
	m.PolicyDrops.WithLabelValues("prod", "alpha_push").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PolicyDrops.WithLabelValues("prod", "alpha_push")))
}
