package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewWithRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry)

	m.OrdersTotal.Inc()
	m.OrdersTotal.Inc()
	if v := testutil.ToFloat64(m.OrdersTotal); v != 2 {
		t.Errorf("expected orders_total 2, got %f", v)
	}

	m.ActiveGroups.Set(3)
	if v := testutil.ToFloat64(m.ActiveGroups); v != 3 {
		t.Errorf("expected protection_groups_active 3, got %f", v)
	}

	m.OCOResolved.WithLabelValues("stop").Inc()
	m.OCOResolved.WithLabelValues("take_profit").Inc()
	m.OCOResolved.WithLabelValues("take_profit").Inc()
	if v := testutil.ToFloat64(m.OCOResolved.WithLabelValues("take_profit")); v != 2 {
		t.Errorf("expected oco_resolved_total{outcome=take_profit} 2, got %f", v)
	}

	// Observations must not panic and must register.
	m.AnalysisDuration.Observe(0.5)
}

func TestIsolatedRegistries(t *testing.T) {
	a := NewWithRegistry(prometheus.NewRegistry())
	b := NewWithRegistry(prometheus.NewRegistry())

	a.StopReplacements.Inc()
	if v := testutil.ToFloat64(b.StopReplacements); v != 0 {
		t.Errorf("expected isolated registry to stay at 0, got %f", v)
	}
}
