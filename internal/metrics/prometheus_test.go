package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.RunsCompleted.Inc()
	prom.Metrics.RunsFailed.Inc()
	prom.Metrics.PlansComputed.Inc()
	prom.Metrics.TxSubmitted.Inc()
	prom.Metrics.TxFailed.Inc()
	prom.Metrics.UsersSkipped.Inc()

	assertCounter(t, prom.runsCompleted, 1)
	assertCounter(t, prom.runsFailed, 1)
	assertCounter(t, prom.plansComputed, 1)
	assertCounter(t, prom.txSubmitted, 1)
	assertCounter(t, prom.txFailed, 1)
	assertCounter(t, prom.usersSkipped, 1)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
