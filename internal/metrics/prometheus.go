package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "morpho_rebalancer"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry      *prometheus.Registry
	runsCompleted prometheus.Counter
	runsFailed    prometheus.Counter
	plansComputed prometheus.Counter
	txSubmitted   prometheus.Counter
	txFailed      prometheus.Counter
	usersSkipped  prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	runsCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "runs_completed_total",
		Help:      "Total number of rebalance runs that finished.",
	})
	runsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "runs_failed_total",
		Help:      "Total number of rebalance runs that aborted on error.",
	})
	plansComputed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "plans_computed_total",
		Help:      "Total number of non-empty reallocation plans computed.",
	})
	txSubmitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "tx_submitted_total",
		Help:      "Total number of rebalance transactions submitted.",
	})
	txFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "tx_failed_total",
		Help:      "Total number of rebalance transactions that failed or reverted.",
	})
	usersSkipped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "users_skipped_total",
		Help:      "Total number of per-user passes skipped on error.",
	})

	registry.MustRegister(runsCompleted, runsFailed, plansComputed, txSubmitted, txFailed, usersSkipped)

	m := &Metrics{
		RunsCompleted: promCounter{runsCompleted},
		RunsFailed:    promCounter{runsFailed},
		PlansComputed: promCounter{plansComputed},
		TxSubmitted:   promCounter{txSubmitted},
		TxFailed:      promCounter{txFailed},
		UsersSkipped:  promCounter{usersSkipped},
	}

	return &Prometheus{
		Metrics:       m,
		registry:      registry,
		runsCompleted: runsCompleted,
		runsFailed:    runsFailed,
		plansComputed: plansComputed,
		txSubmitted:   txSubmitted,
		txFailed:      txFailed,
		usersSkipped:  usersSkipped,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
