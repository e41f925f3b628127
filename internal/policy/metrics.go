package policy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Source tells where the answer to a request came from
type Source string

const (
	SourceNetwork   Source = "network"
	SourceCache     Source = "cache"
	SourceSynthetic Source = "synthetic"
	SourceNone      Source = "none"
)

// Metrics counts engine outcomes. A nil *Metrics records nothing.
// One Metrics is shared by every engine a host deploys.
type Metrics struct {
	requests           *prometheus.CounterVec
	storeFailures      prometheus.Counter
	generationsDeleted prometheus.Counter
	cleanupFailures    prometheus.Counter
}

// NewMetrics creates the engine counters and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_proxy_requests_total",
				Help: "Intercepted requests by classification and response source",
			},
			[]string{"class", "source"},
		),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_proxy_cache_store_failures_total",
			Help: "Background cache writes that failed and were discarded",
		}),
		generationsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_proxy_generations_deleted_total",
			Help: "Stale cache generations removed during activation",
		}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_proxy_generation_cleanup_failures_total",
			Help: "Stale cache generations that could not be removed",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.storeFailures, m.generationsDeleted, m.cleanupFailures)
	}
	return m
}

func (m *Metrics) observe(class Class, source Source) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(class.String(), string(source)).Inc()
}

func (m *Metrics) storeFailed() {
	if m == nil {
		return
	}
	m.storeFailures.Inc()
}

func (m *Metrics) generationDeleted() {
	if m == nil {
		return
	}
	m.generationsDeleted.Inc()
}

func (m *Metrics) cleanupFailed() {
	if m == nil {
		return
	}
	m.cleanupFailures.Inc()
}
