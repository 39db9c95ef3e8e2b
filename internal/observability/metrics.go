package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report daemon activity.
type Metrics struct {
	ingestEvents      prometheus.Counter
	ingestParseErrors prometheus.Counter
	forks             *prometheus.CounterVec
	rewinds           *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the package-level metrics instance registered with the
// global Prometheus registry. Collectors are created once to avoid duplicate
// registration panics when components are rebuilt in tests.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Supply a fresh registry when unique metric names are required (tests).
// Registration errors panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	ingestEvents := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "forked",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Total number of tracer events persisted.",
	})
	ingestParseErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "forked",
		Subsystem: "ingest",
		Name:      "parse_errors_total",
		Help:      "Total number of inbound frames dropped as unparseable.",
	})
	forks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forked",
		Name:      "forks_total",
		Help:      "Fork executions by terminal status.",
	}, []string{"status"})
	rewinds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forked",
		Name:      "rewinds_total",
		Help:      "Rewind executions by terminal status.",
	}, []string{"status"})

	for _, collector := range []prometheus.Collector{ingestEvents, ingestParseErrors, forks, rewinds} {
		reg.MustRegister(collector)
	}

	return &Metrics{
		ingestEvents:      ingestEvents,
		ingestParseErrors: ingestParseErrors,
		forks:             forks,
		rewinds:           rewinds,
	}
}

// EventIngested counts one persisted tracer event.
func (m *Metrics) EventIngested() {
	if m == nil {
		return
	}
	m.ingestEvents.Inc()
}

// ParseErrorDropped counts one dropped inbound frame.
func (m *Metrics) ParseErrorDropped() {
	if m == nil {
		return
	}
	m.ingestParseErrors.Inc()
}

// ForkFinished counts one fork with its terminal status ("ok", "rewind_failed",
// "gateway_failed", "store_failed").
func (m *Metrics) ForkFinished(status string) {
	if m == nil {
		return
	}
	m.forks.WithLabelValues(status).Inc()
}

// RewindFinished counts one rewind with its terminal status ("ok",
// "no_snapshots", "partial").
func (m *Metrics) RewindFinished(status string) {
	if m == nil {
		return
	}
	m.rewinds.WithLabelValues(status).Inc()
}
