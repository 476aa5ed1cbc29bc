package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/maltedev/price-watch/internal/errclass"
)

// Metrics bundles Prometheus collectors for the monitor. All methods are
// safe on a nil receiver so components can run without metrics.
type Metrics struct {
	Registry               *prometheus.Registry
	QueriesTotal           *prometheus.CounterVec
	QueryDuration          *prometheus.HistogramVec
	RetriesTotal           *prometheus.CounterVec
	CredentialAcquisitions *prometheus.CounterVec
	Blocked                prometheus.Gauge
	ConsecutiveFailures    prometheus.Gauge
	WatchChecksTotal       *prometheus.CounterVec
	ItemsProcessedTotal    prometheus.Counter
	AlertsTotal            prometheus.Counter
	CycleDuration          prometheus.Histogram
	OutboxRelayed          *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	queries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_queries_total",
			Help: "Queries issued against the marketplace by strategy, operation and outcome.",
		},
		[]string{"strategy", "operation", "outcome"},
	)
	queryDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricewatch_query_duration_seconds",
			Help:    "Latency of marketplace queries including retries.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"strategy"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_retries_total",
			Help: "Retry attempts scheduled by policy.",
		},
		[]string{"policy"},
	)
	acquisitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_credential_acquisitions_total",
			Help: "Credential acquisitions by result.",
		},
		[]string{"result"},
	)
	blocked := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pricewatch_blocked",
		Help: "1 while the target is considered to be blocking requests.",
	})
	failures := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pricewatch_consecutive_blocking_failures",
		Help: "Consecutive blocking failures since the last success.",
	})
	checks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_watch_checks_total",
			Help: "Watch checks by outcome.",
		},
		[]string{"outcome"},
	)
	items := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricewatch_items_processed_total",
		Help: "Items handed to persistence.",
	})
	alerts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricewatch_alerts_total",
		Help: "Underprice alerts raised.",
	})
	cycle := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pricewatch_monitor_cycle_duration_seconds",
		Help:    "Duration of a full monitor cycle.",
		Buckets: prometheus.ExponentialBuckets(10, 2, 8),
	})

	relayed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_outbox_relayed_total",
			Help: "Outbox events handed to Redis streams by result.",
		},
		[]string{"result"},
	)

	registry.MustRegister(queries, queryDuration, retries, acquisitions, blocked, failures, checks, items, alerts, cycle, relayed)

	return &Metrics{
		Registry:               registry,
		QueriesTotal:           queries,
		QueryDuration:          queryDuration,
		RetriesTotal:           retries,
		CredentialAcquisitions: acquisitions,
		Blocked:                blocked,
		ConsecutiveFailures:    failures,
		WatchChecksTotal:       checks,
		ItemsProcessedTotal:    items,
		AlertsTotal:            alerts,
		CycleDuration:          cycle,
		OutboxRelayed:          relayed,
	}
}

// Outcome is the label used for a finished operation.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	return errclass.KindOf(err).String()
}

func (m *Metrics) ObserveQuery(strategy, operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(strategy, operation, Outcome(err)).Inc()
	m.QueryDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(policy string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(policy).Inc()
}

func (m *Metrics) IncAcquisition(result string) {
	if m == nil {
		return
	}
	m.CredentialAcquisitions.WithLabelValues(result).Inc()
}

func (m *Metrics) SetBlocking(blocked bool, consecutiveFailures int) {
	if m == nil {
		return
	}
	if blocked {
		m.Blocked.Set(1)
	} else {
		m.Blocked.Set(0)
	}
	m.ConsecutiveFailures.Set(float64(consecutiveFailures))
}

func (m *Metrics) IncWatchCheck(err error) {
	if m == nil {
		return
	}
	m.WatchChecksTotal.WithLabelValues(Outcome(err)).Inc()
}

func (m *Metrics) AddItems(n int) {
	if m == nil {
		return
	}
	m.ItemsProcessedTotal.Add(float64(n))
}

func (m *Metrics) IncAlert() {
	if m == nil {
		return
	}
	m.AlertsTotal.Inc()
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(d.Seconds())
}

// IncRelayed counts one outbox delivery; result is "relayed" or "failed".
func (m *Metrics) IncRelayed(result string) {
	if m == nil {
		return
	}
	m.OutboxRelayed.WithLabelValues(result).Inc()
}
