// Package telemetry provides Prometheus metrics and OpenTelemetry tracing for the harvester.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsNamespace prefixes every harvester metric.
const MetricsNamespace = "harvester"

// Metrics holds all Prometheus collectors of the service.
type Metrics struct {
	// Ledger
	LedgerOperations *prometheus.CounterVec
	CreditsMoved     *prometheus.CounterVec

	// Gateway
	GatewayInvocations *prometheus.CounterVec
	GatewayTokens      *prometheus.CounterVec
	GatewayCredits     *prometheus.CounterVec
	GatewayShortfall   *prometheus.CounterVec
	GatewayLatency     *prometheus.HistogramVec

	// Harvester
	HarvestRuns        *prometheus.CounterVec
	HarvestItems       *prometheus.CounterVec
	HarvestTransitions *prometheus.CounterVec
	HarvestDuration    prometheus.Histogram

	// Queue and worker
	JobsEnqueued    *prometheus.CounterVec
	JobsProcessed   *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobsRecovered   *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	WorkersBusy     prometheus.Gauge
	SchedulerTicks  *prometheus.CounterVec
	ScraperBreakers *prometheus.GaugeVec
}

// NewMetrics creates and registers all collectors on reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initLedgerMetrics(factory)
	m.initGatewayMetrics(factory)
	m.initHarvestMetrics(factory)
	m.initJobMetrics(factory)

	return m
}

func (m *Metrics) initLedgerMetrics(factory promauto.Factory) {
	m.LedgerOperations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger operations by operation and outcome",
	}, []string{"operation", "outcome"})

	m.CreditsMoved = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "ledger",
		Name:      "credits_total",
		Help:      "Credits moved by reason and direction",
	}, []string{"reason", "direction"})
}

func (m *Metrics) initGatewayMetrics(factory promauto.Factory) {
	m.GatewayInvocations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "gateway",
		Name:      "invocations_total",
		Help:      "Model invocations by model and outcome",
	}, []string{"model", "outcome"})

	m.GatewayTokens = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "gateway",
		Name:      "tokens_total",
		Help:      "Tokens consumed by model and direction",
	}, []string{"model", "direction"})

	m.GatewayCredits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "gateway",
		Name:      "credits_total",
		Help:      "Credits charged or refunded by model and phase",
	}, []string{"model", "phase"})

	m.GatewayShortfall = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "gateway",
		Name:      "shortfall_credits_total",
		Help:      "Credits owed but not collectable because the balance ran out",
	}, []string{"model"})

	m.GatewayLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: "gateway",
		Name:      "provider_latency_seconds",
		Help:      "Model provider call latency",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"model"})
}

func (m *Metrics) initHarvestMetrics(factory promauto.Factory) {
	m.HarvestRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "harvest",
		Name:      "runs_total",
		Help:      "Harvest runs by outcome",
	}, []string{"outcome"})

	m.HarvestItems = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "harvest",
		Name:      "items_total",
		Help:      "Harvested items by outcome (found, created, enqueued or a skip reason)",
	}, []string{"outcome"})

	m.HarvestTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "harvest",
		Name:      "state_transitions_total",
		Help:      "Harvest state machine transitions by target state",
	}, []string{"state"})

	m.HarvestDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: "harvest",
		Name:      "run_duration_seconds",
		Help:      "Duration of harvest runs",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
	})
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobsEnqueued = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Jobs enqueued by type",
	}, []string{"type"})

	m.JobsProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "worker",
		Name:      "jobs_processed_total",
		Help:      "Jobs processed by type and outcome",
	}, []string{"type", "outcome"})

	m.JobDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Duration of job execution",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~55min
	}, []string{"type"})

	m.JobsRecovered = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "queue",
		Name:      "jobs_recovered_total",
		Help:      "Jobs released after their lock expired, by outcome",
	}, []string{"outcome"})

	m.QueueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Jobs per status",
	}, []string{"status"})

	m.WorkersBusy = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "worker",
		Name:      "busy",
		Help:      "Pool slots currently executing a job",
	})

	m.SchedulerTicks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "scheduler",
		Name:      "sources_total",
		Help:      "Sources considered by the scheduler, by decision",
	}, []string{"decision"})

	m.ScraperBreakers = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "scraper",
		Name:      "circuit_state",
		Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"provider"})
}
