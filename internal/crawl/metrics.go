package crawl

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the harvest. All methods are nil
// safe so a run without a metrics listener pays nothing.
type Metrics struct {
	Registry        *prometheus.Registry
	FetchesTotal    *prometheus.CounterVec
	FetchDuration   prometheus.Histogram
	RecordsTotal    prometheus.Counter
	RetriesTotal    prometheus.Counter
	FailuresTotal   *prometheus.CounterVec
	RotationsTotal  prometheus.Counter
	BatchesTotal    prometheus.Counter
	CheckpointsSize prometheus.Gauge
}

// NewMetrics constructs and registers all collectors on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_fetches_total",
			Help: "Total page fetches issued, by crawl phase.",
		},
		[]string{"phase"},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvest_fetch_duration_seconds",
			Help:    "Fetch latency across all transport backends.",
			Buckets: prometheus.DefBuckets,
		},
	)
	records := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_records_total",
			Help: "Total records harvested successfully.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_retries_total",
			Help: "Total retry-round attempts scheduled.",
		},
	)
	failures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_failures_total",
			Help: "Total failed fetches by classified reason.",
		},
		[]string{"reason"},
	)
	rotations := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_credential_rotations_total",
			Help: "Total credential rotations triggered by the challenge ratio.",
		},
	)
	batches := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_batches_total",
			Help: "Total detail batches completed and checkpointed.",
		},
	)
	checkpointSize := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvest_checkpoint_records",
			Help: "Records accumulated in the current checkpoint.",
		},
	)

	registry.MustRegister(fetches, fetchDuration, records, retries, failures, rotations, batches, checkpointSize)

	return &Metrics{
		Registry:        registry,
		FetchesTotal:    fetches,
		FetchDuration:   fetchDuration,
		RecordsTotal:    records,
		RetriesTotal:    retries,
		FailuresTotal:   failures,
		RotationsTotal:  rotations,
		BatchesTotal:    batches,
		CheckpointsSize: checkpointSize,
	}
}

func (m *Metrics) IncFetch(phase string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(phase).Inc()
}

func (m *Metrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
}

func (m *Metrics) IncRecords() {
	if m == nil {
		return
	}
	m.RecordsTotal.Inc()
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) IncFailure(reason string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRotations() {
	if m == nil {
		return
	}
	m.RotationsTotal.Inc()
}

func (m *Metrics) IncBatches() {
	if m == nil {
		return
	}
	m.BatchesTotal.Inc()
}

func (m *Metrics) SetCheckpointSize(n int) {
	if m == nil {
		return
	}
	m.CheckpointsSize.Set(float64(n))
}
