package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const promNamespace = "eventkernel"

// StorageMetrics exports Pebble read and commit observations to Prometheus.
// It satisfies pebblestore.MetricsHook.
type StorageMetrics struct {
	ReadBytes      prometheus.Counter
	ReadDuration   prometheus.Histogram
	CommitOps      prometheus.Counter
	CommitBytes    prometheus.Counter
	CommitDuration prometheus.Histogram
}

// NewStorageMetrics registers the storage metrics on reg.
func NewStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	f := promauto.With(reg)
	return &StorageMetrics{
		ReadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "storage",
			Name:      "read_bytes_total",
			Help:      "Total bytes read from the log store",
		}),
		ReadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: "storage",
			Name:      "read_duration_seconds",
			Help:      "Point read latency",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		CommitOps: f.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "storage",
			Name:      "commit_ops_total",
			Help:      "Total key operations committed",
		}),
		CommitBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "storage",
			Name:      "commit_bytes_total",
			Help:      "Total batch bytes committed",
		}),
		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: "storage",
			Name:      "commit_duration_seconds",
			Help:      "Batch commit latency",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}),
	}
}

func (m *StorageMetrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.ReadBytes.Add(float64(bytes))
	m.ReadDuration.Observe(elapsed.Seconds())
}

func (m *StorageMetrics) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	m.CommitOps.Add(float64(numOps))
	m.CommitBytes.Add(float64(bytes))
	m.CommitDuration.Observe(elapsed.Seconds())
}

// ObserverSnapshot is the exported view of one observer.
type ObserverSnapshot struct {
	Tenant             string
	ObserverID         string
	Sequence           string
	RunningState       string
	NextSequenceNumber uint64
	FailedPartitions   int
}

// JobCount is the number of jobs in one status for a tenant.
type JobCount struct {
	Tenant string
	Status string
	Count  int
}

// StateSource supplies the kernel state exported by StateCollector.
type StateSource interface {
	ObserverSnapshots() []ObserverSnapshot
	JobCounts() []JobCount
}

// StateCollector is a prometheus.Collector reading gauges from a StateSource
// at scrape time.
type StateCollector struct {
	source StateSource

	nextSeq *prometheus.Desc
	failed  *prometheus.Desc
	running *prometheus.Desc
	jobs    *prometheus.Desc
}

var _ prometheus.Collector = (*StateCollector)(nil)

// NewStateCollector creates a collector over source.
func NewStateCollector(source StateSource) *StateCollector {
	labels := []string{"tenant", "observer_id", "sequence"}
	return &StateCollector{
		source: source,
		nextSeq: prometheus.NewDesc(
			prometheus.BuildFQName(promNamespace, "observer", "next_sequence_number"),
			"Next sequence number the observer will handle", labels, nil),
		failed: prometheus.NewDesc(
			prometheus.BuildFQName(promNamespace, "observer", "failed_partitions"),
			"Partitions currently under recovery", labels, nil),
		running: prometheus.NewDesc(
			prometheus.BuildFQName(promNamespace, "observer", "running_state"),
			"Current running state (1 for the active state label)", append(labels, "state"), nil),
		jobs: prometheus.NewDesc(
			prometheus.BuildFQName(promNamespace, "jobs", "by_status"),
			"Persisted jobs per status", []string{"tenant", "status"}, nil),
	}
}

func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nextSeq
	ch <- c.failed
	ch <- c.running
	ch <- c.jobs
}

func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	for _, o := range c.source.ObserverSnapshots() {
		ch <- prometheus.MustNewConstMetric(c.nextSeq, prometheus.GaugeValue,
			float64(o.NextSequenceNumber), o.Tenant, o.ObserverID, o.Sequence)
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.GaugeValue,
			float64(o.FailedPartitions), o.Tenant, o.ObserverID, o.Sequence)
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue,
			1, o.Tenant, o.ObserverID, o.Sequence, o.RunningState)
	}
	for _, j := range c.source.JobCounts() {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue,
			float64(j.Count), j.Tenant, j.Status)
	}
}
