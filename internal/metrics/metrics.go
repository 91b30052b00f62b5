// Package metrics defines the Prometheus collectors ManifestHub exposes
// over internal/statusserver: one struct of collectors, and a Register
// that adds them all to a registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all registered Prometheus collectors for one ManifestHub run.
type Metrics struct {
	DownloadAttemptsTotal  *prometheus.CounterVec
	DownloadRetriesTotal   *prometheus.CounterVec
	ArchiveWritesTotal     *prometheus.CounterVec
	ArchiveWriteDuration   prometheus.Histogram
	ActiveSessions         prometheus.Gauge
	ActiveDownloads        prometheus.Gauge
	TagsPrunedTotal        prometheus.Counter
	AccountsRemovedTotal   prometheus.Counter
}

// New creates uninitialized metric instances.
func New() *Metrics {
	return &Metrics{
		DownloadAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manifesthub_download_attempts_total",
				Help: "Total number of manifest download attempts by result.",
			},
			[]string{"result"},
		),
		DownloadRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manifesthub_download_retries_total",
				Help: "Total number of retried Steam RPCs by call.",
			},
			[]string{"call"},
		),
		ArchiveWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manifesthub_archive_writes_total",
				Help: "Total number of archive write_manifest outcomes.",
			},
			[]string{"outcome"},
		),
		ArchiveWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "manifesthub_archive_write_duration_seconds",
			Help:    "Duration of write_manifest calls, including lock wait.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "manifesthub_active_sessions",
			Help: "Number of account sessions currently in progress.",
		}),
		ActiveDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "manifesthub_active_downloads",
			Help: "Number of manifest downloads currently in flight.",
		}),
		TagsPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "manifesthub_tags_pruned_total",
			Help: "Total number of superseded tags deleted by prune_expired_tags.",
		}),
		AccountsRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "manifesthub_accounts_removed_total",
			Help: "Total number of accounts removed after a terminal auth error.",
		}),
	}
}

// ObserveDownloadAttempt increments the download attempt counter for the
// given result ("success" or "failure").
func (m *Metrics) ObserveDownloadAttempt(result string) {
	m.DownloadAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveDownloadRetry increments the retry counter for the given Steam RPC
// call name.
func (m *Metrics) ObserveDownloadRetry(call string) {
	m.DownloadRetriesTotal.WithLabelValues(call).Inc()
}

// ObserveArchiveWrite increments the archive write outcome counter.
func (m *Metrics) ObserveArchiveWrite(outcome string) {
	m.ArchiveWritesTotal.WithLabelValues(outcome).Inc()
}

// ObserveAccountRemoved increments the accounts-removed counter.
func (m *Metrics) ObserveAccountRemoved() {
	m.AccountsRemovedTotal.Inc()
}

// SetActiveSessions reports the current count of account sessions in
// progress.
func (m *Metrics) SetActiveSessions(n float64) {
	m.ActiveSessions.Set(n)
}

// ObserveArchiveWriteDuration records how long a write_manifest call took,
// including lock wait.
func (m *Metrics) ObserveArchiveWriteDuration(seconds float64) {
	m.ArchiveWriteDuration.Observe(seconds)
}

// IncActiveDownloads reports that one more manifest download is in flight.
func (m *Metrics) IncActiveDownloads() {
	m.ActiveDownloads.Inc()
}

// DecActiveDownloads reports that one fewer manifest download is in flight.
func (m *Metrics) DecActiveDownloads() {
	m.ActiveDownloads.Dec()
}

// AddTagsPruned increments the superseded-tags-deleted counter by n.
func (m *Metrics) AddTagsPruned(n int) {
	m.TagsPrunedTotal.Add(float64(n))
}

// Register registers all of m's collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.DownloadAttemptsTotal,
		m.DownloadRetriesTotal,
		m.ArchiveWritesTotal,
		m.ArchiveWriteDuration,
		m.ActiveSessions,
		m.ActiveDownloads,
		m.TagsPrunedTotal,
		m.AccountsRemovedTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
