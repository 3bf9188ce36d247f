package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service counters. A nil *Metrics is valid and records
// nothing, so components can run without a registry.
type Metrics struct {
	proposalsDiscovered prometheus.Counter
	scanErrors          prometheus.Counter
	checkpointBlock     prometheus.Gauge
	votesRecorded       *prometheus.CounterVec
	pollsClosed         *prometheus.CounterVec
	pollsExported       prometheus.Counter
	submissions         *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
}

// New registers the service metrics with registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		proposalsDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "govsignal_proposals_discovered_total",
			Help: "Proposals mirrored into new polls",
		}),
		scanErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "govsignal_scan_errors_total",
			Help: "Scans aborted before the checkpoint advanced",
		}),
		checkpointBlock: factory.NewGauge(prometheus.GaugeOpts{
			Name: "govsignal_scan_checkpoint_block",
			Help: "Last fully scanned block",
		}),
		votesRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "govsignal_votes_total",
			Help: "Vote attempts by result",
		}, []string{"result"}),
		pollsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "govsignal_polls_closed_total",
			Help: "Polls closed by winning choice",
		}, []string{"winner"}),
		pollsExported: factory.NewCounter(prometheus.CounterOpts{
			Name: "govsignal_polls_exported_total",
			Help: "Archive snapshots written",
		}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "govsignal_submissions_total",
			Help: "Multisig submission outcomes",
		}, []string{"outcome"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "govsignal_job_duration_seconds",
			Help:    "Duration of periodic jobs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"job"}),
	}
}

func (m *Metrics) ProposalsDiscovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.proposalsDiscovered.Add(float64(n))
}

func (m *Metrics) ScanFailed() {
	if m == nil {
		return
	}
	m.scanErrors.Inc()
}

func (m *Metrics) Checkpoint(block uint64) {
	if m == nil {
		return
	}
	m.checkpointBlock.Set(float64(block))
}

// Vote counts a vote attempt; result is "accepted" or a rejection reason.
func (m *Metrics) Vote(result string) {
	if m == nil {
		return
	}
	m.votesRecorded.WithLabelValues(result).Inc()
}

func (m *Metrics) PollClosed(winner string) {
	if m == nil {
		return
	}
	m.pollsClosed.WithLabelValues(winner).Inc()
}

func (m *Metrics) PollExported() {
	if m == nil {
		return
	}
	m.pollsExported.Inc()
}

// Submission counts a gate outcome such as queued, already_handled, stale,
// retryable or needs_reconciliation.
func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// ObserveJob records how long a periodic job ran.
func (m *Metrics) ObserveJob(job string, started time.Time) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}
