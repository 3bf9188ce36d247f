package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ProposalsDiscovered(3)
		m.ScanFailed()
		m.Checkpoint(10)
		m.Vote("accepted")
		m.PollClosed("for")
		m.PollExported()
		m.Submission("queued")
		m.ObserveJob("scan", time.Now())
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ProposalsDiscovered(2)
	m.ProposalsDiscovered(0)
	m.Checkpoint(1234)
	m.Submission("queued")
	m.Submission("queued")
	m.Submission("stale")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.proposalsDiscovered))
	assert.Equal(t, 1234.0, testutil.ToFloat64(m.checkpointBlock))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissions.WithLabelValues("queued")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
