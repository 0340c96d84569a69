package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	require.NoError(t, m.Track("ledger:integrity").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("ledger:integrity").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("ledger:integrity", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("ledger:integrity", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("ledger:integrity")))
}

func TestIntegrityAndCleanupCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordIntegrityScan(10, 0)
	m.RecordIntegrityScan(12, 2)
	m.AddCleaned("request", 5)
	m.AddCleaned("request", 0)

	require.Equal(t, 12.0, testutil.ToFloat64(m.scanned))
	require.Equal(t, 2.0, testutil.ToFloat64(m.violations))
	require.Equal(t, 5.0, testutil.ToFloat64(m.cleaned.WithLabelValues("request")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordIntegrityScan(1, 1)
	m.AddCleaned("request", 1)
	require.NoError(t, m.Track("noop").End(nil))
}
