package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundlerMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBundlerMetrics(reg)

	m.IncAdmission("accepted")
	m.IncAdmission("accepted")
	m.IncAdmission("banned")
	m.SetLastScannedBlock("0xep", 42)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.numAdmissions.WithLabelValues("accepted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.numAdmissions.WithLabelValues("banned")))
	assert.Equal(t, float64(42), testutil.ToFloat64(m.lastScannedBlock.WithLabelValues("0xep")))
}

func TestPoolCollectorReadsSnapshotOnScrape(t *testing.T) {
	size := 3
	c := NewPoolCollector(func() PoolSnapshot {
		return PoolSnapshot{
			MempoolSize:        size,
			ReputationByStatus: map[string]int{"ok": 4, "banned": 1},
		}
	})

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP ap_bundler_mempool_size The number of user operations waiting in the mempool
# TYPE ap_bundler_mempool_size gauge
ap_bundler_mempool_size 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "ap_bundler_mempool_size"))

	size = 7
	expected = strings.Replace(expected, "ap_bundler_mempool_size 3", "ap_bundler_mempool_size 7", 1)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "ap_bundler_mempool_size"))
}
