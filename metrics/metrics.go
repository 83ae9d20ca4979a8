package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsGenerator interface {
	// result is accepted, replaced or the rejection class
	IncAdmission(result string)
	// outcome is one of mined, empty, failed, reverted and replaced
	IncBundleAttempt(outcome string)
	ObserveBundleSize(size int)
	IncDroppedOp(reason string)

	IncReconciledEvent(kind string)
	SetLastScannedBlock(entryPoint string, block uint64)
	IncReorg(entryPoint string)
}

// BundlerMetrics contains the instrumented metrics incremented by the engine components.
type BundlerMetrics struct {
	numAdmissions      *prometheus.CounterVec
	numBundleAttempts  *prometheus.CounterVec
	bundleSize         prometheus.Histogram
	numDroppedOps      *prometheus.CounterVec
	numReconciledEvent *prometheus.CounterVec
	lastScannedBlock   *prometheus.GaugeVec
	numReorgs          *prometheus.CounterVec
}

const apNamespace = "ap"
const bundlerSubsystem = "bundler"

func NewBundlerMetrics(reg prometheus.Registerer) *BundlerMetrics {
	return &BundlerMetrics{
		numAdmissions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: bundlerSubsystem,
				Name:      "admissions_total",
				Help:      "The number of user operations submitted to the mempool, by result",
			}, []string{"result"}),

		numBundleAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: bundlerSubsystem,
				Name:      "bundle_attempts_total",
				Help:      "The number of bundling attempts, by outcome",
			}, []string{"outcome"}),

		bundleSize: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Subsystem: bundlerSubsystem,
				Name:      "bundle_size",
				Help:      "The number of user operations in each submitted bundle",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
			}),

		numDroppedOps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: bundlerSubsystem,
				Name:      "dropped_ops_total",
				Help:      "The number of user operations dropped from the mempool without inclusion",
			}, []string{"reason"}),

		numReconciledEvent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: bundlerSubsystem,
				Name:      "reconciled_events_total",
				Help:      "The number of entry point events applied to the mempool and reputation",
			}, []string{"kind"}),

		lastScannedBlock: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Subsystem: bundlerSubsystem,
				Name:      "last_scanned_block",
				Help:      "The last block the event reconciler has fully processed. If it isn't increasing, the reconciler is stuck",
			}, []string{"entrypoint"}),

		numReorgs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: bundlerSubsystem,
				Name:      "reorgs_total",
				Help:      "The number of chain reorganizations detected by the event reconciler",
			}, []string{"entrypoint"}),
	}
}

func (m *BundlerMetrics) IncAdmission(result string) {
	m.numAdmissions.WithLabelValues(result).Inc()
}

func (m *BundlerMetrics) IncBundleAttempt(outcome string) {
	m.numBundleAttempts.WithLabelValues(outcome).Inc()
}

func (m *BundlerMetrics) ObserveBundleSize(size int) {
	m.bundleSize.Observe(float64(size))
}

func (m *BundlerMetrics) IncDroppedOp(reason string) {
	m.numDroppedOps.WithLabelValues(reason).Inc()
}

func (m *BundlerMetrics) IncReconciledEvent(kind string) {
	m.numReconciledEvent.WithLabelValues(kind).Inc()
}

func (m *BundlerMetrics) SetLastScannedBlock(entryPoint string, block uint64) {
	m.lastScannedBlock.WithLabelValues(entryPoint).Set(float64(block))
}

func (m *BundlerMetrics) IncReorg(entryPoint string) {
	m.numReorgs.WithLabelValues(entryPoint).Inc()
}

type noopMetrics struct{}

// NewNoopMetrics returns a MetricsGenerator that records nothing, for tests and tools.
func NewNoopMetrics() MetricsGenerator {
	return noopMetrics{}
}

func (noopMetrics) IncAdmission(string)                {}
func (noopMetrics) IncBundleAttempt(string)            {}
func (noopMetrics) ObserveBundleSize(int)              {}
func (noopMetrics) IncDroppedOp(string)                {}
func (noopMetrics) IncReconciledEvent(string)          {}
func (noopMetrics) SetLastScannedBlock(string, uint64) {}
func (noopMetrics) IncReorg(string)                    {}
