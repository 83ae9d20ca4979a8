package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PoolSnapshot is what the pool collector reads on every scrape.
type PoolSnapshot struct {
	MempoolSize int
	// number of tracked entities per reputation status name
	ReputationByStatus map[string]int
}

// PoolCollector reports mempool and reputation gauges computed at scrape time, so the hot path
// never has to keep them in sync.
type PoolCollector struct {
	snapshot func() PoolSnapshot

	mempoolSize *prometheus.Desc
	reputation  *prometheus.Desc
}

func NewPoolCollector(snapshot func() PoolSnapshot) prometheus.Collector {
	return &PoolCollector{
		snapshot: snapshot,
		mempoolSize: prometheus.NewDesc(
			prometheus.BuildFQName(apNamespace, bundlerSubsystem, "mempool_size"),
			"The number of user operations waiting in the mempool",
			nil, nil,
		),
		reputation: prometheus.NewDesc(
			prometheus.BuildFQName(apNamespace, bundlerSubsystem, "reputation_entities"),
			"The number of tracked entities by reputation status",
			[]string{"status"}, nil,
		),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.mempoolSize
	ch <- c.reputation
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()

	ch <- prometheus.MustNewConstMetric(c.mempoolSize, prometheus.GaugeValue, float64(s.MempoolSize))
	for status, n := range s.ReputationByStatus {
		ch <- prometheus.MustNewConstMetric(c.reputation, prometheus.GaugeValue, float64(n), status)
	}
}
