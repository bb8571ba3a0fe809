package lfs

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the prometheus collectors an Engine reports against, the
// same attach-a-registry shape bb-storage's storage layer uses for its
// block-access counters.
type Metrics struct {
	SyncsTotal          prometheus.Counter
	SegmentsFreedTotal  prometheus.Counter
	BlocksRelocatedTotal prometheus.Counter
	GCFailedTotal       prometheus.Counter
	FreeSegments        prometheus.Gauge
}

// NewMetrics constructs a Metrics and registers it against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lfs", Name: "syncs_total",
			Help: "Number of completed sync() calls.",
		}),
		SegmentsFreedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lfs", Name: "segments_freed_total",
			Help: "Number of segments the cleaner has returned to the free ring.",
		}),
		BlocksRelocatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lfs", Name: "blocks_relocated_total",
			Help: "Number of blocks the cleaner has relocated out of victim segments.",
		}),
		GCFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lfs", Name: "gc_failed_total",
			Help: "Number of times the allocator latched gc_failed.",
		}),
		FreeSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lfs", Name: "free_segments",
			Help: "Current length of the free-segment ring.",
		}),
	}
	reg.MustRegister(m.SyncsTotal, m.SegmentsFreedTotal, m.BlocksRelocatedTotal, m.GCFailedTotal, m.FreeSegments)
	return m
}
