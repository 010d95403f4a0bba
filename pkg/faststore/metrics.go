package faststore

// metrics.go is a thin abstraction over Prometheus so the store can be
// used with or without metrics. When the caller passes a
// *prometheus.Registry via WithMetrics, Open creates labeled collectors
// and registers them; otherwise a no-op sink is used and the hot path
// does not pay for metric updates, mirroring pkg/metrics.go's
// metricsSink/noopMetrics/promMetrics split.
//
// ┌────────────────────────────────┬───────┐
// │ Metric                         │ Type  │
// ├─────────────────────────────────┼───────┤
// │ faststore_upserts_total         │ Ctr   │
// │ faststore_reads_total           │ Ctr   │
// │ faststore_read_misses_total     │ Ctr   │
// │ faststore_rmw_total             │ Ctr   │
// │ faststore_deletes_total         │ Ctr   │
// │ faststore_checkpoints_total     │ Ctr   │
// │ faststore_log_begin_address     │ Gge   │
// │ faststore_log_head_address      │ Gge   │
// │ faststore_log_read_only_address │ Gge   │
// │ faststore_log_tail_address      │ Gge   │
// │ faststore_index_entries         │ Gge   │
// └─────────────────────────────────┴───────┘

import "github.com/prometheus/client_golang/prometheus"

// metricsSink is an internal interface abstracting away the concrete
// backend (Prometheus vs noop). It is not exposed outside the package;
// Store only knows about the methods here.
type metricsSink interface {
	incUpsert()
	incRead(hit bool)
	incRMW()
	incDelete()
	incCheckpoint()
	setWatermarks(begin, head, readOnly, tail uint64)
	setIndexEntries(n int)
}

type noopMetrics struct{}

func (noopMetrics) incUpsert()                                    {}
func (noopMetrics) incRead(bool)                                  {}
func (noopMetrics) incRMW()                                       {}
func (noopMetrics) incDelete()                                    {}
func (noopMetrics) incCheckpoint()                                {}
func (noopMetrics) setWatermarks(begin, head, readOnly, tail uint64) {}
func (noopMetrics) setIndexEntries(int)                           {}

type promMetrics struct {
	upserts      prometheus.Counter
	reads        prometheus.Counter
	readMisses   prometheus.Counter
	rmws         prometheus.Counter
	deletes      prometheus.Counter
	checkpoints  prometheus.Counter

	begin    prometheus.Gauge
	head     prometheus.Gauge
	readOnly prometheus.Gauge
	tail     prometheus.Gauge

	indexEntries prometheus.Gauge
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	pm := &promMetrics{
		upserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faststore", Name: "upserts_total", Help: "Number of Upsert calls.",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faststore", Name: "reads_total", Help: "Number of Read calls.",
		}),
		readMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faststore", Name: "read_misses_total", Help: "Number of Read calls that found no entry.",
		}),
		rmws: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faststore", Name: "rmw_total", Help: "Number of RMW calls.",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faststore", Name: "deletes_total", Help: "Number of Delete calls.",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faststore", Name: "checkpoints_total", Help: "Number of completed checkpoints.",
		}),
		begin: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "faststore", Name: "log_begin_address", Help: "Current begin_address.",
		}),
		head: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "faststore", Name: "log_head_address", Help: "Current head_address.",
		}),
		readOnly: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "faststore", Name: "log_read_only_address", Help: "Current read_only_address.",
		}),
		tail: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "faststore", Name: "log_tail_address", Help: "Current tail_address.",
		}),
		indexEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "faststore", Name: "index_entries", Help: "Live hash index collision classes.",
		}),
	}
	reg.MustRegister(
		pm.upserts, pm.reads, pm.readMisses, pm.rmws, pm.deletes, pm.checkpoints,
		pm.begin, pm.head, pm.readOnly, pm.tail, pm.indexEntries,
	)
	return pm
}

func (m *promMetrics) incUpsert() { m.upserts.Inc() }
func (m *promMetrics) incRead(hit bool) {
	m.reads.Inc()
	if !hit {
		m.readMisses.Inc()
	}
}
func (m *promMetrics) incRMW()      { m.rmws.Inc() }
func (m *promMetrics) incDelete()    { m.deletes.Inc() }
func (m *promMetrics) incCheckpoint() { m.checkpoints.Inc() }
func (m *promMetrics) setWatermarks(begin, head, readOnly, tail uint64) {
	m.begin.Set(float64(begin))
	m.head.Set(float64(head))
	m.readOnly.Set(float64(readOnly))
	m.tail.Set(float64(tail))
}
func (m *promMetrics) setIndexEntries(n int) { m.indexEntries.Set(float64(n)) }

func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
