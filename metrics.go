package kartoteka

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

var UpdateCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kartoteka",
	Subsystem: "registry",
	Name:      "updates",
}, []string{"index"})

var RebuildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kartoteka",
	Subsystem: "registry",
	Name:      "rebuilds",
}, []string{"index", "reason"})

var RebuildStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "kartoteka",
	Subsystem: "registry",
	Name:      "rebuild_states",
}, []string{"index"})

var QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "kartoteka",
	Subsystem: "registry",
	Name:      "query_duration",
	Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
}, []string{"index", "op"})

var InvalidationQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "kartoteka",
	Subsystem: "collector",
	Name:      "invalidation_queue_depth",
})

var FilesToUpdateCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "kartoteka",
	Subsystem: "collector",
	Name:      "files_to_update",
})

var FlushCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "kartoteka",
	Subsystem: "flush",
	Name:      "flushes",
})

// PebbleCollector exposes the storage metrics of one index database
// under an index label.
type PebbleCollector struct {
	db   *pebble.DB
	name string

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	memtableCount   *prometheus.Desc
	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesIn      *prometheus.Desc
	diskUsage       *prometheus.Desc
}

func NewPebbleCollector(name string, db *pebble.DB) *PebbleCollector {
	labels := prometheus.Labels{"index": name}
	return &PebbleCollector{
		db:   db,
		name: name,
		compactionCount: prometheus.NewDesc(
			"kartoteka_pebble_compaction_count_total",
			"Total number of compactions performed",
			nil, labels,
		),
		compactionDebt: prometheus.NewDesc(
			"kartoteka_pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			nil, labels,
		),
		memtableSize: prometheus.NewDesc(
			"kartoteka_pebble_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, labels,
		),
		memtableCount: prometheus.NewDesc(
			"kartoteka_pebble_memtable_count_total",
			"Current count of memtables",
			nil, labels,
		),
		walFiles: prometheus.NewDesc(
			"kartoteka_pebble_wal_files_total",
			"Number of live WAL files",
			nil, labels,
		),
		walSize: prometheus.NewDesc(
			"kartoteka_pebble_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, labels,
		),
		walBytesIn: prometheus.NewDesc(
			"kartoteka_pebble_wal_bytes_in_total",
			"Total logical bytes written to the WAL",
			nil, labels,
		),
		diskUsage: prometheus.NewDesc(
			"kartoteka_pebble_disk_usage_bytes",
			"Total disk space used by the database",
			nil, labels,
		),
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactionCount
	ch <- pc.compactionDebt
	ch <- pc.memtableSize
	ch <- pc.memtableCount
	ch <- pc.walFiles
	ch <- pc.walSize
	ch <- pc.walBytesIn
	ch <- pc.diskUsage
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	m := pc.db.Metrics()
	ch <- prometheus.MustNewConstMetric(pc.compactionCount, prometheus.CounterValue, float64(m.Compact.Count))
	ch <- prometheus.MustNewConstMetric(pc.compactionDebt, prometheus.GaugeValue, float64(m.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(pc.memtableSize, prometheus.GaugeValue, float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(pc.memtableCount, prometheus.GaugeValue, float64(m.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(pc.walFiles, prometheus.GaugeValue, float64(m.WAL.Files))
	ch <- prometheus.MustNewConstMetric(pc.walSize, prometheus.GaugeValue, float64(m.WAL.Size))
	ch <- prometheus.MustNewConstMetric(pc.walBytesIn, prometheus.CounterValue, float64(m.WAL.BytesIn))
	ch <- prometheus.MustNewConstMetric(pc.diskUsage, prometheus.GaugeValue, float64(m.DiskSpaceUsage()))
}
