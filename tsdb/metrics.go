package tsdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the commit pipeline's Prometheus instruments, grounded on the
// same promauto.With(...).New*(...) registration style the retrieval
// pack's storage engines (e.g. FrostDB, Tempo) use for their write paths
// (spec.md §6's ambient observability stack).
type metrics struct {
	commitsTotal      prometheus.Counter
	commitErrorsTotal *prometheus.CounterVec
	commitDuration    prometheus.Histogram
	fileIDsWritten    prometheus.Counter
	rowsCommitted     prometheus.Counter
	memtableBytes     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		commitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Total number of completed commit cycles.",
		}),
		commitErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_errors_total",
			Help:      "Total number of commit cycles that failed, by error kind.",
		}, []string{"kind"}),
		commitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Wall-clock duration of a full commit cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		fileIDsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_ids_written_total",
			Help:      "Total number of file-ids written to across all commits.",
		}),
		rowsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_committed_total",
			Help:      "Total number of rows moved from the memtable into on-disk blocks.",
		}),
		memtableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memtable_rows",
			Help:      "Number of rows currently buffered in the active memtable.",
		}),
	}
}
