package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/coldmesh/netfs/pkg/metrics"
	"github.com/coldmesh/netfs/pkg/netfsio"
)

func init() {
	metrics.RegisterNetfsioMetricsConstructor(NewNetfsioMetrics)
}

// netfsioMetrics is the Prometheus implementation of netfsio.Stats. Every
// counter is labeled by op where the interface distinguishes one, and
// left bare where it doesn't (the request/subrequest lifecycle counters).
type netfsioMetrics struct {
	entryOps     *prometheus.CounterVec // "readahead", "readpage", "write_begin"
	downloadOps  *prometheus.CounterVec // "issued", "done", "failed", "instead"
	cacheReadOps *prometheus.CounterVec // "done", "failed"
	writeOps     *prometheus.CounterVec // "issued", "done", "failed"
	zeroFills    prometheus.Counter
	shortReads   prometheus.Counter
	writeZSkips  prometheus.Counter
	rreqAllocs   prometheus.Counter
	rreqFrees    prometheus.Counter
	sreqAllocs   prometheus.Counter
	sreqFrees    prometheus.Counter
}

// NewNetfsioMetrics creates a new Prometheus-backed netfsio.Stats instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewNetfsioMetrics() netfsio.Stats {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &netfsioMetrics{
		entryOps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "netfs_io_entry_operations_total",
				Help: "Total number of netfsio entry-point calls by kind",
			},
			[]string{"kind"},
		),
		downloadOps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "netfs_io_download_operations_total",
				Help: "Total number of server download subrequest outcomes",
			},
			[]string{"outcome"},
		),
		cacheReadOps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "netfs_io_read_operations_total",
				Help: "Total number of cache-sourced read subrequest outcomes",
			},
			[]string{"outcome"},
		),
		writeOps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "netfs_io_cache_write_operations_total",
				Help: "Total number of cache write-back subrequest outcomes",
			},
			[]string{"outcome"},
		),
		zeroFills: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "netfs_io_zero_fill_total",
				Help: "Total number of subrequests satisfied by zero-fill",
			},
		),
		shortReads: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "netfs_io_short_read_total",
				Help: "Total number of subrequests that transferred less than requested",
			},
		),
		writeZSkips: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "netfs_io_write_begin_zero_skip_total",
				Help: "Total number of WriteBegin calls that skipped I/O via zero-fill beyond EOF",
			},
		),
		rreqAllocs: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "netfs_io_request_allocations_total",
				Help: "Total number of Request objects allocated",
			},
		),
		rreqFrees: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "netfs_io_request_frees_total",
				Help: "Total number of Request objects freed",
			},
		),
		sreqAllocs: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "netfs_io_subrequest_allocations_total",
				Help: "Total number of Subrequest objects allocated",
			},
		),
		sreqFrees: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "netfs_io_subrequest_frees_total",
				Help: "Total number of Subrequest objects freed",
			},
		),
	}
}

func (m *netfsioMetrics) IncReadahead() {
	if m == nil {
		return
	}
	m.entryOps.WithLabelValues("readahead").Inc()
}

func (m *netfsioMetrics) IncReadpage() {
	if m == nil {
		return
	}
	m.entryOps.WithLabelValues("readpage").Inc()
}

func (m *netfsioMetrics) IncWriteBegin() {
	if m == nil {
		return
	}
	m.entryOps.WithLabelValues("write_begin").Inc()
}

func (m *netfsioMetrics) IncDownload() {
	if m == nil {
		return
	}
	m.downloadOps.WithLabelValues("issued").Inc()
}

func (m *netfsioMetrics) IncDownloadDone() {
	if m == nil {
		return
	}
	m.downloadOps.WithLabelValues("done").Inc()
}

func (m *netfsioMetrics) IncDownloadFailed() {
	if m == nil {
		return
	}
	m.downloadOps.WithLabelValues("failed").Inc()
}

func (m *netfsioMetrics) IncDownloadInstead() {
	if m == nil {
		return
	}
	m.downloadOps.WithLabelValues("instead").Inc()
}

func (m *netfsioMetrics) IncReadDone() {
	if m == nil {
		return
	}
	m.cacheReadOps.WithLabelValues("done").Inc()
}

func (m *netfsioMetrics) IncReadFailed() {
	if m == nil {
		return
	}
	m.cacheReadOps.WithLabelValues("failed").Inc()
}

func (m *netfsioMetrics) IncWrite() {
	if m == nil {
		return
	}
	m.writeOps.WithLabelValues("issued").Inc()
}

func (m *netfsioMetrics) IncWriteDone() {
	if m == nil {
		return
	}
	m.writeOps.WithLabelValues("done").Inc()
}

func (m *netfsioMetrics) IncWriteFailed() {
	if m == nil {
		return
	}
	m.writeOps.WithLabelValues("failed").Inc()
}

func (m *netfsioMetrics) IncZero() {
	if m == nil {
		return
	}
	m.zeroFills.Inc()
}

func (m *netfsioMetrics) IncShortRead() {
	if m == nil {
		return
	}
	m.shortReads.Inc()
}

func (m *netfsioMetrics) IncWriteZSkip() {
	if m == nil {
		return
	}
	m.writeZSkips.Inc()
}

func (m *netfsioMetrics) IncRreqAlloc() {
	if m == nil {
		return
	}
	m.rreqAllocs.Inc()
}

func (m *netfsioMetrics) IncRreqFree() {
	if m == nil {
		return
	}
	m.rreqFrees.Inc()
}

func (m *netfsioMetrics) IncSreqAlloc() {
	if m == nil {
		return
	}
	m.sreqAllocs.Inc()
}

func (m *netfsioMetrics) IncSreqFree() {
	if m == nil {
		return
	}
	m.sreqFrees.Inc()
}
