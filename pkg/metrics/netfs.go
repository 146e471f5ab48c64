package metrics

import "github.com/coldmesh/netfs/pkg/netfsio"

// NewNetfsioMetrics creates a new Prometheus-backed netfsio.Stats
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called); a
// nil Stats is accepted everywhere a Request attaches one, at zero
// overhead (see Request.stat).
func NewNetfsioMetrics() netfsio.Stats {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusNetfsioMetrics()
}

// newPrometheusNetfsioMetrics is implemented in
// pkg/metrics/prometheus/netfs.go; this indirection avoids an import
// cycle (prometheus imports netfsio and metrics; metrics cannot import
// prometheus back).
var newPrometheusNetfsioMetrics func() netfsio.Stats

// RegisterNetfsioMetricsConstructor registers the Prometheus netfsio
// statistics constructor. Called by pkg/metrics/prometheus/netfs.go's
// init.
func RegisterNetfsioMetricsConstructor(constructor func() netfsio.Stats) {
	newPrometheusNetfsioMetrics = constructor
}
