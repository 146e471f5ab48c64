// Package metrics provides the statistics surface for the read-path helper
// and its collaborators, kept disabled (zero overhead) until InitRegistry is
// called.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	enabled  bool
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection and creates the Prometheus
// registry that every *Metrics constructor in this package and its
// prometheus subpackage registers collectors against.
//
// Call once at process startup, before any NewXMetrics constructor. Safe to
// call more than once; later calls replace the registry.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()

	registry = prometheus.NewRegistry()
	enabled = true

	return registry
}

// IsEnabled reports whether InitRegistry has been called. Constructors in
// this package return nil when it hasn't, so collaborators can pass a nil
// metrics handle through their call paths at zero cost.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()

	return enabled
}

// GetRegistry returns the active registry. Panics if called before
// InitRegistry; callers should always guard with IsEnabled first, matching
// the pattern used by every NewXMetrics constructor in this package.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()

	if registry == nil {
		panic("metrics: GetRegistry called before InitRegistry")
	}

	return registry
}

// Reset disables metrics and drops the registry. Used by tests that need a
// clean slate between cases exercising InitRegistry.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	enabled = false
	registry = nil
}
