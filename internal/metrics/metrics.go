// Package metrics exposes the Prometheus registry keymint components
// record against: a lazily enabled global registry guarded by an
// IsEnabled() check so that metric recording is a no-op until
// InitRegistry has been called (keeps unit tests and library embedders
// from paying for metrics they never asked for).
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry installs reg (or a fresh registry if reg is nil) as the
// process-wide metrics registry and enables recording.
func InitRegistry(reg *prometheus.Registry) *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	registry = reg
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the active registry. Callers must check IsEnabled
// first; GetRegistry panics on a nil registry the same way a metrics
// constructor dereferencing it would, making misuse loud in tests.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	if registry == nil {
		panic("metrics: GetRegistry called before InitRegistry")
	}
	return registry
}
