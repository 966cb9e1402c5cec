// Package metrics instruments the server and the dequeuer. Metrics are kept
// in the go-metrics default registry and can be read back with WriteJSON.
package metrics

import (
	"io"
	"sync"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

var mu sync.RWMutex

// namespace prefixes every metric name, typically with the running process
// ("wcdsync.server", "wcdsync.dequeuer").
var namespace string

// SetNamespace sets the prefix for metrics recorded after the call.
func SetNamespace(ns string) {
	mu.Lock()
	defer mu.Unlock()
	namespace = ns
}

func withNamespace(name string) string {
	mu.RLock()
	defer mu.RUnlock()
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

// Increment a counter with the given name.
func Increment(name string) {
	gometrics.GetOrRegisterCounter(withNamespace(name), nil).Inc(1)
}

// Measure that the given metric has the given value.
func Measure(name string, value int64) {
	gometrics.GetOrRegisterGauge(withNamespace(name), nil).Update(value)
}

// Time adds a timing measurement for the given metric.
func Time(name string, value time.Duration) {
	gometrics.GetOrRegisterTimer(withNamespace(name), nil).Update(value)
}

// Count returns the current value of the named counter, or 0 if nothing was
// recorded.
func Count(name string) int64 {
	if c, ok := gometrics.DefaultRegistry.Get(withNamespace(name)).(gometrics.Counter); ok {
		return c.Count()
	}
	return 0
}

// Value returns the last value measured for the named gauge.
func Value(name string) (int64, bool) {
	if g, ok := gometrics.DefaultRegistry.Get(withNamespace(name)).(gometrics.Gauge); ok {
		return g.Value(), true
	}
	return 0, false
}

// Timings returns the number of measurements recorded for the named timer.
func Timings(name string) int64 {
	if t, ok := gometrics.DefaultRegistry.Get(withNamespace(name)).(gometrics.Timer); ok {
		return t.Count()
	}
	return 0
}

// WriteJSON writes a snapshot of every registered metric to w.
func WriteJSON(w io.Writer) {
	gometrics.WriteJSONOnce(gometrics.DefaultRegistry, w)
}
