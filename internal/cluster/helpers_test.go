package cluster

import (
	"sync"

	"github.com/ghostveil/cluster/internal/observability"
)

// Prometheus registration is global, so every test in this package must
// share one Metrics instance rather than calling NewMetrics per test.
var (
	sharedMetrics     *observability.Metrics
	sharedMetricsOnce sync.Once
	sharedLogger      *observability.Logger
	sharedLoggerOnce  sync.Once
)

func testMetrics() *observability.Metrics {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = observability.NewMetrics()
	})
	return sharedMetrics
}

func testLogger() *observability.Logger {
	sharedLoggerOnce.Do(func() {
		sharedLogger = observability.NewLogger("test", "0", nil)
	})
	return sharedLogger
}
