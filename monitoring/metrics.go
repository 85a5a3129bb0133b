package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/PhotizoAi/percolator-launch-sub002/metrics"
)

// CollectSystemMetrics samples memory and goroutine gauges every interval
// until ctx is done.
func CollectSystemMetrics(ctx context.Context, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	collectSystemMetrics(m)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collectSystemMetrics(m)
		}
	}
}

func collectSystemMetrics(m *metrics.Metrics) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.SetSystem(ms.Alloc, runtime.NumGoroutine())
}
