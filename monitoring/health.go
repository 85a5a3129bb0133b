package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/PhotizoAi/percolator-launch-sub002/metrics"
)

type HealthStatus struct {
	Status          string            `json:"status"`
	Uptime          string            `json:"uptime"`
	StartTime       time.Time         `json:"start_time"`
	MemoryUsage     uint64            `json:"memory_usage"`
	GoroutineCount  int               `json:"goroutine_count"`
	CranksOK        uint64            `json:"cranks_ok"`
	CranksFailed    uint64            `json:"cranks_failed"`
	LastCrank       time.Time         `json:"last_crank,omitempty"`
	ComponentStatus map[string]string `json:"component_status"`
	Operations      []OperationStatus `json:"operations"`
}

// Health serves the keeper's /health endpoint. Status is "degraded" while
// any operation has an active alert or any registered check fails.
type Health struct {
	start   time.Time
	monitor *Monitor
	metrics *metrics.Metrics

	mu     sync.RWMutex
	checks map[string]func() bool
}

func NewHealth(monitor *Monitor, m *metrics.Metrics) *Health {
	return &Health{
		start:   time.Now(),
		monitor: monitor,
		metrics: m,
		checks:  make(map[string]func() bool),
	}
}

// RegisterCheck adds a named component check.
func (h *Health) RegisterCheck(name string, check func() bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

func (h *Health) Status() HealthStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	ok, failed, last, _ := h.metrics.GetStats()
	status := HealthStatus{
		Status:          "ok",
		Uptime:          time.Since(h.start).Round(time.Second).String(),
		StartTime:       h.start,
		MemoryUsage:     m.Alloc,
		GoroutineCount:  runtime.NumGoroutine(),
		CranksOK:        ok,
		CranksFailed:    failed,
		LastCrank:       last,
		ComponentStatus: make(map[string]string),
	}

	h.mu.RLock()
	for name, check := range h.checks {
		if check() {
			status.ComponentStatus[name] = "healthy"
		} else {
			status.ComponentStatus[name] = "unhealthy"
			status.Status = "degraded"
		}
	}
	h.mu.RUnlock()

	if h.monitor != nil {
		status.Operations = h.monitor.Status()
		if !h.monitor.Healthy() {
			status.Status = "degraded"
		}
	}
	return status
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
