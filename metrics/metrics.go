package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the keeper's prometheus collectors plus a few internal
// counters for the health endpoint. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	rpcCalls       *prometheus.CounterVec
	rpcDuration    *prometheus.HistogramVec
	tokenWait      prometheus.Histogram
	cacheLookups   *prometheus.CounterVec
	cranks         *prometheus.CounterVec
	oraclePushes   *prometheus.CounterVec
	liquidations   *prometheus.CounterVec
	accounts       prometheus.Counter
	marketsTracked *prometheus.GaugeVec
	alerts         *prometheus.CounterVec
	memoryUsage    prometheus.Gauge
	goroutines     prometheus.Gauge

	// Internal counters
	processed     uint64
	errorCount    uint64
	mu            sync.Mutex
	lastProcessed time.Time
	startTime     time.Time
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_rpc_calls_total",
			Help: "Remote calls by method, endpoint and outcome",
		}, []string{"method", "endpoint", "outcome"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keeper_rpc_duration_seconds",
			Help:    "Latency of remote calls",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		tokenWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keeper_token_wait_seconds",
			Help:    "Time spent waiting for a rate limiter token",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_cache_lookups_total",
			Help: "Read cache lookups by result",
		}, []string{"result"}),
		cranks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_cranks_total",
			Help: "Crank attempts by cadence and outcome",
		}, []string{"cadence", "outcome"}),
		oraclePushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_oracle_pushes_total",
			Help: "Oracle push cycles by outcome",
		}, []string{"outcome"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_liquidations_total",
			Help: "Liquidation sequences by outcome",
		}, []string{"outcome"}),
		accounts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_accounts_scanned_total",
			Help: "Slab accounts evaluated by the liquidation scanner",
		}),
		marketsTracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keeper_markets_tracked",
			Help: "Markets in the registry by cadence",
		}, []string{"cadence"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_alerts_total",
			Help: "Alerts emitted by severity",
		}, []string{"severity"}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_memory_bytes",
			Help: "Current memory usage in bytes",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_goroutines",
			Help: "Current number of goroutines",
		}),
		startTime: time.Now(),
	}
	if reg != nil {
		reg.MustRegister(m.rpcCalls, m.rpcDuration, m.tokenWait, m.cacheLookups,
			m.cranks, m.oraclePushes, m.liquidations, m.accounts,
			m.marketsTracked, m.alerts, m.memoryUsage, m.goroutines)
	}
	return m
}

func (m *Metrics) ObserveRPC(method, endpoint string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.rpcCalls.WithLabelValues(method, endpoint, outcome).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) ObserveTokenWait(d time.Duration) {
	if m == nil {
		return
	}
	m.tokenWait.Observe(d.Seconds())
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) Crank(cadence string, err error) {
	if m == nil {
		return
	}
	m.cranks.WithLabelValues(cadence, outcome(err)).Inc()
	m.record(err)
}

func (m *Metrics) OraclePush(result string) {
	if m == nil {
		return
	}
	m.oraclePushes.WithLabelValues(result).Inc()
}

func (m *Metrics) Liquidation(result string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(result).Inc()
}

func (m *Metrics) AccountsScanned(n int) {
	if m == nil {
		return
	}
	m.accounts.Add(float64(n))
}

func (m *Metrics) SetMarkets(cadence string, n int) {
	if m == nil {
		return
	}
	m.marketsTracked.WithLabelValues(cadence).Set(float64(n))
}

func (m *Metrics) Alert(severity string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(severity).Inc()
}

func (m *Metrics) SetSystem(memBytes uint64, goroutines int) {
	if m == nil {
		return
	}
	m.memoryUsage.Set(float64(memBytes))
	m.goroutines.Set(float64(goroutines))
}

func (m *Metrics) record(err error) {
	if err != nil {
		atomic.AddUint64(&m.errorCount, 1)
		return
	}
	atomic.AddUint64(&m.processed, 1)
	m.mu.Lock()
	m.lastProcessed = time.Now()
	m.mu.Unlock()
}

// GetStats returns successful cranks, failed cranks, the time of the last
// successful crank and the process uptime.
func (m *Metrics) GetStats() (uint64, uint64, time.Time, time.Duration) {
	if m == nil {
		return 0, 0, time.Time{}, 0
	}
	m.mu.Lock()
	last := m.lastProcessed
	m.mu.Unlock()
	return atomic.LoadUint64(&m.processed),
		atomic.LoadUint64(&m.errorCount),
		last,
		time.Since(m.startTime)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
