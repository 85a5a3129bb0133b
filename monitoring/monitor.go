package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/events"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Thresholds decide when a watched operation is unhealthy. Any one crossed
// threshold raises an alert.
type Thresholds struct {
	MaxConsecutiveFailures int
	// ErrorRate over the last WindowSize outcomes, once MinSamples exist.
	ErrorRate  float64
	WindowSize int
	MinSamples int
	// Staleness is the longest tolerated gap since the last success.
	Staleness time.Duration
	Cooldown  time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxConsecutiveFailures: 3,
		ErrorRate:              0.5,
		WindowSize:             20,
		MinSamples:             5,
		Staleness:              10 * time.Minute,
		Cooldown:               5 * time.Minute,
	}
}

type opState struct {
	consecutive int
	lastSuccess time.Time
	lastError   string
	window      []bool // true = failure
	next        int
	filled      int
	alertActive bool
	lastAlert   time.Time
	alertedAt   time.Time
}

func (s *opState) push(failed bool) {
	s.window[s.next] = failed
	s.next = (s.next + 1) % len(s.window)
	if s.filled < len(s.window) {
		s.filled++
	}
}

func (s *opState) errorRate() float64 {
	if s.filled == 0 {
		return 0
	}
	n := 0
	for i := 0; i < s.filled; i++ {
		if s.window[i] {
			n++
		}
	}
	return float64(n) / float64(s.filled)
}

// OperationStatus is a point-in-time view of one watched operation.
type OperationStatus struct {
	Operation           string    `json:"operation"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ErrorRate           float64   `json:"error_rate"`
	Samples             int       `json:"samples"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
	AlertActive         bool      `json:"alert_active"`
	LastAlert           time.Time `json:"last_alert,omitempty"`
}

// Monitor tracks pass/fail outcomes per operation and publishes
// events.AlertFired and events.AlertRecovered on the bus. Sinks are fed
// through AlertRelay's queue, so recording an outcome never waits on alert
// delivery.
type Monitor struct {
	mu     sync.Mutex
	ops    map[string]*opState
	th     Thresholds
	bus    *events.Bus
	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewMonitor(th Thresholds, bus *events.Bus, logger *zap.SugaredLogger) *Monitor {
	def := DefaultThresholds()
	if th.WindowSize <= 0 {
		th.WindowSize = def.WindowSize
	}
	if th.MinSamples <= 0 {
		th.MinSamples = def.MinSamples
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Monitor{
		ops:    make(map[string]*opState),
		th:     th,
		bus:    bus,
		now:    time.Now,
		logger: logger,
	}
}

// state returns op's state, creating it with the current time as the
// staleness baseline. Callers hold m.mu.
func (m *Monitor) state(op string) *opState {
	s, ok := m.ops[op]
	if !ok {
		s = &opState{lastSuccess: m.now(), window: make([]bool, m.th.WindowSize)}
		m.ops[op] = s
	}
	return s
}

// Watch registers op so staleness is measured from now even before its
// first outcome.
func (m *Monitor) Watch(op string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.state(op)
	m.mu.Unlock()
}

// Record dispatches to RecordSuccess or RecordFailure. A nil Monitor
// records nothing.
func (m *Monitor) Record(op string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RecordFailure(op, err)
		return
	}
	m.RecordSuccess(op)
}

func (m *Monitor) RecordSuccess(op string) {
	m.mu.Lock()
	s := m.state(op)
	now := m.now()
	s.consecutive = 0
	s.lastSuccess = now
	s.push(false)

	var ev *events.Event
	if s.alertActive {
		s.alertActive = false
		e := events.New(events.AlertRecovered, op, map[string]interface{}{
			"severity": string(SeverityInfo),
			"message":  fmt.Sprintf("%s recovered", op),
			"down_for": now.Sub(s.alertedAt).Round(time.Second).String(),
		})
		ev = &e
	}
	m.mu.Unlock()

	if ev != nil {
		m.logger.Infow("Operation recovered", "op", op)
		m.bus.Publish(*ev)
	}
}

func (m *Monitor) RecordFailure(op string, err error) {
	m.mu.Lock()
	s := m.state(op)
	s.consecutive++
	s.push(true)
	if err != nil {
		s.lastError = err.Error()
	}
	ev := m.evaluate(op, s)
	m.mu.Unlock()

	if ev != nil {
		m.bus.Publish(*ev)
	}
}

// CheckStaleness evaluates every watched operation for the staleness
// threshold. Failure-driven thresholds are evaluated on each failure.
func (m *Monitor) CheckStaleness() {
	m.mu.Lock()
	names := make([]string, 0, len(m.ops))
	for op := range m.ops {
		names = append(names, op)
	}
	sort.Strings(names)
	var pending []events.Event
	for _, op := range names {
		if ev := m.evaluate(op, m.ops[op]); ev != nil {
			pending = append(pending, *ev)
		}
	}
	m.mu.Unlock()

	for _, ev := range pending {
		m.bus.Publish(ev)
	}
}

// Run checks staleness every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckStaleness()
		}
	}
}

// evaluate returns the alert to publish for op, if any. Callers hold m.mu.
func (m *Monitor) evaluate(op string, s *opState) *events.Event {
	now := m.now()
	var reasons []string
	if m.th.MaxConsecutiveFailures > 0 && s.consecutive >= m.th.MaxConsecutiveFailures {
		reasons = append(reasons, fmt.Sprintf("%d consecutive failures", s.consecutive))
	}
	rate := s.errorRate()
	if m.th.ErrorRate > 0 && s.filled >= m.th.MinSamples && rate >= m.th.ErrorRate {
		reasons = append(reasons, fmt.Sprintf("error rate %.0f%% over %d outcomes", rate*100, s.filled))
	}
	since := now.Sub(s.lastSuccess)
	if m.th.Staleness > 0 && since >= m.th.Staleness {
		reasons = append(reasons, fmt.Sprintf("no success for %s", since.Round(time.Second)))
	}
	if len(reasons) == 0 {
		return nil
	}
	if s.alertActive && now.Sub(s.lastAlert) < m.th.Cooldown {
		return nil
	}

	if !s.alertActive {
		s.alertedAt = now
	}
	s.alertActive = true
	s.lastAlert = now

	severity := SeverityWarning
	if len(reasons) > 1 {
		severity = SeverityCritical
	}
	m.logger.Warnw("Operation unhealthy", "op", op, "reasons", reasons, "last_error", s.lastError)

	e := events.New(events.AlertFired, op, map[string]interface{}{
		"severity":             string(severity),
		"message":              fmt.Sprintf("%s unhealthy: %s", op, strings.Join(reasons, "; ")),
		"consecutive_failures": s.consecutive,
		"error_rate":           rate,
		"last_error":           s.lastError,
	})
	return &e
}

// Status returns every watched operation, sorted by name.
func (m *Monitor) Status() []OperationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OperationStatus, 0, len(m.ops))
	for op, s := range m.ops {
		out = append(out, OperationStatus{
			Operation:           op,
			ConsecutiveFailures: s.consecutive,
			ErrorRate:           s.errorRate(),
			Samples:             s.filled,
			LastSuccess:         s.lastSuccess,
			LastError:           s.lastError,
			AlertActive:         s.alertActive,
			LastAlert:           s.lastAlert,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Healthy reports whether no operation has an active alert.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.ops {
		if s.alertActive {
			return false
		}
	}
	return true
}
