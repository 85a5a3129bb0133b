package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCrankStats(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Crank("active", nil)
	m.Crank("active", nil)
	m.Crank("idle", errors.New("boom"))

	processed, failed, last, uptime := m.GetStats()
	if processed != 2 || failed != 1 {
		t.Errorf("GetStats = %d processed, %d failed, expected 2 and 1", processed, failed)
	}
	if time.Since(last) > time.Minute || uptime < 0 {
		t.Errorf("unexpected last processed %v / uptime %v", last, uptime)
	}
	if got := testutil.ToFloat64(m.cranks.WithLabelValues("active", "ok")); got != 2 {
		t.Errorf("active ok cranks = %v, expected 2", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Crank("active", nil)
	m.CacheHit()
	m.ObserveRPC("getSlot", "primary", time.Millisecond, nil)
	m.SetMarkets("idle", 3)
	if p, f, _, _ := m.GetStats(); p != 0 || f != 0 {
		t.Error("nil metrics must report zero stats")
	}
}
