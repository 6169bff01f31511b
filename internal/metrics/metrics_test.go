package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	t.Fatal("unsupported metric type")
	return 0
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.Update("message", time.Millisecond)
	m.CacheLookup("hit")
	m.StaleDelete(false)
	m.Reveal("locked")
	m.Answer()
	m.BroadcastRun("ok", time.Now(), time.Second, 1, 1, 0)
	m.HTTP("broadcast", "POST", 200)
	m.LogDrop("queue_full")
}

func TestLogDropsByReason(t *testing.T) {
	m := New(nil)
	m.LogDrop("rate_limited")
	m.LogDrop("rate_limited")
	m.LogDrop("queue_full")
	if got := value(t, m.LogDrops.WithLabelValues("rate_limited")); got != 2 {
		t.Fatalf("rate_limited = %v", got)
	}
	if got := value(t, m.LogDrops.WithLabelValues("queue_full")); got != 1 {
		t.Fatalf("queue_full = %v", got)
	}
}

func TestBroadcastRunCounts(t *testing.T) {
	m := New(func() float64 { return 3 })
	m.BroadcastRun("ok", time.Unix(100, 0), time.Second, 2, 1, 4)
	m.BroadcastRun("throttled", time.Unix(200, 0), 0, 0, 0, 0)

	if got := value(t, m.BroadcastSends.WithLabelValues("sent")); got != 2 {
		t.Fatalf("sent = %v", got)
	}
	if got := value(t, m.BroadcastRuns.WithLabelValues("throttled")); got != 1 {
		t.Fatalf("throttled = %v", got)
	}
	if got := value(t, m.BroadcastLast); got != 100 {
		t.Fatalf("last run = %v, throttled triggers must not move it", got)
	}
	if got := value(t, m.WritebackPending); got != 3 {
		t.Fatalf("pending gauge = %v", got)
	}
}
