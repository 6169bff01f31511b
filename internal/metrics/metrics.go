// Package metrics holds the bot's prometheus collectors. All methods are
// safe on a nil *Metrics so components can run without them in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	Registry *prometheus.Registry

	Updates          *prometheus.CounterVec   // kind
	HandlerDuration  *prometheus.HistogramVec // kind
	CacheLookups     *prometheus.CounterVec   // result: hit | miss_found | miss_empty | error
	StaleDeletes     *prometheus.CounterVec   // result: ok | failed
	DaysOpened       *prometheus.CounterVec   // kind: opened | already_opened | locked
	AnswersStored    prometheus.Counter
	BroadcastRuns    *prometheus.CounterVec // outcome: ok | throttled | enumerate_failed | canceled
	BroadcastSends   *prometheus.CounterVec // result: sent | failed | skipped
	BroadcastLast    prometheus.Gauge
	BroadcastRunTime prometheus.Histogram
	WritebackPending prometheus.GaugeFunc
	HTTPRequests     *prometheus.CounterVec // handler, method, code
	LogDrops         *prometheus.CounterVec // reason: rate_limited | queue_full
}

// New builds the collectors and registers them, plus the Go and process
// collectors, on a private registry.
func New(writebackPending func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "adventbot_updates_total", Help: "Inbound updates by kind."},
			[]string{"kind"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adventbot_handler_duration_seconds",
				Help:    "Update handling latency.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
			},
			[]string{"kind"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "adventbot_ref_cache_lookups_total", Help: "Message reference cache lookups."},
			[]string{"result"},
		),
		StaleDeletes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "adventbot_stale_deletes_total", Help: "Best-effort deletes of superseded messages."},
			[]string{"result"},
		),
		DaysOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "adventbot_reveals_total", Help: "Day reveal decisions."},
			[]string{"kind"},
		),
		AnswersStored: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "adventbot_answers_total", Help: "Answers stored."},
		),
		BroadcastRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "adventbot_broadcast_runs_total", Help: "Broadcast triggers by outcome."},
			[]string{"outcome"},
		),
		BroadcastSends: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "adventbot_broadcast_users_total", Help: "Per-user broadcast outcomes."},
			[]string{"result"},
		),
		BroadcastLast: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "adventbot_broadcast_last_run_timestamp_seconds", Help: "Start of the last broadcast run."},
		),
		BroadcastRunTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "adventbot_broadcast_duration_seconds",
				Help:    "Broadcast run duration.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms..~7m
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "adventbot_http_requests_total", Help: "HTTP requests."},
			[]string{"handler", "method", "code"},
		),
		LogDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "adventbot_log_telegram_dropped_total", Help: "Log records the Telegram sink discarded."},
			[]string{"reason"},
		),
	}
	if writebackPending == nil {
		writebackPending = func() float64 { return 0 }
	}
	m.WritebackPending = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "adventbot_writeback_pending_rows", Help: "Rows waiting for the write-behind flush."},
		writebackPending,
	)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Updates, m.HandlerDuration, m.CacheLookups, m.StaleDeletes,
		m.DaysOpened, m.AnswersStored,
		m.BroadcastRuns, m.BroadcastSends, m.BroadcastLast, m.BroadcastRunTime,
		m.WritebackPending, m.HTTPRequests, m.LogDrops,
	)
	return m
}

func (m *Metrics) Update(kind string, took time.Duration) {
	if m == nil {
		return
	}
	m.Updates.WithLabelValues(kind).Inc()
	m.HandlerDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) StaleDelete(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.StaleDeletes.WithLabelValues("ok").Inc()
		return
	}
	m.StaleDeletes.WithLabelValues("failed").Inc()
}

func (m *Metrics) Reveal(kind string) {
	if m == nil {
		return
	}
	m.DaysOpened.WithLabelValues(kind).Inc()
}

func (m *Metrics) Answer() {
	if m == nil {
		return
	}
	m.AnswersStored.Inc()
}

// BroadcastRun records one trigger. sent/failed/skipped are zero for
// throttled runs.
func (m *Metrics) BroadcastRun(outcome string, started time.Time, took time.Duration, sent, failed, skipped int) {
	if m == nil {
		return
	}
	m.BroadcastRuns.WithLabelValues(outcome).Inc()
	if outcome == "throttled" {
		return
	}
	m.BroadcastLast.Set(float64(started.Unix()))
	m.BroadcastRunTime.Observe(took.Seconds())
	m.BroadcastSends.WithLabelValues("sent").Add(float64(sent))
	m.BroadcastSends.WithLabelValues("failed").Add(float64(failed))
	m.BroadcastSends.WithLabelValues("skipped").Add(float64(skipped))
}

func (m *Metrics) HTTP(handler, method string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(handler, method, strconv.Itoa(code)).Inc()
}

// LogDrop matches the logx drop callback.
func (m *Metrics) LogDrop(reason string) {
	if m == nil {
		return
	}
	m.LogDrops.WithLabelValues(reason).Inc()
}
