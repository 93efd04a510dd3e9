// Package metrics holds the Prometheus instruments of the notifier. All
// methods are safe on a nil *Metrics, so components can run without metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oncall_notifier"

type Metrics struct {
	registry *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	messagesFailed   *prometheus.CounterVec
	messageBlackhole *prometheus.CounterVec
	reminders        *prometheus.CounterVec
	claimConflicts   prometheus.Counter
	retries          prometheus.Counter
	escalations      *prometheus.CounterVec
	configGaps       prometheus.Counter
	notices          *prometheus.CounterVec
	cycles           *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	windowClamped    prometheus.Counter
	lastSuccess      prometheus.Gauge
	state            *prometheus.GaugeVec
}

// New creates the instruments on a private registry, plus Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_sent_total",
			Help: "Messages accepted by a backend.",
		}, []string{"backend", "mode"}),
		messagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_fail_total",
			Help: "Backend send attempts that failed.",
		}, []string{"backend", "mode"}),
		messageBlackhole: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_blackhole_total",
			Help: "Messages dropped because skipsend is on.",
		}, []string{"mode"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reminders_total",
			Help: "Reminder work items by final outcome.",
		}, []string{"outcome"}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "claim_conflicts_total",
			Help: "Claims denied because another worker holds or finished the record.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_retries_total",
			Help: "Send attempts after the first within one cycle.",
		}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalations_total",
			Help: "Escalation attempts by trigger and result.",
		}, []string{"trigger", "result"}),
		configGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalation_config_gaps_total",
			Help: "Escalations skipped because no tier or plan is configured.",
		}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "missing_contact_notices_total",
			Help: "Missing-contact notices by result.",
		}, []string{"result"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "poll_cycles_total",
			Help: "Poll cycles by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "poll_cycle_duration_seconds",
			Help:    "Wall time of one poll cycle.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		windowClamped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "window_clamped_total",
			Help: "Cycles whose catch-up window was clamped to max_catchup.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_successful_poll_timestamp_seconds",
			Help: "End of the last fully processed window.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "poll_state",
			Help: "1 for the current poll loop state.",
		}, []string{"state"}),
	}
	reg.MustRegister(
		m.messagesSent, m.messagesFailed, m.messageBlackhole, m.reminders, m.claimConflicts, m.retries,
		m.escalations, m.configGaps, m.notices, m.cycles, m.cycleDuration, m.windowClamped,
		m.lastSuccess, m.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) MessageSent(backend, mode string) {
	if m != nil {
		m.messagesSent.WithLabelValues(backend, mode).Inc()
	}
}

func (m *Metrics) MessageFailed(backend, mode string) {
	if m != nil {
		m.messagesFailed.WithLabelValues(backend, mode).Inc()
	}
}

func (m *Metrics) MessageBlackholed(mode string) {
	if m != nil {
		m.messageBlackhole.WithLabelValues(mode).Inc()
	}
}

// Reminder counts a work item outcome: sent, failed, no_contact, already_sent, conflict, error.
func (m *Metrics) Reminder(outcome string) {
	if m != nil {
		m.reminders.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ClaimConflict() {
	if m != nil {
		m.claimConflicts.Inc()
	}
}

func (m *Metrics) Retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) Escalation(trigger, result string) {
	if m != nil {
		m.escalations.WithLabelValues(trigger, result).Inc()
	}
}

func (m *Metrics) EscalationConfigGap() {
	if m != nil {
		m.configGaps.Inc()
	}
}

func (m *Metrics) Notice(result string) {
	if m != nil {
		m.notices.WithLabelValues(result).Inc()
	}
}

// Cycle records one finished poll cycle.
func (m *Metrics) Cycle(result string, took time.Duration, clamped bool) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(took.Seconds())
	if clamped {
		m.windowClamped.Inc()
	}
}

func (m *Metrics) LastSuccess(t time.Time) {
	if m != nil {
		m.lastSuccess.Set(float64(t.UnixMilli()) / 1000)
	}
}

// State marks the current poll loop state; the others are reset to 0.
func (m *Metrics) State(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

// CountsFunc reports record counts by status.
type CountsFunc func(ctx context.Context) (map[string]int, error)

// WatchLedger exports ledger record counts, queried at scrape time.
func (m *Metrics) WatchLedger(fn CountsFunc) error {
	if m == nil || fn == nil {
		return nil
	}
	return m.registry.Register(&ledgerCollector{
		fn: fn,
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "ledger_records"),
			"Dispatch records by status.", []string{"status"}, nil),
	})
}

type ledgerCollector struct {
	fn   CountsFunc
	desc *prometheus.Desc
}

func (c *ledgerCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *ledgerCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	counts, err := c.fn(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), status)
	}
}
