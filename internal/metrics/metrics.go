// Package metrics exposes timer activity as Prometheus collectors. Counters
// are fed from the event bus; gauges read live state on scrape.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"timerbot/internal/eventbus"
	"timerbot/internal/timer"
	"timerbot/pkg/logx"
)

const namespace = "timerbot"

// Sources are read on every scrape. Nil funcs are skipped.
type Sources struct {
	ActiveTimers func() int
	BusDropped   func() uint64
	LogDropped   func() uint64
}

type Metrics struct {
	reg *prometheus.Registry

	Events         *prometheus.CounterVec
	RefreshDropped *prometheus.CounterVec
	SinkErrors     *prometheus.CounterVec
	Durations      prometheus.Histogram
	Commands       *prometheus.CounterVec
}

func New(src Sources) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timer_events_total",
				Help:      "Timer lifecycle events by type",
			},
			[]string{"event"},
		),
		RefreshDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_dropped_total",
				Help:      "Status refreshes that were not pushed",
			},
			[]string{"reason"},
		),
		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_errors_total",
				Help:      "Notification and audio sink failures by operation",
			},
			[]string{"op"},
		),
		Durations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "timer_requested_duration_seconds",
				Help:      "Requested duration of started timers",
				Buckets:   []float64{30, 60, 300, 600, 1800, 3600, 4 * 3600, 24 * 3600},
			},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Handled commands by route and result",
			},
			[]string{"command", "result"},
		),
	}
	m.reg.MustRegister(
		m.Events,
		m.RefreshDropped,
		m.SinkErrors,
		m.Durations,
		m.Commands,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if src.ActiveTimers != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_timers",
			Help:      "Timers currently resident",
		}, func() float64 { return float64(src.ActiveTimers()) }))
	}
	if src.BusDropped != nil {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped because a subscriber was full",
		}, func() float64 { return float64(src.BusDropped()) }))
	}
	if src.LogDropped != nil {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_channel_dropped_total",
			Help:      "Log lines not delivered to the log channel",
		}, func() float64 { return float64(src.LogDropped()) }))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe accounts one event.
func (m *Metrics) Observe(e eventbus.Event) {
	if !strings.HasPrefix(e.Type, "timer.") {
		return
	}
	m.Events.WithLabelValues(strings.TrimPrefix(e.Type, "timer.")).Inc()

	d, _ := e.Data.(timer.EventData)
	switch e.Type {
	case timer.EventStarted:
		m.Durations.Observe(d.Duration.Seconds())
	case timer.EventRefreshDropped:
		m.RefreshDropped.WithLabelValues(orUnknown(d.Reason)).Inc()
	case timer.EventSinkError:
		m.SinkErrors.WithLabelValues(orUnknown(d.Reason)).Inc()
	}
}

// ObserveCommand counts one handled command.
func (m *Metrics) ObserveCommand(route string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Commands.WithLabelValues(route, result).Inc()
}

// Run feeds bus events into the counters until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus, log logx.Logger) error {
	ch, unsub := bus.Subscribe(256, "timer.")
	defer unsub()
	log.Debug("metrics subscriber started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
