package metrics

import (
	"context"

	"github.com/goliatone/go-authstate"
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds the authstate metrics.
type Collectors struct {
	Publishes   *prometheus.CounterVec
	Discards    *prometheus.CounterVec
	WatchOpens  prometheus.Counter
	WatchCloses prometheus.Counter
	OpenWatches prometheus.Gauge
	WatchErrors prometheus.Counter
	Activity    *prometheus.CounterVec
}

// New builds unregistered collectors under namespace.
func New(namespace string) *Collectors {
	if namespace == "" {
		namespace = "authstate"
	}
	return &Collectors{
		Publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "state_publishes_total", Help: "Published current user states by presence."},
			[]string{"state"},
		),
		Discards: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "watch_event_discards_total", Help: "Record watch events dropped by the coordinator."},
			[]string{"reason"},
		),
		WatchOpens: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "watch_opens_total", Help: "Record watches opened."},
		),
		WatchCloses: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "watch_closes_total", Help: "Record watches closed."},
		),
		OpenWatches: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "open_watches", Help: "Record watches currently open."},
		),
		WatchErrors: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "watch_errors_total", Help: "Record watch errors reported by the store."},
		),
		Activity: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "activity_events_total", Help: "Mutation activity events by type and error kind."},
			[]string{"type", "error_kind"},
		),
	}
}

func (c *Collectors) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.Publishes,
		c.Discards,
		c.WatchOpens,
		c.WatchCloses,
		c.OpenWatches,
		c.WatchErrors,
		c.Activity,
	)
}

// Hooks returns coordinator hooks feeding the collectors.
func (c *Collectors) Hooks() authstate.CoordinatorHooks {
	return authstate.CoordinatorHooks{
		OnPublish: func(state authstate.CurrentUserState) {
			label := "none"
			if state.IsPresent() {
				label = "present"
			}
			c.Publishes.WithLabelValues(label).Inc()
		},
		OnDiscard: func(reason string, _ authstate.WatchEvent) {
			c.Discards.WithLabelValues(reason).Inc()
		},
		OnWatchOpen: func(string) {
			c.WatchOpens.Inc()
			c.OpenWatches.Inc()
		},
		OnWatchClose: func(string) {
			c.WatchCloses.Inc()
			c.OpenWatches.Dec()
		},
		OnWatchError: func(string, string) {
			c.WatchErrors.Inc()
		},
	}
}

// Record implements authstate.ActivitySink.
func (c *Collectors) Record(_ context.Context, event authstate.ActivityEvent) error {
	kind := string(event.ErrorKind)
	if kind == "" {
		kind = "none"
	}
	c.Activity.WithLabelValues(string(event.EventType), kind).Inc()
	return nil
}

var _ authstate.ActivitySink = (*Collectors)(nil)
