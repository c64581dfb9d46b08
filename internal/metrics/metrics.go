// Package metrics defines the Prometheus instruments recorded by the
// lifecycle manager, the broadcast hub and the expiration sweeper.
//
// Every recorder is nil-safe: a nil *Lifecycle, *Broadcast or *Sweeper
// records nothing, so components work unchanged when metrics are disabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gorelay"

// Lifecycle records server instance and dependent state transitions.
type Lifecycle struct {
	ComponentState *prometheus.GaugeVec
	Starts         *prometheus.CounterVec
	Restarts       prometheus.Counter
	ForceClosed    prometheus.Counter
}

// NewLifecycle registers lifecycle instruments with reg.
func NewLifecycle(reg prometheus.Registerer) *Lifecycle {
	f := promauto.With(reg)
	return &Lifecycle{
		ComponentState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "component_state",
			Help:      "Current lifecycle state by component (0=created 1=starting 2=running 3=stopping 4=stopped 5=failed).",
		}, []string{"component"}),
		Starts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_starts_total",
			Help:      "Server instance start attempts by result.",
		}, []string{"result"}),
		Restarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_restarts_total",
			Help:      "Server instance restarts.",
		}),
		ForceClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_force_closed_total",
			Help:      "Connections terminated by a forced listener close.",
		}),
	}
}

// SetState records the numeric state of a component.
func (m *Lifecycle) SetState(component string, state int32) {
	if m == nil {
		return
	}
	m.ComponentState.WithLabelValues(component).Set(float64(state))
}

// RecordStart counts a start attempt; result is "ok" or an error class.
func (m *Lifecycle) RecordStart(result string) {
	if m == nil {
		return
	}
	m.Starts.WithLabelValues(result).Inc()
}

// RecordRestart counts a restart.
func (m *Lifecycle) RecordRestart() {
	if m == nil {
		return
	}
	m.Restarts.Inc()
}

// RecordForceClosed counts connections terminated by a forced close.
func (m *Lifecycle) RecordForceClosed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ForceClosed.Add(float64(n))
}

// Broadcast records push channel activity.
type Broadcast struct {
	Clients       prometheus.Gauge
	Events        *prometheus.CounterVec
	DroppedClient prometheus.Counter
}

// NewBroadcast registers broadcast instruments with reg.
func NewBroadcast(reg prometheus.Registerer) *Broadcast {
	f := promauto.With(reg)
	return &Broadcast{
		Clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_clients",
			Help:      "Connected push channel clients.",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_events_total",
			Help:      "Events fanned out by source (server or client).",
		}, []string{"source"}),
		DroppedClient: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_clients_total",
			Help:      "Clients dropped because their send buffer was full.",
		}),
	}
}

// SetClients records the number of connected clients.
func (m *Broadcast) SetClients(n int) {
	if m == nil {
		return
	}
	m.Clients.Set(float64(n))
}

// RecordEvent counts a fanned out event.
func (m *Broadcast) RecordEvent(source string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(source).Inc()
}

// RecordDropped counts a dropped slow consumer.
func (m *Broadcast) RecordDropped() {
	if m == nil {
		return
	}
	m.DroppedClient.Inc()
}

// Sweeper records expiration sweep cycles.
type Sweeper struct {
	Runs     *prometheus.CounterVec
	Purged   prometheus.Counter
	Duration prometheus.Histogram
}

// NewSweeper registers sweeper instruments with reg.
func NewSweeper(reg prometheus.Registerer) *Sweeper {
	f := promauto.With(reg)
	return &Sweeper{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_runs_total",
			Help:      "Expiration sweep cycles by result.",
		}, []string{"result"}),
		Purged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_purged_total",
			Help:      "Entries purged after their expiration deadline.",
		}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweeper_duration_seconds",
			Help:      "Duration of one sweep cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// RecordRun records one sweep cycle.
func (m *Sweeper) RecordRun(purged int, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Runs.WithLabelValues(result).Inc()
	m.Purged.Add(float64(purged))
	m.Duration.Observe(d.Seconds())
}
