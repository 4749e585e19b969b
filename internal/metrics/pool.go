// Package metrics exposes Prometheus metrics for the worker pool.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prefork/prefork/internal/events"
)

// Recorder subscribes to pool lifecycle events and keeps the Prometheus
// metrics for the pool up to date. All updates happen on its own registry
// so tests can run recorders side by side.
type Recorder struct {
	registry *prometheus.Registry
	unsubs   []func()

	workers       prometheus.Gauge
	targetWorkers prometheus.Gauge
	spawns        prometheus.Counter
	crashes       prometheus.Counter
	forceKills    prometheus.Counter
	rolling       prometheus.Counter
	crashLoops    prometheus.Counter
}

// NewRecorder creates a Recorder wired to the given event bus.
func NewRecorder(bus *events.Bus) *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	r := &Recorder{
		registry: registry,
		workers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "prefork",
			Name:      "workers",
			Help:      "Current number of live worker processes",
		}),
		targetWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "prefork",
			Name:      "target_workers",
			Help:      "Desired number of worker processes",
		}),
		spawns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prefork",
			Name:      "worker_spawns_total",
			Help:      "Total worker processes spawned",
		}),
		crashes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prefork",
			Name:      "worker_crashes_total",
			Help:      "Total unexpected worker exits",
		}),
		forceKills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prefork",
			Name:      "worker_force_kills_total",
			Help:      "Total workers killed after ignoring a graceful stop",
		}),
		rolling: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prefork",
			Name:      "rolling_restarts_total",
			Help:      "Total rolling restarts started",
		}),
		crashLoops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "prefork",
			Name:      "crash_loops_total",
			Help:      "Total crash-loop guard trips",
		}),
	}

	r.unsubs = []func(){
		bus.Subscribe(func(e events.WorkerStartedEvent) {
			r.spawns.Inc()
			r.workers.Set(float64(e.Members))
			r.targetWorkers.Set(float64(e.Target))
		}),
		bus.Subscribe(func(e events.WorkerExitedEvent) {
			r.workers.Set(float64(e.Members))
			r.targetWorkers.Set(float64(e.Target))
		}),
		bus.Subscribe(func(e events.WorkerCrashedEvent) {
			r.crashes.Inc()
			r.workers.Set(float64(e.Members))
			r.targetWorkers.Set(float64(e.Target))
		}),
		bus.Subscribe(func(e events.WorkerKilledEvent) {
			r.forceKills.Inc()
		}),
		bus.Subscribe(func(e events.PoolScaledEvent) {
			r.workers.Set(float64(e.Members))
			r.targetWorkers.Set(float64(e.Target))
		}),
		bus.Subscribe(func(e events.RollingRestartStartedEvent) {
			r.rolling.Inc()
		}),
		bus.Subscribe(func(e events.CrashLoopEvent) {
			r.crashLoops.Inc()
		}),
	}

	return r
}

// Handler returns an HTTP handler serving the recorder's metrics in
// Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Close unsubscribes the recorder from the event bus.
func (r *Recorder) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}
