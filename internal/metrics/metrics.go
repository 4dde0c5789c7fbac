package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	appStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "starts_total",
			Help:      "Number of successful child launches.",
		}, []string{"app"},
	)
	appRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "restarts_total",
			Help:      "Number of relaunches performed by the restart policy or a reload.",
		}, []string{"app"},
	)
	appExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "exits_total",
			Help:      "Number of child exits by exit code (-1 for signals and launch failures).",
		}, []string{"app", "code"},
	)
	appFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "failures_total",
			Help:      "Number of instances that gave up after exhausting the restart budget.",
		}, []string{"app"},
	)
	appStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "stops_total",
			Help:      "Number of manual stops.",
		}, []string{"app"},
	)
	appRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "run_duration_seconds",
			Help:      "Uptime of a child at the moment it exited.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800, 3600},
		}, []string{"app"},
	)
	runningInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "running_instances",
			Help:      "Current running instances per app.",
		}, []string{"app"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appvisor",
			Subsystem: "app",
			Name:      "state_transitions_total",
			Help:      "Number of restart-policy state transitions.",
		}, []string{"app", "from", "to"},
	)

	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "appvisor",
			Subsystem: "instance",
			Name:      "current_state",
			Help:      "Current state of instances (1 = active state, 0 = inactive).",
		}, []string{"instance", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{appStarts, appRestarts, appExits, appFailures, appStops, appRunDuration, runningInstances, stateTransitions, currentStates}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(app string) {
	if regOK.Load() {
		appStarts.WithLabelValues(app).Inc()
	}
}

func IncRestart(app string) {
	if regOK.Load() {
		appRestarts.WithLabelValues(app).Inc()
	}
}

func IncExit(app string, code int) {
	if regOK.Load() {
		appExits.WithLabelValues(app, strconv.Itoa(code)).Inc()
	}
}

func IncFailure(app string) {
	if regOK.Load() {
		appFailures.WithLabelValues(app).Inc()
	}
}

func IncStop(app string) {
	if regOK.Load() {
		appStops.WithLabelValues(app).Inc()
	}
}

func ObserveRunDuration(app string, seconds float64) {
	if regOK.Load() {
		appRunDuration.WithLabelValues(app).Observe(seconds)
	}
}

func SetRunningInstances(app string, n int) {
	if regOK.Load() {
		runningInstances.WithLabelValues(app).Set(float64(n))
	}
}

func RecordStateTransition(app, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(app, from, to).Inc()
	}
}

// SetCurrentState marks state as the only active state of instance.
func SetCurrentState(instance, state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		var value float64
		if s == state {
			value = 1
		}
		currentStates.WithLabelValues(instance, s).Set(value)
	}
}
