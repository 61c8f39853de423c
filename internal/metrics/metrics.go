// Package metrics holds the Prometheus collectors for event intake and
// source solves.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-tdoa/internal/tdoa"
)

// Solve result labels.
const (
	ResultOK           = "ok"
	ResultMismatch     = "length_mismatch"
	ResultInsufficient = "insufficient_sensors"
	ResultDegenerate   = "degenerate_geometry"
	ResultInvalid      = "invalid_input"
	ResultError        = "error"
)

// Collector bundles the locator metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Events        *prometheus.CounterVec
	Solves        *prometheus.CounterVec
	SolveDuration prometheus.Histogram
	FixError      prometheus.Histogram
	Subscribers   prometheus.Gauge
}

// New registers the collectors against reg, defaulting to the global
// registry when nil. Registering twice on the same registry returns the
// existing collectors.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	events, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tdoa_events_total",
		Help: "Impulsive events received, labeled by source.",
	}, []string{"source"}), "tdoa_events_total")
	if err != nil {
		return nil, err
	}

	solves, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tdoa_solves_total",
		Help: "Source position solves, labeled by result.",
	}, []string{"result"}), "tdoa_solves_total")
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tdoa_solve_duration_seconds",
		Help:    "Time spent assembling the sensor array and solving one event.",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
	}), "tdoa_solve_duration_seconds")
	if err != nil {
		return nil, err
	}

	fixErr, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tdoa_fix_error_meters",
		Help:    "Distance between a fix and the known source position, when known.",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 50},
	}), "tdoa_fix_error_meters")
	if err != nil {
		return nil, err
	}

	subs, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tdoa_subscribers",
		Help: "Current number of fix stream subscribers.",
	}), "tdoa_subscribers")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:      gatherer,
		Events:        events,
		Solves:        solves,
		SolveDuration: duration,
		FixError:      fixErr,
		Subscribers:   subs,
	}, nil
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// EventReceived counts one event from the named source.
func (c *Collector) EventReceived(source string) {
	if c == nil {
		return
	}
	c.Events.WithLabelValues(source).Inc()
}

// SolveFinished records the outcome and latency of one solve.
func (c *Collector) SolveFinished(err error, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Solves.WithLabelValues(Result(err)).Inc()
	c.SolveDuration.Observe(elapsed.Seconds())
}

// FixErrorObserved records the distance between a fix and the true source.
func (c *Collector) FixErrorObserved(meters float64) {
	if c == nil {
		return
	}
	c.FixError.Observe(meters)
}

// SetSubscribers sets the subscriber gauge.
func (c *Collector) SetSubscribers(n int) {
	if c == nil {
		return
	}
	c.Subscribers.Set(float64(n))
}

// Result maps a solve error to its metric label.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, tdoa.ErrInputLengthMismatch):
		return ResultMismatch
	case errors.Is(err, tdoa.ErrInsufficientSensors):
		return ResultInsufficient
	case errors.Is(err, tdoa.ErrDegenerateGeometry):
		return ResultDegenerate
	case errors.Is(err, tdoa.ErrInvalidInput), errors.Is(err, tdoa.ErrInvalidSpeed):
		return ResultInvalid
	default:
		return ResultError
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, name string) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			var zero C
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero C
		return zero, err
	}
	return c, nil
}
