// Package metrics exposes claim lifecycle counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config carries the constant labels attached to every series.
type Config struct {
	ServiceName string
	Environment string
}

// Recorder counts claim transitions, resubmissions and outcomes.
type Recorder struct {
	registry      *prometheus.Registry
	transitions   *prometheus.CounterVec
	denials       *prometheus.CounterVec
	resubmissions *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New builds a Recorder on its own registry together with the Go runtime
// and process collectors.
func New(cfg Config) *Recorder {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "revcycle"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "revcycle_claim_transitions_total",
			Help:        "Claim status transitions by source and target status.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "revcycle_claim_denials_total",
			Help:        "Denials recorded by denial code.",
			ConstLabels: constLabels,
		}, []string{"code"}),
		resubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "revcycle_resubmissions_total",
			Help:        "Resubmissions by denial code and result.",
			ConstLabels: constLabels,
		}, []string{"code", "result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "revcycle_resubmission_outcomes_total",
			Help:        "Payer outcomes recorded against resubmissions.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "revcycle_write_conflicts_total",
			Help:        "Writes rejected because of a concurrent modification.",
			ConstLabels: constLabels,
		}, []string{"operation"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "revcycle_http_request_duration_seconds",
			Help:        "HTTP request latency by route and status code.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: constLabels,
		}, []string{"method", "route", "code"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.transitions,
		r.denials,
		r.resubmissions,
		r.outcomes,
		r.conflicts,
		r.httpDuration,
	)
	return r
}

func (r *Recorder) Transition(from, to string) {
	r.transitions.WithLabelValues(from, to).Inc()
}

func (r *Recorder) Denial(code string) {
	r.denials.WithLabelValues(code).Inc()
}

// Resubmission counts a resubmission attempt. result is "created",
// "replayed" or "rejected".
func (r *Recorder) Resubmission(code, result string) {
	r.resubmissions.WithLabelValues(code, result).Inc()
}

func (r *Recorder) Outcome(outcome string) {
	r.outcomes.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Conflict(operation string) {
	r.conflicts.WithLabelValues(operation).Inc()
}

// Registry returns the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
}

// Middleware observes request latency per route template.
func (r *Recorder) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < http.StatusBadRequest {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			r.httpDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}
