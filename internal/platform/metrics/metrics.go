// Package metrics exposes exchange counters and latencies for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "interop"

// Collector holds every metric the engine reports. Each Collector owns its
// registry so tests can build as many as they like.
type Collector struct {
	registry *prometheus.Registry

	transactions *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	consent      *prometheus.CounterVec

	inbound *prometheus.CounterVec

	slotWait    *prometheus.HistogramVec
	slotsInUse  *prometheus.GaugeVec
	retries     *prometheus.CounterVec
	slotTimeout *prometheus.CounterVec

	events *prometheus.CounterVec
	http   *prometheus.HistogramVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "transactions_total",
			Help:      "Exchange attempts recorded in the audit log.",
		}, []string{"direction", "system", "operation", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "exchange_duration_seconds",
			Help:      "Latency of one exchange attempt.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"direction", "system", "operation"}),
		consent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consent",
			Name:      "decisions_total",
			Help:      "Consent outcomes recorded with exchange attempts.",
		}, []string{"direction", "outcome"}),

		inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "attempts_total",
			Help:      "Inbound processing attempts by message kind and final status.",
		}, []string{"kind", "status"}),

		slotWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "slot_wait_seconds",
			Help:      "Time spent waiting for a per-system connection slot.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"system"}),
		slotsInUse: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "slots_in_use",
			Help:      "Outbound calls currently holding a slot.",
		}, []string{"system"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "retries_total",
			Help:      "Outbound attempts beyond the first.",
		}, []string{"system"}),
		slotTimeout: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "slot_timeouts_total",
			Help:      "Outbound attempts that gave up waiting for a slot.",
		}, []string{"system"}),

		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Completion events handed to the broker.",
		}, []string{"result"}),
		http: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Registry is the gatherer behind Handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveExchange records one audited attempt.
func (c *Collector) ObserveExchange(direction, system, operation, consent, outcome string, latency time.Duration) {
	c.transactions.WithLabelValues(direction, system, operation, outcome).Inc()
	c.latency.WithLabelValues(direction, system, operation).Observe(latency.Seconds())
	c.consent.WithLabelValues(direction, consent).Inc()
}

// ObserveInbound records the final status of an inbound attempt.
func (c *Collector) ObserveInbound(kind, status string) {
	c.inbound.WithLabelValues(kind, status).Inc()
}

func (c *Collector) SlotAcquired(system string, waited time.Duration) {
	c.slotWait.WithLabelValues(system).Observe(waited.Seconds())
	c.slotsInUse.WithLabelValues(system).Inc()
}

func (c *Collector) SlotReleased(system string) {
	c.slotsInUse.WithLabelValues(system).Dec()
}

func (c *Collector) SlotTimedOut(system string) {
	c.slotTimeout.WithLabelValues(system).Inc()
}

func (c *Collector) Retried(system string) {
	c.retries.WithLabelValues(system).Inc()
}

// EventPublished counts broker handoffs; ok is false when publishing failed.
func (c *Collector) EventPublished(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.events.WithLabelValues(result).Inc()
}

// Middleware times every request by its route template.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			start := time.Now()
			err := next(ec)
			status := ec.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := ec.Path()
			if route == "" {
				route = "unmatched"
			}
			c.http.WithLabelValues(ec.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
