package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry with the HTTP and cash desk collectors.
type Metrics struct {
	handler          http.Handler
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	shiftsOpened     *prometheus.CounterVec
	shiftsClosed     *prometheus.CounterVec
	shiftDifference  *prometheus.HistogramVec
	salesTotal       *prometheus.CounterVec
	salesReplayed    *prometheus.CounterVec
	salesAmount      *prometheus.CounterVec
	checkoutRejected *prometheus.CounterVec
	varianceAlerts   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dontendero_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dontendero_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		shiftsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dontendero_shifts_opened_total",
			Help: "Cash shifts opened.",
		}, []string{"org"}),
		shiftsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dontendero_shifts_closed_total",
			Help: "Cash shifts closed by variance class.",
		}, []string{"org", "variance"}),
		shiftDifference: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dontendero_shift_difference_abs_cop",
			Help:    "Absolute counted minus expected cash at shift close, in COP.",
			Buckets: []float64{0, 500, 1000, 5000, 10000, 50000, 100000},
		}, []string{"org"}),
		salesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dontendero_sales_total",
			Help: "Sales settled by the ledger.",
		}, []string{"org"}),
		salesReplayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dontendero_sales_replayed_total",
			Help: "Checkouts answered with an already recorded sale.",
		}, []string{"org"}),
		salesAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dontendero_sales_amount_cop_total",
			Help: "Sum of settled sale totals in COP.",
		}, []string{"org"}),
		checkoutRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dontendero_checkout_rejected_total",
			Help: "Checkout attempts rejected by reason.",
		}, []string{"org", "reason"}),
		varianceAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dontendero_shift_variance_alerts_total",
			Help: "Closed shifts whose difference exceeded the alert threshold.",
		}, []string{"org", "variance"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.shiftsOpened,
		m.shiftsClosed,
		m.shiftDifference,
		m.salesTotal,
		m.salesReplayed,
		m.salesAmount,
		m.checkoutRejected,
		m.varianceAlerts,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) ShiftOpened(orgID string) {
	if m == nil {
		return
	}
	m.shiftsOpened.WithLabelValues(orgID).Inc()
}

func (m *Metrics) ShiftClosed(orgID string, variance string, difference int64) {
	if m == nil {
		return
	}
	m.shiftsClosed.WithLabelValues(orgID, variance).Inc()
	if difference < 0 {
		difference = -difference
	}
	m.shiftDifference.WithLabelValues(orgID).Observe(float64(difference))
}

func (m *Metrics) SaleRecorded(orgID string, total int64) {
	if m == nil {
		return
	}
	m.salesTotal.WithLabelValues(orgID).Inc()
	m.salesAmount.WithLabelValues(orgID).Add(float64(total))
}

func (m *Metrics) SaleReplayed(orgID string) {
	if m == nil {
		return
	}
	m.salesReplayed.WithLabelValues(orgID).Inc()
}

func (m *Metrics) CheckoutRejected(orgID string, reason string) {
	if m == nil {
		return
	}
	m.checkoutRejected.WithLabelValues(orgID, reason).Inc()
}

func (m *Metrics) VarianceAlert(orgID string, variance string) {
	if m == nil {
		return
	}
	m.varianceAlerts.WithLabelValues(orgID, variance).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
