package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	m := NewMetrics()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/api/v1/shifts/open")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/shifts/open", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("/api/v1/shifts/open", "409")))
	assert.Contains(t, scrape(t, m), `dontendero_http_request_duration_seconds_bucket{route="/api/v1/shifts/open"`)
}

func TestDomainCounters(t *testing.T) {
	m := NewMetrics()
	m.ShiftOpened("org-demo")
	m.ShiftClosed("org-demo", "shortage", -2000)
	m.SaleRecorded("org-demo", 11000)
	m.SaleReplayed("org-demo")
	m.CheckoutRejected("org-demo", "insufficient_payment")
	m.VarianceAlert("org-demo", "shortage")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.shiftsOpened.WithLabelValues("org-demo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.shiftsClosed.WithLabelValues("org-demo", "shortage")))
	assert.Equal(t, 11000.0, testutil.ToFloat64(m.salesAmount.WithLabelValues("org-demo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.salesTotal.WithLabelValues("org-demo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.salesReplayed.WithLabelValues("org-demo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkoutRejected.WithLabelValues("org-demo", "insufficient_payment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.varianceAlerts.WithLabelValues("org-demo", "shortage")))

	body := scrape(t, m)
	assert.Contains(t, body, `dontendero_shift_difference_abs_cop_sum{org="org-demo"} 2000`)
	assert.Contains(t, body, "go_goroutines")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ShiftOpened("org")
	m.SaleRecorded("org", 1)
	m.SaleReplayed("org")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	assert.NotNil(t, m.Middleware(next))
}
