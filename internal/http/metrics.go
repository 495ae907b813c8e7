package http

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds HTTP request metrics.
//
// Metrics:
//   - agentforge_http_requests_total{method,route,status}
//   - agentforge_http_request_duration_seconds{method,route}
//   - agentforge_http_active_requests
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
}

// NewMetrics creates the HTTP metrics and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_http_requests_total",
				Help: "Total HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentforge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds by method and route",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "route"},
		),
		ActiveRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentforge_http_active_requests",
			Help: "Number of HTTP requests currently being served",
		}),
	}
}

// Middleware returns an Echo middleware that records request metrics.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()

			err := next(c)

			method := c.Request().Method
			route := normalizeRoute(c.Path())
			m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			m.RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// normalizeRoute labels requests by their route template, so task ids never
// become label values. Unmatched requests share one label.
func normalizeRoute(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
