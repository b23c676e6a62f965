package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics はGatewayのPrometheusメトリクス。
// サーバーごとに独立したレジストリを持つ。
type metrics struct {
	registry      *prometheus.Registry
	proxyRequests *prometheus.CounterVec
	proxyDuration *prometheus.HistogramVec
	backendUp     *prometheus.GaugeVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		proxyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_proxy_requests_total",
				Help: "Total number of proxied requests by service and outcome",
			},
			[]string{"service", "outcome"},
		),
		proxyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_proxy_duration_seconds",
				Help:    "Time until the backend response headers were received",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		backendUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_backend_up",
				Help: "Whether the last health probe of the backend returned 200",
			},
			[]string{"service"},
		),
	}
	m.registry.MustRegister(
		m.proxyRequests,
		m.proxyDuration,
		m.backendUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// handler は /metrics 用のハンドラを返す。
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// observeProxy は転送1件の結果を記録する。
func (m *metrics) observeProxy(service, outcome string, elapsed time.Duration) {
	m.proxyRequests.WithLabelValues(service, outcome).Inc()
	if elapsed > 0 {
		m.proxyDuration.WithLabelValues(service).Observe(elapsed.Seconds())
	}
}

// setBackendUp はプローブ結果を記録する。
func (m *metrics) setBackendUp(service string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.backendUp.WithLabelValues(service).Set(v)
}

// statusClass はステータスコードを "2xx" 形式の区分に変換する。
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
