package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts gateway activity for the /metrics endpoint. Each instance
// owns its registry so independent servers never collide.
type Metrics struct {
	registry *prometheus.Registry

	Requests      *prometheus.CounterVec
	Chats         *prometheus.CounterVec
	WsConnections prometheus.Gauge
}

// NewMetrics builds the gateway collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_api_requests_total",
			Help: "API requests by endpoint.",
		}, []string{"endpoint"}),
		Chats: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_chats_total",
			Help: "Completed chats by terminal status.",
		}, []string{"status"}),
		WsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spider_ws_connections",
			Help: "Open chat websocket connections.",
		}),
	}
}

// Handler serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
