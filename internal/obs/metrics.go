package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WSSessionsActive      = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_ws_sessions_active", Help: "WebSocket sessions currently relaying"})
	WSSessionsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_ws_sessions_total", Help: "WebSocket sessions that reached Relaying, by handshake mode"}, []string{"mode"})
	WSSessionDuration     = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_ws_session_duration_seconds", Help: "WebSocket session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 20)})
	WSFramesTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_ws_frames_total", Help: "Frames forwarded by direction"}, []string{"direction"})
	RESTRequestsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_rest_requests_total", Help: "REST requests by response code"}, []string{"code"})
	RESTUpstreamSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_rest_upstream_seconds", Help: "Time to upstream response head", Buckets: prometheus.ExponentialBuckets(0.001, 2, 16)})
	PoolIdleConns         = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_pool_idle_conns", Help: "Idle upstream connections held by the pool"})
	PoolDialsTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_pool_dials_total", Help: "Fresh upstream dials"})
	PoolReuseTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_pool_reuse_total", Help: "Checkouts served from the idle set"})
	PoolDiscardsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_pool_discards_total", Help: "Pooled connections closed instead of reused"}, []string{"reason"})
	ConfigReloadsTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_config_reloads_total", Help: "Config reload attempts by result"}, []string{"result"})
	DispatchTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_dispatch_total", Help: "Accepted connections by route"}, []string{"route"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_errors_total", Help: "Errors by type"}, []string{"type"})
	RateLimitedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_rate_limited_total", Help: "Rejections by the per-user limiter"}, []string{"kind"})
	RegistrySessionsTotal = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_registry_sessions", Help: "Sessions known to the registry"})
)
