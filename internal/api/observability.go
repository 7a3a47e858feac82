package api

import (
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics with bounded cardinality: rooms are capped by the hub, every other
// label comes from a fixed set.
var (
	// Tick driver metrics
	tickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_tick_duration_seconds",
		Help:    "Time spent in one simulation tick",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.016, 0.033},
	}, []string{"room"})

	tickOverruns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_tick_overruns_total",
		Help: "Ticks discarded because the loop fell behind",
	}, []string{"room"})

	sessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_sessions_active",
		Help: "Players currently in a room",
	}, []string{"room"})

	// Replication metrics
	snapshotsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_snapshots_sent_total",
		Help: "Snapshots sent by kind",
	}, []string{"kind"}) // Bounded: "full", "delta", "resync"

	snapshotBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_snapshot_bytes_total",
		Help: "Encoded snapshot bytes sent by kind",
	}, []string{"kind"})

	frameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_frame_errors_total",
		Help: "Inbound frames dropped as malformed",
	}, []string{"reason"})

	inputsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_inputs_dropped_total",
		Help: "Inputs discarded before simulation",
	}, []string{"reason"})

	// Event log metrics
	eventLogTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_event_log_total",
		Help: "Total events logged",
	})

	eventLogDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_event_log_dropped_total",
		Help: "Events dropped due to rate limiting or buffer full",
	})

	// DoS detection metrics - use ONLY bounded label values
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_connection_rejected_total",
		Help: "Connections rejected by rate limiter or origin check",
	}, []string{"reason"}) // Bounded: "rate_limit", "origin", "ws_ip_limit", "ws_total_limit"

	// HTTP metrics with bounded labels
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"}) // endpoint is the route pattern, not the full URL

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	// WebSocket metrics
	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_websocket_connections_active",
		Help: "Currently open websocket connections",
	})
)

// Metrics feeds engine measurements into Prometheus. It implements
// game.Metrics.
type Metrics struct{}

func (Metrics) ObserveTick(room string, d time.Duration) {
	tickDuration.WithLabelValues(room).Observe(d.Seconds())
}

func (Metrics) TickOverrun(room string, discarded int) {
	tickOverruns.WithLabelValues(room).Add(float64(discarded))
}

func (Metrics) SnapshotSent(kind string, bytes int) {
	snapshotsSent.WithLabelValues(kind).Inc()
	snapshotBytes.WithLabelValues(kind).Add(float64(bytes))
}

func (Metrics) FrameError(reason string) {
	frameErrors.WithLabelValues(reason).Inc()
}

func (Metrics) InputDropped(reason string) {
	inputsDropped.WithLabelValues(reason).Inc()
}

func (Metrics) SessionsChanged(room string, n int) {
	sessionsActive.WithLabelValues(room).Set(float64(n))
}

// ObservabilityConfig configures the debug server
type ObservabilityConfig struct {
	ListenAddr    string // pprof and /metrics; should stay on loopback
	AllowExternal bool   // permit a non-loopback ListenAddr
	BasicAuthUser string // Optional basic auth
	BasicAuthPass string
}

// DefaultObservabilityConfig returns safe defaults
func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		ListenAddr: "127.0.0.1:6060", // Localhost only - NEVER expose externally
	}
}

// NewDebugServer returns the internal observability server. The caller runs
// ListenAndServe. Unless AllowExternal is set, a non-loopback address is
// rewritten to 127.0.0.1 on the same port.
func NewDebugServer(cfg ObservabilityConfig) *http.Server {
	addr := cfg.ListenAddr
	if !cfg.AllowExternal && !isLoopback(addr) {
		_, port, err := net.SplitHostPort(addr)
		if err != nil || port == "" {
			port = "6060"
		}
		addr = net.JoinHostPort("127.0.0.1", port)
		log.Printf("⚠️ Debug server forced to %s", addr)
	}

	var handler http.Handler = DebugHandler()
	if cfg.BasicAuthUser != "" {
		handler = basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, handler)
	}

	log.Printf("📊 Debug server on %s", addr)
	log.Printf("   - pprof:   http://%s/debug/pprof/", addr)
	log.Printf("   - metrics: http://%s/metrics", addr)

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// DebugHandler serves pprof, Prometheus metrics and a health check.
func DebugHandler() http.Handler {
	mux := http.NewServeMux()

	// pprof endpoints for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// basicAuthMiddleware adds basic authentication to the handler
func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var eventLogSeen struct {
	sync.Mutex
	total, dropped uint64
}

// UpdateEventLogStats publishes the event log's running totals. Counters
// only move forward, so the delta since the previous call is added.
func UpdateEventLogStats(total, dropped uint64) {
	eventLogSeen.Lock()
	defer eventLogSeen.Unlock()
	if total > eventLogSeen.total {
		eventLogTotal.Add(float64(total - eventLogSeen.total))
		eventLogSeen.total = total
	}
	if dropped > eventLogSeen.dropped {
		eventLogDropped.Add(float64(dropped - eventLogSeen.dropped))
		eventLogSeen.dropped = dropped
	}
}

// RecordConnectionRejected increments the rejection counter
// reason must be one of: "rate_limit", "origin", "ws_ip_limit", "ws_total_limit"
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, endpoint string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
}

// UpdateWSConnections updates WebSocket connection count
func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}
