package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alimk/fieldwatch/pkg/broker"
	"github.com/alimk/fieldwatch/pkg/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldwatch_http_requests_total",
		Help: "Total number of ops HTTP requests by method, route, and status code.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fieldwatch_http_request_duration_seconds",
		Help:    "Ops HTTP request latency in seconds by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// storeUp is 1 when the last ping or stats refresh succeeded.
	storeUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldwatch_store_up",
		Help: "1 if the store answered the last ping or stats refresh, 0 otherwise.",
	})
)

// statusSource is satisfied by *broker.Manager.
type statusSource interface {
	Status() broker.Status
}

// opsDeps are what the ops handlers read from. queueLen may be nil.
type opsDeps struct {
	store    store.Store
	broker   statusSource
	queueLen func() int
}

// responseRecorder wraps ResponseWriter to capture the written status code.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Version    string        `json:"version"`
	Broker     broker.Status `json:"broker"`
	QueueDepth int           `json:"queue_depth"`
}

// makeStatusHandler serves GET /api/v1/status.
func makeStatusHandler(d opsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.broker == nil {
			writeError(w, http.StatusServiceUnavailable, "no_broker", "broker not configured")
			return
		}
		resp := statusResponse{Version: version, Broker: d.broker.Status()}
		if d.queueLen != nil {
			resp.QueueDepth = d.queueLen()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// statsResponse is the JSON body returned by GET /api/v1/stats.
type statsResponse struct {
	StoreUp int `json:"store_up"`
	store.Stats
}

// makeStatsHandler serves GET /api/v1/stats. It answers 503 with zeroed
// fields when the store cannot be reached.
func makeStatsHandler(d opsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.store == nil {
			writeJSON(w, http.StatusServiceUnavailable, statsResponse{})
			return
		}
		if err := d.store.Ping(r.Context()); err != nil {
			logger.Error("store ping failed in stats handler", "error", err)
			storeUp.Set(0)
			writeJSON(w, http.StatusServiceUnavailable, statsResponse{})
			return
		}
		s, err := d.store.Stats(r.Context())
		if err != nil {
			logger.Error("store stats failed", "error", err)
			storeUp.Set(0)
			writeJSON(w, http.StatusServiceUnavailable, statsResponse{})
			return
		}
		storeUp.Set(1)
		writeJSON(w, http.StatusOK, statsResponse{StoreUp: 1, Stats: s})
	}
}

func newOpsMux(d opsDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthzHandler)
	mux.HandleFunc("GET /api/v1/status", makeStatusHandler(d))
	mux.HandleFunc("GET /api/v1/stats", makeStatsHandler(d))
	return mux
}

// routeLabel returns a stable Prometheus label for the request path,
// avoiding cardinality explosion from raw URLs.
func routeLabel(r *http.Request) string {
	switch r.URL.Path {
	case "/healthz":
		return "/healthz"
	case "/api/v1/status":
		return "/api/v1/status"
	case "/api/v1/stats":
		return "/api/v1/stats"
	default:
		return "other"
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(r)
		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rr, r)

		duration := time.Since(start)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rr.status,
			"remote", r.RemoteAddr,
			"duration_ms", duration.Milliseconds(),
		)

		status := strconv.Itoa(rr.status)
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
	})
}

func newOpsServer(addr string, d opsDeps) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(newOpsMux(d)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}
