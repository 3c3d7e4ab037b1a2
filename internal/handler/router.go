package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/devrev/pairgrid/internal/model"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ContextKey is a type for context keys.
type ContextKey string

// RequestIDKey is the context key for the request ID.
const RequestIDKey ContextKey = "request_id"

// RouterConfig selects the optional routes
type RouterConfig struct {
	// MetricsPath serves gatherer when both are set
	MetricsPath string
	Gatherer    prometheus.Gatherer
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewRouter builds the HTTP routes of a node
func NewRouter(h *Handlers, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(Recovery(h.logger), RequestID, Logging(h.logger))

	router.HandleFunc("/health", h.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.Readiness).Methods(http.MethodGet)
	if cfg.MetricsPath != "" && cfg.Gatherer != nil {
		router.Handle(cfg.MetricsPath, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/topology", h.GetTopology).Methods(http.MethodGet)
	v1.HandleFunc("/cache", h.ClearCache).Methods(http.MethodDelete)
	v1.HandleFunc("/cache/{key}", h.GetEntry).Methods(http.MethodGet)
	v1.HandleFunc("/cache/{key}", h.PutEntry).Methods(http.MethodPut)
	v1.HandleFunc("/cache/{key}", h.RemoveEntry).Methods(http.MethodDelete)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSONResponse(w, http.StatusNotFound, ErrorResponse{
			Status:    "error",
			ErrorCode: "NOT_FOUND",
			Message:   "endpoint not found",
			RequestID: r.Header.Get("X-Request-ID"),
		})
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSONResponse(w, http.StatusMethodNotAllowed, ErrorResponse{
			Status:    "error",
			ErrorCode: "METHOD_NOT_ALLOWED",
			Message:   "method not allowed",
			RequestID: r.Header.Get("X-Request-ID"),
		})
	})
	return router
}

// Liveness handles GET /health requests.
func (h *Handlers) Liveness(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// Readiness handles GET /ready requests. A node is ready once it holds a
// committed topology that includes it and no rehash is running.
func (h *Handlers) Readiness(w http.ResponseWriter, r *http.Request) {
	t := h.cluster.Topology()
	checks := map[string]string{"distribution": string(t.State)}

	ready := t.Current != nil && t.Current.IsMember(h.cluster.LocalAddress()) &&
		t.State != model.StateRehashInProgress
	if !ready {
		h.writeJSONResponse(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "not_ready", Checks: checks})
		return
	}
	h.writeJSONResponse(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: checks})
}

// RequestID adds a unique request ID to each request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		r.Header.Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDKey, requestID)))
	})
}

// Logging logs HTTP request details.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", r.Header.Get("X-Request-ID")),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}

// Recovery recovers from panics and returns a 500 error.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic recovered",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path))
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
