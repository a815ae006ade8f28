package api

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/wonny/autotrader/internal/api/handlers"
	"github.com/wonny/autotrader/pkg/logger"
)

// requestIDHeader carries the per-request id back to the caller
const requestIDHeader = "X-Request-ID"

// NewRouter creates and configures the HTTP router
// ⭐ SSOT: 라우팅 설정은 이 함수에서만
func NewRouter(positions *handlers.PositionHandler, jobs *handlers.JobHandler, log *logger.Logger) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", healthCheckHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	// Reads
	api.HandleFunc("/positions", positions.ListPositions).Methods(http.MethodGet)
	api.HandleFunc("/jobs", jobs.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{name}", jobs.GetJob).Methods(http.MethodGet)

	// Commands
	api.HandleFunc("/jobs/{name}/trigger", jobs.TriggerJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{name}/enable", jobs.EnableJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{name}/disable", jobs.DisableJob).Methods(http.MethodPost)

	// recovery가 가장 안쪽: 패닉 응답도 로그에 남음
	r.Use(requestLogger(log), recoverer(log))
	return r
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	handlers.RespondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "autotrader",
	})
}

// statusRecorder captures the response code for the access log
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogger tags each request with an id and logs method, path, status and latency
func requestLogger(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			entry := log.WithFields(map[string]interface{}{
				"request_id": id,
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rec.status,
				"duration":   time.Since(start).String(),
			})
			if rec.status >= http.StatusInternalServerError {
				entry.Warn("HTTP request failed")
				return
			}
			entry.Debug("HTTP request")
		})
	}
}

// recoverer turns a handler panic into a 500
func recoverer(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					log.WithFields(map[string]interface{}{
						"panic": p,
						"path":  r.URL.Path,
						"stack": string(debug.Stack()),
					}).Error("Panic recovered")
					handlers.RespondError(w, http.StatusInternalServerError, "Internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
