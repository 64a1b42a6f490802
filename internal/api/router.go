package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"vaultbridge/internal/metrics"
)

// SetupRouter creates and configures the HTTP router
func SetupRouter(handler *Handler, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware())
	router.Use(recoveryMiddleware(logger))

	// Liveness
	router.HandleFunc("/health", handler.HandleHealth).Methods(http.MethodGet)

	// Prometheus scrape endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()

	// Deposits
	api.HandleFunc("/deposits", handler.HandleCreateDeposit).Methods(http.MethodPost)
	api.HandleFunc("/deposits/{jobId}/cancel", handler.HandleCancelDeposit).Methods(http.MethodPost)
	api.HandleFunc("/deposits/{jobId}/retry-proof", handler.HandleRetryProof).Methods(http.MethodPost)

	// Redemptions
	api.HandleFunc("/redemptions", handler.HandleCreateRedemption).Methods(http.MethodPost)

	// Job status, deposit or redemption
	api.HandleFunc("/jobs/{jobId}", handler.HandleGetJobStatus).Methods(http.MethodGet)

	// Wallet positions
	api.HandleFunc("/positions/{wallet}", handler.HandleGetPositions).Methods(http.MethodGet)

	// Monitored contract events
	api.HandleFunc("/events", handler.HandleListEvents).Methods(http.MethodGet)

	// Cross-chain routes
	api.HandleFunc("/crosschain/quotes", handler.HandleQuote).Methods(http.MethodPost)
	api.HandleFunc("/crosschain/jobs", handler.HandleCreateCrossChainJob).Methods(http.MethodPost)
	api.HandleFunc("/crosschain/jobs/{jobId}", handler.HandleGetCrossChainJob).Methods(http.MethodGet)

	return router
}

// ==================== Middleware ====================

// routeTemplate returns the matched path template so job ids and wallets do not
// end up as metric labels
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// loggingMiddleware logs each request and records its latency
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			elapsed := time.Since(start)
			route := routeTemplate(r)
			metrics.Bridge().Request(r.Method, route, wrapped.status, elapsed)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.status),
				zap.Duration("duration", elapsed),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if wrapped.status >= http.StatusInternalServerError {
				logger.Warn("HTTP request failed", fields...)
				return
			}
			logger.Info("HTTP request", fields...)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// corsMiddleware allows browser wallets to call the API from any origin. The
// API only reads and creates jobs so GET and POST are all it accepts.
func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware turns a handler panic into a 500
func recoveryMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Handler panic",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("route", routeTemplate(r)),
					)
					respondError(w, http.StatusInternalServerError, "Internal server error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
