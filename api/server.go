/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table. This
  is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Logger:     Request logging through zap
  5. CORS:       Cross-origin requests for the portal frontend
  6. RateLimit:  Per-address token bucket on portal routes only; the
                 engine retries callbacks and must never see a 429

ROUTE GROUPS:
  /api/callback/*       Workflow engine callbacks (envelope responses)
  /api/leave/*          Leave request lifecycle
  /api/balances/*       Balance queries
  /api/admin/*          Admin operations
  /api/health           Liveness and store ping
  /metrics              Prometheus exposition (when enabled)

SECURITY NOTE:
  No authentication middleware. Actor ids are taken from request bodies.

SEE ALSO:
  - handlers.go: Leave and balance handlers
  - callbacks.go: Engine callback handlers
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures the middleware around the handlers.
type RouterOptions struct {
	CORSOrigins []string

	// RequestsPerSecond <= 0 disables rate limiting.
	RequestsPerSecond float64
	Burst             int

	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()
	limit := RateLimitByIP(opts.RequestsPerSecond, opts.Burst)

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger()))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/leave-types", h.ListLeaveTypes)

		// Workflow engine callbacks
		r.Route("/callback", func(r chi.Router) {
			r.Post("/status-changed", h.StatusChanged)
			r.Post("/activity-changed", h.ActivityChanged)
			r.Get("/get-actions", h.GetActions)
			r.Post("/execute-action", h.ExecuteAction)
			r.Get("/get-conditions", h.GetConditions)
			r.Post("/execute-condition", h.ExecuteCondition)
			r.Post("/process-log", h.ProcessLogs)
			r.Get("/get-identities", h.GetIdentities)
			r.Get("/get-rules", h.GetRules)
			r.Post("/check-rule", h.CheckRule)
		})

		// Leave request routes
		r.Route("/leave", func(r chi.Router) {
			r.Use(limit)
			r.Post("/submit", h.SubmitLeave)
			r.Get("/my-requests/{userId}", h.ListMyRequests)
			r.Get("/pending-approvals/{approverId}", h.ListPendingApprovals)
			r.Get("/{id}", h.GetLeave)
			r.Get("/{id}/actions", h.GetAvailableActions)
			r.Post("/{id}/manager-action", h.ManagerAction)
			r.Post("/{id}/hr-action", h.HRAction)
			r.Post("/{id}/cancel", h.CancelLeave)
			r.Post("/{id}/execute-command", h.ExecuteCommand)
		})

		r.With(limit).Get("/balances/{userId}", h.GetBalances)
		r.With(limit).Get("/balances/{userId}/check", h.CheckBalance)
		r.Get("/workflow/schemes", h.ListSchemes)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(limit)
			r.Post("/balances/initialize", h.InitializeBalances)
		})
	})

	return r
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
