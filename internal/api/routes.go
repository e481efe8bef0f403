package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	// Burst limiter for batch submissions: 60 batches max, refill 1 per
	// 500ms. Allows a fleet reconnecting after an outage to flush, then
	// sustains 2 batches/second.
	batchLimiter := NewBurstLimiter(60, 500*time.Millisecond)

	// Public routes
	r.Get("/health", h.Health)
	r.Post("/auth/login", h.Login)
	r.Post("/auth/refresh", h.RefreshToken)

	// Protected routes (valid access token required)
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.authority))

		r.Post("/auth/logout", h.Logout)
		r.Get("/auth/verify", h.Verify)

		r.Post("/attendance/clock", h.Clock)
		r.With(batchLimiter.Middleware).Post("/attendance/batch", h.Batch)
		r.Get("/attendance/status/{record_id}", h.RecordStatus)
		r.Get("/attendance/pending", h.Pending)

		r.Post("/sync/trigger", h.SyncTrigger)
		r.Post("/sync/retry", h.SyncRetry)
		r.Post("/sync/force", h.SyncForce)
		r.Post("/sync/cleanup", h.SyncCleanup)
		r.Put("/sync/config", h.SyncConfig)
		r.Get("/sync/status", h.SyncStatus)
		r.Get("/sync/batch/{id}", h.SyncBatch)
	})

	return r
}
