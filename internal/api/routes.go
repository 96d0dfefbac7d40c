package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.NotFound(NotFoundHandler)
	r.MethodNotAllowed(MethodNotAllowedHandler)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Use(ActorMiddleware)

			r.Route("/entities/{type}", func(r chi.Router) {
				r.Get("/", h.ListEntities)
				r.Post("/", h.CreateEntity)
				r.Get("/{id}", h.GetEntity)
				r.Post("/{id}/write", h.WriteEntity)
				r.Delete("/{id}", h.DeleteEntity)
			})

			r.Post("/events", h.AppendEvent)
			r.Get("/events", h.QueryEvents)
			r.Get("/events/history", h.EventHistory)
			r.Post("/events/cleanup", h.CleanupEvents)
			r.Post("/events/export", h.ExportEvents)

			r.Get("/conflicts", h.ListConflicts)
			r.Post("/conflicts/detect", h.DetectConflict)
			r.Post("/conflicts/bulk-resolve", h.BulkResolve)
			r.Get("/conflicts/{id}", h.GetConflict)
			r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

			r.Put("/rules/{type}", h.ConfigureRules)
			r.Post("/rules/{type}/apply", h.ApplyRules)

			r.Get("/configs", h.ListConfigs)
			r.Get("/configs/{type}", h.GetConfig)
			r.Put("/configs/{type}", h.PutConfig)

			r.Post("/batches", h.OpenBatch)
			r.Get("/batches", h.ListBatches)
			r.Get("/batches/{id}", h.GetBatch)
			r.Post("/batches/{id}/progress", h.BatchProgress)
			r.Post("/batches/{id}/close", h.CloseBatch)

			r.Post("/tasks", h.EnqueueTask)
			r.Get("/tasks", h.ListTasks)
			r.Post("/tasks/dequeue", h.DequeueTasks)
			r.Post("/tasks/{id}/running", h.MarkTaskRunning)
			r.Post("/tasks/{id}/result", h.MarkTaskResult)
			r.Post("/tasks/{id}/cancel", h.CancelTask)

			r.Post("/sessions", h.OpenSession)
			r.Get("/sessions", h.ListSessions)
			r.Post("/sessions/{id}/heartbeat", h.Heartbeat)
			r.Post("/sessions/{id}/close", h.CloseSession)

			r.Get("/cache", h.CacheStats)
			r.Post("/cache/evict", h.EvictCache)
			r.Put("/cache/{key}", h.PutCache)
			r.Get("/cache/{key}", h.GetCache)

			r.Get("/sync/status", h.SyncStatus)
			r.Get("/sync/health", h.SyncHealth)
			r.Post("/recovery/{action}", h.Recover)

			r.Post("/metrics", h.RecordMetric)
			r.Get("/metrics", h.QueryMetrics)
			r.Get("/metrics/overview", h.MetricsOverview)
			r.Get("/metrics/performance", h.Performance)
			r.Post("/reports", h.GenerateReport)
		})
	})

	return r
}
