package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nordpay/settlements/internal/repository"
	"github.com/nordpay/settlements/internal/settlement"
	"github.com/nordpay/settlements/internal/webhook"
)

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(
	builder *settlement.Builder,
	processor *settlement.Processor,
	scheduler *settlement.Scheduler,
	dispatcher *webhook.Dispatcher,
	batchRepo *repository.BatchRepo,
	scheduleRepo *repository.ScheduleRepo,
	webhookRepo *repository.WebhookRepo,
	auditRepo *repository.AuditRepo,
) http.Handler {
	h := &Handlers{
		builder:      builder,
		processor:    processor,
		scheduler:    scheduler,
		dispatcher:   dispatcher,
		batchRepo:    batchRepo,
		scheduleRepo: scheduleRepo,
		webhookRepo:  webhookRepo,
		auditRepo:    auditRepo,
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Settlements.
		r.Post("/settlements", h.CreateBatch)
		r.Get("/settlements", h.ListBatches)
		r.Get("/settlements/analytics", h.GetAnalytics)
		r.Get("/settlements/reconciliation", h.GetReconciliationReport)
		r.Get("/settlements/export", h.ExportBatches)
		r.Get("/settlements/{id}", h.GetBatch)
		r.Post("/settlements/{id}/process", h.ProcessBatch)
		r.Post("/settlements/{id}/retry", h.RetryBatch)
		r.Post("/settlements/{id}/cancel", h.CancelBatch)

		// Schedules.
		r.Put("/merchants/{id}/schedule", h.UpsertSchedule)
		r.Get("/merchants/{id}/schedule", h.GetSchedule)
		r.Delete("/merchants/{id}/schedule", h.DeleteSchedule)
		r.Get("/schedules/due", h.ListDueSchedules)
		r.Post("/schedules/sweep", h.TriggerScheduleSweep)

		// Webhooks.
		r.Post("/merchants/{id}/webhooks", h.CreateEndpoint)
		r.Get("/merchants/{id}/webhooks", h.ListEndpoints)
		r.Delete("/webhooks/{id}", h.DeactivateEndpoint)
		r.Get("/webhooks/{id}/deliveries", h.ListDeliveries)
		r.Post("/webhooks/sweep", h.TriggerWebhookSweep)

		// Audit.
		r.Get("/audit", h.ListAudit)
		r.Get("/audit/summary", h.GetAuditSummary)
	})

	return r
}
