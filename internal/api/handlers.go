package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nordpay/settlements/internal/domain"
	"github.com/nordpay/settlements/internal/repository"
	"github.com/nordpay/settlements/internal/settlement"
	"github.com/nordpay/settlements/internal/validation"
	"github.com/nordpay/settlements/internal/webhook"
)

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	builder    *settlement.Builder
	processor  *settlement.Processor
	scheduler  *settlement.Scheduler
	dispatcher *webhook.Dispatcher

	batchRepo    *repository.BatchRepo
	scheduleRepo *repository.ScheduleRepo
	webhookRepo  *repository.WebhookRepo
	auditRepo    *repository.AuditRepo
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure translates domain sentinels and validator findings into a
// structured response. Unexpected errors are logged and masked.
func writeFailure(w http.ResponseWriter, err error, findings *validation.Result) {
	body := map[string]any{"error": err.Error()}
	if findings != nil {
		if len(findings.Errors) > 0 {
			body["errors"] = findings.Errors
		}
		if len(findings.Warnings) > 0 {
			body["warnings"] = findings.Warnings
		}
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, body)
	case errors.Is(err, domain.ErrValidationFailed),
		errors.Is(err, domain.ErrMerchantIneligible),
		errors.Is(err, domain.ErrNoEligibleTransactions),
		errors.Is(err, domain.ErrBelowMinimum):
		writeJSON(w, http.StatusUnprocessableEntity, body)
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTransactionAlreadySettled),
		errors.Is(err, domain.ErrRequestInProgress),
		errors.Is(err, domain.ErrIdempotencyConflict):
		writeJSON(w, http.StatusConflict, body)
	default:
		log.Printf("[api] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil
		}
	}
	return &t
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func parseDecimal(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

// --- settlements ---

type createBatchRequest struct {
	MerchantID    string           `json:"merchant_id"`
	From          string           `json:"from"`
	To            string           `json:"to"`
	MinimumAmount *decimal.Decimal `json:"minimum_amount,omitempty"`
	AutoProcess   bool             `json:"auto_process"`
}

func (h *Handlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.MerchantID == "" {
		writeError(w, http.StatusBadRequest, "merchant_id is required")
		return
	}
	from := parseTime(req.From)
	to := parseTime(req.To)
	if from == nil || to == nil {
		writeError(w, http.StatusBadRequest, "from and to are required (RFC3339 or YYYY-MM-DD)")
		return
	}

	outcome, err := h.builder.Build(r.Context(), settlement.BuildRequest{
		MerchantID:     req.MerchantID,
		From:           *from,
		To:             *to,
		MinimumAmount:  req.MinimumAmount,
		AutoProcess:    req.AutoProcess,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		var findings *validation.Result
		if outcome != nil {
			findings = outcome.Findings
		}
		writeFailure(w, err, findings)
		return
	}

	status := http.StatusCreated
	if outcome.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"batch":    outcome.Batch,
		"batches":  outcome.Batches,
		"warnings": outcome.Findings.Warnings,
		"replayed": outcome.Replayed,
	})
}

func (h *Handlers) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	h.runProcessorOp(w, r, h.processor.Process)
}

func (h *Handlers) RetryBatch(w http.ResponseWriter, r *http.Request) {
	h.runProcessorOp(w, r, h.processor.Retry)
}

func (h *Handlers) runProcessorOp(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id string) (*settlement.ProcessOutcome, error)) {
	id := chi.URLParam(r, "id")
	outcome, err := op(r.Context(), id)
	if err != nil {
		var findings *validation.Result
		if outcome != nil {
			findings = outcome.Findings
		}
		writeFailure(w, err, findings)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch":    outcome.Batch,
		"warnings": outcome.Findings.Warnings,
		"replayed": outcome.Replayed,
	})
}

func (h *Handlers) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	batch, err := h.processor.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": batch})
}

func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	batch, err := h.batchRepo.GetByID(id)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	items, err := h.batchRepo.GetLineItems(id)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch":      batch,
		"line_items": items,
	})
}

func batchFilterFromQuery(r *http.Request) repository.BatchFilter {
	q := r.URL.Query()
	return repository.BatchFilter{
		MerchantID: q.Get("merchant_id"),
		Status:     q.Get("status"),
		Currency:   q.Get("currency"),
		From:       parseTime(q.Get("from")),
		To:         parseTime(q.Get("to")),
		MinAmount:  parseDecimal(q.Get("min_amount")),
		MaxAmount:  parseDecimal(q.Get("max_amount")),
		Search:     q.Get("search"),
		SortBy:     q.Get("sort_by"),
		SortDesc:   q.Get("sort_dir") == "desc",
		Page:       parseIntDefault(q.Get("page"), 1),
		Limit:      parseIntDefault(q.Get("limit"), 50),
	}
}

func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	filter := batchFilterFromQuery(r)
	batches, total, err := h.batchRepo.List(filter)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settlements": batches,
		"total":       total,
		"page":        filter.Page,
		"limit":       filter.Limit,
	})
}

func (h *Handlers) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := h.batchRepo.GetAnalytics()
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (h *Handlers) GetReconciliationReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.batchRepo.ReconciliationReport()
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	inconsistent := 0
	for _, row := range report {
		if !row.Consistent {
			inconsistent++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batches":      report,
		"total":        len(report),
		"inconsistent": inconsistent,
	})
}

// ExportBatches streams the filtered batch list as CSV.
func (h *Handlers) ExportBatches(w http.ResponseWriter, r *http.Request) {
	filter := batchFilterFromQuery(r)
	filter.Limit = 10000
	batches, _, err := h.batchRepo.List(filter)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="settlements.csv"`)
	cw := csv.NewWriter(w)
	defer cw.Flush()

	cw.Write([]string{"id", "merchant_id", "currency", "gross", "fees", "net",
		"transactions", "status", "settlement_date", "bank_reference", "created_at"})
	for i := range batches {
		b := &batches[i]
		cw.Write([]string{
			b.ID, b.MerchantID, b.Currency,
			b.GrossAmount.StringFixed(2), b.TotalFees.StringFixed(2), b.NetAmount.StringFixed(2),
			strconv.Itoa(b.TransactionCount), string(b.Status),
			b.SettlementDate.Format("2006-01-02"), b.BankReference,
			b.CreatedAt.Format(time.RFC3339),
		})
	}
}

// --- schedules ---

type scheduleRequest struct {
	Frequency      string          `json:"frequency"`
	DayOfWeek      int             `json:"day_of_week"`
	DayOfMonth     int             `json:"day_of_month"`
	ProcessingTime string          `json:"processing_time"`
	MinimumAmount  decimal.Decimal `json:"minimum_amount"`
	AutoProcess    bool            `json:"auto_process"`
	Active         bool            `json:"active"`
}

var validFrequencies = map[domain.ScheduleFrequency]bool{
	domain.FrequencyDaily:    true,
	domain.FrequencyWeekly:   true,
	domain.FrequencyBiWeekly: true,
	domain.FrequencyMonthly:  true,
	domain.FrequencyManual:   true,
}

func (h *Handlers) UpsertSchedule(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "id")
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	freq := domain.ScheduleFrequency(req.Frequency)
	if !validFrequencies[freq] {
		writeError(w, http.StatusBadRequest, "unknown frequency: "+req.Frequency)
		return
	}
	if (freq == domain.FrequencyWeekly || freq == domain.FrequencyBiWeekly) &&
		(req.DayOfWeek < 0 || req.DayOfWeek > 6) {
		writeError(w, http.StatusBadRequest, "day_of_week must be 0 (Sunday) to 6 (Saturday)")
		return
	}
	if freq == domain.FrequencyMonthly && (req.DayOfMonth < 1 || req.DayOfMonth > 31) {
		writeError(w, http.StatusBadRequest, "day_of_month must be 1 to 31")
		return
	}
	if req.ProcessingTime != "" {
		if _, err := time.Parse("15:04", req.ProcessingTime); err != nil {
			writeError(w, http.StatusBadRequest, "processing_time must be HH:MM")
			return
		}
	}

	now := time.Now().UTC()
	sched := &domain.SettlementSchedule{
		MerchantID:     merchantID,
		Frequency:      freq,
		DayOfWeek:      time.Weekday(req.DayOfWeek),
		DayOfMonth:     req.DayOfMonth,
		ProcessingTime: req.ProcessingTime,
		MinimumAmount:  req.MinimumAmount,
		AutoProcess:    req.AutoProcess,
		Active:         req.Active,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if existing, err := h.scheduleRepo.Get(merchantID); err == nil {
		sched.CreatedAt = existing.CreatedAt
		sched.LastProcessed = existing.LastProcessed
	}

	h.scheduler.Reschedule(sched)
	if err := h.scheduleRepo.Upsert(sched); err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (h *Handlers) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := h.scheduleRepo.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (h *Handlers) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduleRepo.Delete(chi.URLParam(r, "id")); err != nil {
		writeFailure(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListDueSchedules(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now().UTC()
	if t := parseTime(r.URL.Query().Get("as_of")); t != nil {
		asOf = *t
	}
	due, err := h.scheduleRepo.ListDue(asOf)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": due,
		"total":     len(due),
		"as_of":     asOf,
	})
}

func (h *Handlers) TriggerScheduleSweep(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now().UTC()
	if t := parseTime(r.URL.Query().Get("as_of")); t != nil {
		asOf = *t
	}
	result, err := h.scheduler.Sweep(r.Context(), asOf)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- webhooks ---

type endpointRequest struct {
	URL     string            `json:"url"`
	Events  []string          `json:"events"`
	Secret  string            `json:"secret"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (h *Handlers) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "id")
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.URL == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "url and secret are required")
		return
	}
	if len(req.Events) == 0 {
		req.Events = []string{domain.EventWildcard}
	}

	ep := &domain.WebhookEndpoint{
		ID:         uuid.NewString(),
		MerchantID: merchantID,
		URL:        req.URL,
		Events:     req.Events,
		Secret:     req.Secret,
		Active:     true,
		Headers:    req.Headers,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.webhookRepo.InsertEndpoint(ep); err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

func (h *Handlers) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.webhookRepo.ListEndpointsByMerchant(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints": endpoints,
		"total":     len(endpoints),
	})
}

func (h *Handlers) DeactivateEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := h.webhookRepo.DeactivateEndpoint(chi.URLParam(r, "id")); err != nil {
		writeFailure(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := h.webhookRepo.ListDeliveriesByEndpoint(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": deliveries,
		"total":      len(deliveries),
	})
}

func (h *Handlers) TriggerWebhookSweep(w http.ResponseWriter, r *http.Request) {
	delivered, err := h.dispatcher.SweepDue(r.Context(), time.Now().UTC())
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

// --- audit ---

func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.AuditFilter{
		MerchantID: q.Get("merchant_id"),
		BatchID:    q.Get("batch_id"),
		Severity:   q.Get("severity"),
		Operation:  q.Get("operation"),
		From:       parseTime(q.Get("from")),
		To:         parseTime(q.Get("to")),
		Page:       parseIntDefault(q.Get("page"), 1),
		Limit:      parseIntDefault(q.Get("limit"), 50),
	}
	records, total, err := h.auditRepo.List(filter)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
		"page":    filter.Page,
		"limit":   filter.Limit,
	})
}

func (h *Handlers) GetAuditSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.auditRepo.GetSummary()
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
