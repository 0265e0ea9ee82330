package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nordpay/settlements/internal/config"
	"github.com/nordpay/settlements/internal/domain"
	"github.com/nordpay/settlements/internal/repository"
)

var baseTime = time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)

func newTestDispatcher(t *testing.T) (*Dispatcher, *repository.WebhookRepo, *config.Config) {
	t.Helper()
	db, err := repository.InitDB(":memory:")
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.WebhookSyncRetries = 3
	cfg.WebhookMaxAttempts = 5
	cfg.WebhookTimeout = 2 * time.Second

	repo := repository.NewWebhookRepo(db)
	d := NewDispatcher(cfg, repo).WithClock(func() time.Time { return baseTime })
	return d, repo, cfg
}

func insertEndpoint(t *testing.T, repo *repository.WebhookRepo, url string, events ...string) *domain.WebhookEndpoint {
	t.Helper()
	if len(events) == 0 {
		events = []string{domain.EventWildcard}
	}
	ep := &domain.WebhookEndpoint{
		ID:         "ep-" + url[len(url)-4:],
		MerchantID: "M-001",
		URL:        url,
		Events:     events,
		Secret:     "whsec_test",
		Active:     true,
		Headers:    map[string]string{"X-Custom": "nordpay"},
		CreatedAt:  baseTime,
	}
	if err := repo.InsertEndpoint(ep); err != nil {
		t.Fatal(err)
	}
	return ep
}

func testBatch() *domain.SettlementBatch {
	return &domain.SettlementBatch{
		ID:               "batch-1",
		MerchantID:       "M-001",
		Currency:         "NOK",
		GrossAmount:      decimal.RequireFromString("320.00"),
		TotalFees:        decimal.RequireFromString("8.75"),
		NetAmount:        decimal.RequireFromString("311.25"),
		TransactionCount: 3,
		Status:           domain.BatchCompleted,
		SettlementDate:   baseTime.AddDate(0, 0, -1),
		BankReference:    "BANK-1",
		CreatedAt:        baseTime,
	}
}

func TestPublishDeliversSignedEvent(t *testing.T) {
	d, repo, _ := newTestDispatcher(t)

	var gotSig, gotEvent, gotCustom string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotEvent = r.Header.Get("X-Webhook-Event")
		gotCustom = r.Header.Get("X-Custom")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := insertEndpoint(t, repo, srv.URL)

	if err := d.Publish(context.Background(), domain.EventSettlementProcessed, testBatch()); err != nil {
		t.Fatal(err)
	}

	if gotEvent != domain.EventSettlementProcessed {
		t.Errorf("event header = %q", gotEvent)
	}
	if gotCustom != "nordpay" {
		t.Errorf("custom header = %q", gotCustom)
	}
	if !hmac.Equal([]byte(gotSig), []byte(Sign(ep.Secret, gotBody))) {
		t.Error("signature does not verify against the delivered body")
	}

	var payload EventPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if payload.EventType != domain.EventSettlementProcessed ||
		payload.SettlementID != "batch-1" ||
		payload.Currency != "NOK" ||
		!payload.Amount.Equal(decimal.RequireFromString("311.25")) {
		t.Errorf("payload = %+v", payload)
	}

	deliveries, err := repo.ListDeliveriesByEndpoint(ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(deliveries))
	}
	dv := deliveries[0]
	if dv.Status != domain.DeliveryDelivered || dv.AttemptCount != 1 || dv.NextAttempt != nil {
		t.Errorf("delivery = %+v", dv)
	}
}

func TestPublishRetriesInProcessThenSucceeds(t *testing.T) {
	d, repo, _ := newTestDispatcher(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := insertEndpoint(t, repo, srv.URL)

	if err := d.Publish(context.Background(), domain.EventSettlementProcessed, testBatch()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}

	deliveries, _ := repo.ListDeliveriesByEndpoint(ep.ID)
	if len(deliveries) != 1 || deliveries[0].Status != domain.DeliveryDelivered {
		t.Fatalf("deliveries = %+v", deliveries)
	}
	if deliveries[0].AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3", deliveries[0].AttemptCount)
	}
}

func TestPublishLeavesPendingForSweepAfterSyncBudget(t *testing.T) {
	d, repo, cfg := newTestDispatcher(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ep := insertEndpoint(t, repo, srv.URL)

	if err := d.Publish(context.Background(), domain.EventSettlementFailed, testBatch()); err != nil {
		t.Fatal(err)
	}

	deliveries, _ := repo.ListDeliveriesByEndpoint(ep.ID)
	if len(deliveries) != 1 {
		t.Fatal("expected one delivery")
	}
	dv := deliveries[0]
	if dv.Status != domain.DeliveryPending {
		t.Fatalf("status = %s, want pending for the durable sweep", dv.Status)
	}
	if dv.AttemptCount != cfg.WebhookSyncRetries {
		t.Errorf("attempt_count = %d, want %d", dv.AttemptCount, cfg.WebhookSyncRetries)
	}
	if dv.NextAttempt == nil || !dv.NextAttempt.After(baseTime) {
		t.Errorf("next_attempt = %v, want scheduled in the future", dv.NextAttempt)
	}
	if dv.ResponseCode != http.StatusInternalServerError {
		t.Errorf("response_code = %d", dv.ResponseCode)
	}
}

func TestSweepDueExhaustsAttemptsAndFails(t *testing.T) {
	d, repo, cfg := newTestDispatcher(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ep := insertEndpoint(t, repo, srv.URL)
	if err := d.Publish(context.Background(), domain.EventSettlementFailed, testBatch()); err != nil {
		t.Fatal(err)
	}

	// Drive the sweep far past every scheduled next attempt.
	for i := 0; i < cfg.WebhookMaxAttempts; i++ {
		asOf := baseTime.Add(time.Duration(i+1) * 24 * time.Hour)
		if _, err := d.SweepDue(context.Background(), asOf); err != nil {
			t.Fatal(err)
		}
	}

	deliveries, _ := repo.ListDeliveriesByEndpoint(ep.ID)
	dv := deliveries[0]
	if dv.Status != domain.DeliveryFailed {
		t.Fatalf("status = %s, want failed after exhausting attempts", dv.Status)
	}
	if dv.AttemptCount != cfg.WebhookMaxAttempts {
		t.Errorf("attempt_count = %d, want %d", dv.AttemptCount, cfg.WebhookMaxAttempts)
	}
	if dv.NextAttempt != nil {
		t.Errorf("next_attempt = %v, want nil on terminal failure", dv.NextAttempt)
	}

	// A further sweep finds nothing due.
	delivered, err := d.SweepDue(context.Background(), baseTime.Add(30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 0 {
		t.Errorf("delivered = %d, want 0", delivered)
	}
}

func TestSweepDueRecoversPendingDelivery(t *testing.T) {
	d, repo, _ := newTestDispatcher(t)

	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ep := insertEndpoint(t, repo, srv.URL)
	if err := d.Publish(context.Background(), domain.EventSettlementProcessed, testBatch()); err != nil {
		t.Fatal(err)
	}

	healthy.Store(true)
	delivered, err := d.SweepDue(context.Background(), baseTime.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}

	deliveries, _ := repo.ListDeliveriesByEndpoint(ep.ID)
	if deliveries[0].Status != domain.DeliveryDelivered {
		t.Errorf("status = %s", deliveries[0].Status)
	}
}

func TestPublishSkipsUnsubscribedEndpoints(t *testing.T) {
	d, repo, _ := newTestDispatcher(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	insertEndpoint(t, repo, srv.URL, domain.EventSettlementFailed)

	if err := d.Publish(context.Background(), domain.EventSettlementProcessed, testBatch()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Errorf("unsubscribed endpoint was called %d times", calls.Load())
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := config.Default()
	cfg.WebhookBackoffBase = 5 * time.Minute
	cfg.WebhookBackoffCap = 6 * time.Hour
	d := &Dispatcher{cfg: cfg}

	want := []time.Duration{
		5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute,
		80 * time.Minute, 160 * time.Minute, 320 * time.Minute, 6 * time.Hour,
	}
	for i, w := range want {
		if got := d.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
	// Far attempts stay at the cap even when the shift overflows.
	if got := d.backoff(70); got != cfg.WebhookBackoffCap {
		t.Errorf("backoff(70) = %s, want cap", got)
	}
}

func TestSignIsStableHex(t *testing.T) {
	sig := Sign("whsec_test", []byte(`{"a":1}`))
	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(sig))
	}
	if sig != Sign("whsec_test", []byte(`{"a":1}`)) {
		t.Error("signature not deterministic")
	}
	if sig == Sign("other", []byte(`{"a":1}`)) {
		t.Error("secret does not influence signature")
	}
}
