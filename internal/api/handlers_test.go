package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nordpay/settlements/internal/config"
	"github.com/nordpay/settlements/internal/domain"
	"github.com/nordpay/settlements/internal/idempotency"
	"github.com/nordpay/settlements/internal/repository"
	"github.com/nordpay/settlements/internal/settlement"
	"github.com/nordpay/settlements/internal/validation"
	"github.com/nordpay/settlements/internal/webhook"
)

// Monday 2025-06-16 10:00 UTC.
var baseTime = time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, eventType string, batch *domain.SettlementBatch) error {
	return nil
}

type okRail struct{}

func (okRail) Transfer(ctx context.Context, batch *domain.SettlementBatch) (settlement.TransferResult, error) {
	return settlement.TransferResult{Code: settlement.RailOK, ExternalRef: "REF-1"}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *repository.MerchantRepo, *repository.TransactionRepo) {
	t.Helper()
	db, err := repository.InitDB(":memory:")
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	clock := func() time.Time { return baseTime }

	txnRepo := repository.NewTransactionRepo(db)
	merchantRepo := repository.NewMerchantRepo(db)
	batchRepo := repository.NewBatchRepo(db)
	scheduleRepo := repository.NewScheduleRepo(db)
	webhookRepo := repository.NewWebhookRepo(db)
	auditRepo := repository.NewAuditRepo(db)

	validator := validation.New(cfg).WithClock(clock)
	idem := idempotency.NewSQLiteStore(db)
	events := noopPublisher{}

	builder := settlement.NewBuilder(cfg, txnRepo, merchantRepo, batchRepo, auditRepo, validator, idem, events).WithClock(clock)
	processor := settlement.NewProcessor(cfg, batchRepo, merchantRepo, auditRepo, validator, okRail{}, idem, events).WithClock(clock)
	scheduler := settlement.NewScheduler(cfg, scheduleRepo, builder, processor).WithClock(clock)
	dispatcher := webhook.NewDispatcher(cfg, webhookRepo)

	router := NewRouter(builder, processor, scheduler, dispatcher,
		batchRepo, scheduleRepo, webhookRepo, auditRepo)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, merchantRepo, txnRepo
}

func seedMerchantAndTxns(t *testing.T, merchants *repository.MerchantRepo, txns *repository.TransactionRepo) {
	t.Helper()
	err := merchants.Upsert(&domain.Merchant{
		ID: "M-001", Active: true, Verified: true,
		OnboardedAt:    baseTime.AddDate(0, -6, 0),
		CommissionRate: decimal.RequireFromString("0.025"),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = txns.BulkInsert([]domain.SourceTransaction{
		{ID: "t1", MerchantID: "M-001", Kind: domain.KindPayment,
			Amount: decimal.RequireFromString("200.00"), Fee: decimal.RequireFromString("5.00"),
			Currency: "NOK", Status: domain.TxCompleted,
			CompletedAt: time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)},
		{ID: "t2", MerchantID: "M-001", Kind: domain.KindRefund,
			Amount: decimal.RequireFromString("-30.00"), Fee: decimal.Zero,
			Currency: "NOK", Status: domain.TxCompleted,
			CompletedAt: time.Date(2025, 6, 5, 12, 0, 0, 0, time.UTC)},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestCreateAndProcessSettlement(t *testing.T) {
	srv, merchants, txns := newTestServer(t)
	seedMerchantAndTxns(t, merchants, txns)

	create := map[string]any{
		"merchant_id": "M-001",
		"from":        "2025-06-02",
		"to":          "2025-06-13",
	}
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/settlements", create,
		map[string]string{"Idempotency-Key": "key-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	batch, ok := body["batch"].(map[string]any)
	if !ok {
		t.Fatalf("no batch in %v", body)
	}
	batchID, _ := batch["id"].(string)
	if batchID == "" {
		t.Fatal("empty batch id")
	}
	if net, _ := batch["net_amount"].(float64); net != 165 {
		t.Errorf("net = %v, want 165 (200 - 30 - 5 fees)", batch["net_amount"])
	}

	// Duplicate request replays with 200.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/settlements", create,
		map[string]string{"Idempotency-Key": "key-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	if replayed, _ := body["replayed"].(bool); !replayed {
		t.Error("expected replayed=true")
	}

	// Process it.
	resp, body = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/settlements/%s/process", srv.URL, batchID), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("process status = %d, body = %v", resp.StatusCode, body)
	}
	processed := body["batch"].(map[string]any)
	if processed["status"] != "completed" {
		t.Errorf("status = %v", processed["status"])
	}

	// Second process attempt is a state conflict.
	resp, _ = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/settlements/%s/process", srv.URL, batchID), nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate process status = %d, want 409", resp.StatusCode)
	}

	// Fetch with line items.
	resp, body = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/settlements/%s", srv.URL, batchID), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	items, _ := body["line_items"].([]any)
	if len(items) != 2 {
		t.Errorf("line items = %d", len(items))
	}
}

func TestCreateSettlementErrors(t *testing.T) {
	srv, merchants, txns := newTestServer(t)
	seedMerchantAndTxns(t, merchants, txns)

	t.Run("missing merchant is 404", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/settlements", map[string]any{
			"merchant_id": "M-NOPE", "from": "2025-06-02", "to": "2025-06-13",
		}, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("bad window is 400", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/settlements", map[string]any{
			"merchant_id": "M-001", "from": "not-a-date", "to": "2025-06-13",
		}, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("empty window is 422", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/settlements", map[string]any{
			"merchant_id": "M-001", "from": "2025-06-13", "to": "2025-06-13",
		}, nil)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, body = %v", resp.StatusCode, body)
		}
	})

	t.Run("no eligible transactions is 422", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/settlements", map[string]any{
			"merchant_id": "M-001", "from": "2024-06-02", "to": "2024-06-13",
		}, nil)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}

func TestCancelEndpoint(t *testing.T) {
	srv, merchants, txns := newTestServer(t)
	seedMerchantAndTxns(t, merchants, txns)

	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/settlements", map[string]any{
		"merchant_id": "M-001", "from": "2025-06-02", "to": "2025-06-13",
	}, nil)
	batchID := body["batch"].(map[string]any)["id"].(string)

	t.Run("reason required", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost,
			fmt.Sprintf("%s/api/v1/settlements/%s/cancel", srv.URL, batchID),
			map[string]any{}, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("cancel succeeds", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost,
			fmt.Sprintf("%s/api/v1/settlements/%s/cancel", srv.URL, batchID),
			map[string]any{"reason": "operator request"}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
		}
		if body["batch"].(map[string]any)["status"] != "cancelled" {
			t.Errorf("batch = %v", body["batch"])
		}
	})

	t.Run("cancel of unknown batch is 404", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/settlements/nope/cancel",
			map[string]any{"reason": "r"}, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}

func TestScheduleEndpoints(t *testing.T) {
	srv, merchants, txns := newTestServer(t)
	seedMerchantAndTxns(t, merchants, txns)

	t.Run("upsert computes next_scheduled", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPut, srv.URL+"/api/v1/merchants/M-001/schedule",
			map[string]any{
				"frequency":       "weekly",
				"day_of_week":     1,
				"processing_time": "08:00",
				"minimum_amount":  "100",
				"auto_process":    true,
				"active":          true,
			}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
		}
		if body["next_scheduled"] == nil {
			t.Error("next_scheduled not computed")
		}
	})

	t.Run("invalid frequency rejected", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPut, srv.URL+"/api/v1/merchants/M-001/schedule",
			map[string]any{"frequency": "hourly"}, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("monthly needs a day", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPut, srv.URL+"/api/v1/merchants/M-001/schedule",
			map[string]any{"frequency": "monthly", "day_of_month": 0, "minimum_amount": "0"}, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("get and delete", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/merchants/M-001/schedule", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get status = %d", resp.StatusCode)
		}
		resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/merchants/M-001/schedule", nil, nil)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("delete status = %d", resp.StatusCode)
		}
		resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/merchants/M-001/schedule", nil, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("get after delete status = %d", resp.StatusCode)
		}
	})
}

func TestWebhookEndpoints(t *testing.T) {
	srv, merchants, txns := newTestServer(t)
	seedMerchantAndTxns(t, merchants, txns)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/merchants/M-001/webhooks",
		map[string]any{
			"url":    "https://example.com/hooks",
			"secret": "whsec_1",
			"events": []string{"settlement.processed"},
		}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	epID, _ := body["id"].(string)
	if epID == "" {
		t.Fatal("no endpoint id")
	}
	if _, hasSecret := body["secret"]; hasSecret {
		t.Error("secret must not be serialized")
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/merchants/M-001/webhooks", nil, nil)
	if resp.StatusCode != http.StatusOK || body["total"].(float64) != 1 {
		t.Fatalf("list status = %d, body = %v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/webhooks/"+epID, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("deactivate status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/webhooks/nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deactivate unknown status = %d", resp.StatusCode)
	}
}

func TestListAndAnalyticsEndpoints(t *testing.T) {
	srv, merchants, txns := newTestServer(t)
	seedMerchantAndTxns(t, merchants, txns)

	doJSON(t, http.MethodPost, srv.URL+"/api/v1/settlements", map[string]any{
		"merchant_id": "M-001", "from": "2025-06-02", "to": "2025-06-13",
	}, nil)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/settlements?merchant_id=M-001", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if body["total"].(float64) != 1 {
		t.Errorf("total = %v", body["total"])
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/settlements/analytics", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("analytics status = %d", resp.StatusCode)
	}
	if body["total_batches"].(float64) != 1 {
		t.Errorf("total_batches = %v", body["total_batches"])
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/settlements/reconciliation", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconciliation status = %d", resp.StatusCode)
	}
	if body["inconsistent"].(float64) != 0 {
		t.Errorf("inconsistent = %v", body["inconsistent"])
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/settlements/export", nil)
	exportResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer exportResp.Body.Close()
	if exportResp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", exportResp.StatusCode)
	}
	if ct := exportResp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q", ct)
	}
}
