package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nordpay/settlements/internal/config"
	"github.com/nordpay/settlements/internal/domain"
	"github.com/nordpay/settlements/internal/repository"
)

const (
	headerSignature = "X-Webhook-Signature"
	headerEvent     = "X-Webhook-Event"

	// Response bodies are kept for audit but truncated.
	maxStoredBody = 1024
)

// Dispatcher delivers signed settlement events to merchant endpoints,
// at least once, with bounded exponential backoff between attempts.
type Dispatcher struct {
	cfg    *config.Config
	repo   *repository.WebhookRepo
	client *http.Client
	now    func() time.Time
}

func NewDispatcher(cfg *config.Config, repo *repository.WebhookRepo) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		repo:   repo,
		client: &http.Client{Timeout: cfg.WebhookTimeout},
		now:    time.Now,
	}
}

// WithClock fixes the dispatcher's notion of now. Tests only.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Sign computes the hex HMAC-SHA256 of the body under the endpoint secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Publish resolves the merchant's subscribed endpoints, serializes the event
// once, and runs an independent delivery per endpoint. The first delivery
// cycle may retry in-process a bounded number of times; afterwards the
// delivery is left to the durable retry sweep.
func (d *Dispatcher) Publish(ctx context.Context, eventType string, batch *domain.SettlementBatch) error {
	endpoints, err := d.repo.ListActiveSubscribed(batch.MerchantID, eventType)
	if err != nil {
		return fmt.Errorf("resolve endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil
	}

	body, err := json.Marshal(payloadFor(eventType, batch, d.now().UTC()))
	if err != nil {
		return fmt.Errorf("serialize payload: %w", err)
	}

	for i := range endpoints {
		ep := &endpoints[i]
		delivery := &domain.WebhookDelivery{
			ID:         uuid.NewString(),
			EndpointID: ep.ID,
			EventType:  eventType,
			Payload:    body,
			Status:     domain.DeliveryPending,
			CreatedAt:  d.now().UTC(),
		}
		if err := d.repo.InsertDelivery(delivery); err != nil {
			log.Printf("[webhook] WARNING: insert delivery for %s: %v", ep.ID, err)
			continue
		}

		for attempt := 0; attempt < d.cfg.WebhookSyncRetries; attempt++ {
			if d.attempt(ctx, delivery, ep) {
				break
			}
			if delivery.Status != domain.DeliveryPending {
				break
			}
		}
		if err := d.repo.UpdateDelivery(delivery); err != nil {
			log.Printf("[webhook] WARNING: persist delivery %s: %v", delivery.ID, err)
		}
	}
	return nil
}

// SweepDue re-attempts pending deliveries whose backoff has elapsed. The
// due list is ordered per endpoint so deliveries to one endpoint stay in
// event order.
func (d *Dispatcher) SweepDue(ctx context.Context, asOf time.Time) (int, error) {
	due, err := d.repo.ListDue(asOf)
	if err != nil {
		return 0, fmt.Errorf("list due deliveries: %w", err)
	}

	endpoints := make(map[string]*domain.WebhookEndpoint)
	delivered := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		dv := &due[i]

		ep, ok := endpoints[dv.EndpointID]
		if !ok {
			ep, err = d.repo.GetEndpoint(dv.EndpointID)
			if err != nil {
				log.Printf("[webhook] WARNING: endpoint %s for delivery %s: %v", dv.EndpointID, dv.ID, err)
				continue
			}
			endpoints[dv.EndpointID] = ep
		}

		if d.attempt(ctx, dv, ep) {
			delivered++
		}
		if err := d.repo.UpdateDelivery(dv); err != nil {
			log.Printf("[webhook] WARNING: persist delivery %s: %v", dv.ID, err)
		}
	}

	if len(due) > 0 {
		log.Printf("[webhook] sweep: %d due, %d delivered", len(due), delivered)
	}
	return delivered, nil
}

// attempt performs one HTTP delivery and mutates the delivery record:
// Delivered on 2xx, otherwise Pending with the next backoff or Failed once
// the attempt budget is spent. The caller persists the record.
func (d *Dispatcher) attempt(ctx context.Context, dv *domain.WebhookDelivery, ep *domain.WebhookEndpoint) bool {
	now := d.now().UTC()
	dv.AttemptCount++
	dv.LastAttemptAt = &now

	code, respBody, err := d.post(ctx, ep, dv)
	dv.ResponseCode = code
	dv.ResponseBody = respBody
	if err != nil {
		dv.ErrorMessage = err.Error()
	} else {
		dv.ErrorMessage = ""
	}

	if err == nil && code >= 200 && code < 300 {
		dv.Status = domain.DeliveryDelivered
		dv.NextAttempt = nil
		log.Printf("[webhook] delivered %s to %s (attempt %d)", dv.EventType, ep.URL, dv.AttemptCount)
		return true
	}

	if dv.AttemptCount >= d.cfg.WebhookMaxAttempts {
		dv.Status = domain.DeliveryFailed
		dv.NextAttempt = nil
		log.Printf("[webhook] giving up on %s to %s after %d attempts", dv.EventType, ep.URL, dv.AttemptCount)
		return false
	}

	next := now.Add(d.backoff(dv.AttemptCount))
	dv.Status = domain.DeliveryPending
	dv.NextAttempt = &next
	return false
}

// backoff returns base x 2^(attempts-1), capped. Strictly increasing until
// the cap: 5m, 10m, 20m, ...
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.WebhookBackoffBase * (1 << uint(attempts-1))
	if delay > d.cfg.WebhookBackoffCap || delay <= 0 {
		return d.cfg.WebhookBackoffCap
	}
	return delay
}

func (d *Dispatcher) post(ctx context.Context, ep *domain.WebhookEndpoint, dv *domain.WebhookDelivery) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(dv.Payload))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, dv.EventType)
	req.Header.Set(headerSignature, Sign(ep.Secret, dv.Payload))
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxStoredBody))
	return resp.StatusCode, string(body), nil
}
