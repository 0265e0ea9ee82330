package domain

import "time"

// Settlement lifecycle events delivered to merchant webhooks.
const (
	EventSettlementCreated   = "settlement.created"
	EventSettlementProcessed = "settlement.processed"
	EventSettlementFailed    = "settlement.failed"
	EventSettlementCancelled = "settlement.cancelled"

	// EventWildcard subscribes an endpoint to every event type.
	EventWildcard = "*"
)

type WebhookEndpoint struct {
	ID         string            `json:"id"`
	MerchantID string            `json:"merchant_id"`
	URL        string            `json:"url"`
	Events     []string          `json:"events"`
	Secret     string            `json:"-"`
	Active     bool              `json:"active"`
	Headers    map[string]string `json:"headers,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// SubscribedTo reports whether the endpoint wants the given event type,
// either by exact match or via the wildcard subscription.
func (e *WebhookEndpoint) SubscribedTo(event string) bool {
	for _, ev := range e.Events {
		if ev == event || ev == EventWildcard {
			return true
		}
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// WebhookDelivery tracks the attempt sequence for one (endpoint, event) pair.
// NextAttempt is null once the delivery reaches a terminal status.
type WebhookDelivery struct {
	ID            string         `json:"id"`
	EndpointID    string         `json:"endpoint_id"`
	EventType     string         `json:"event_type"`
	Payload       []byte         `json:"payload"`
	Status        DeliveryStatus `json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	NextAttempt   *time.Time     `json:"next_attempt,omitempty"`
	ResponseCode  int            `json:"response_code,omitempty"`
	ResponseBody  string         `json:"response_body,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
