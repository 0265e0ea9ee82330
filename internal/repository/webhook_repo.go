package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nordpay/settlements/internal/domain"
)

type WebhookRepo struct {
	db *sql.DB
}

func NewWebhookRepo(db *sql.DB) *WebhookRepo {
	return &WebhookRepo{db: db}
}

// --- endpoints ---

func (r *WebhookRepo) InsertEndpoint(e *domain.WebhookEndpoint) error {
	events, err := json.Marshal(e.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	var headers any
	if len(e.Headers) > 0 {
		h, err := json.Marshal(e.Headers)
		if err != nil {
			return fmt.Errorf("marshal headers: %w", err)
		}
		headers = string(h)
	}

	_, err = r.db.Exec(
		`INSERT INTO webhook_endpoints
		(id, merchant_id, url, events, secret, active, headers, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.MerchantID, e.URL, string(events), e.Secret,
		boolToInt(e.Active), headers, e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

func (r *WebhookRepo) GetEndpoint(id string) (*domain.WebhookEndpoint, error) {
	row := r.db.QueryRow(selectEndpoint+" WHERE id = ?", id)
	e, err := scanEndpointFrom(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return e, err
}

func (r *WebhookRepo) ListEndpointsByMerchant(merchantID string) ([]domain.WebhookEndpoint, error) {
	rows, err := r.db.Query(selectEndpoint+" WHERE merchant_id = ? ORDER BY created_at, id", merchantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEndpoints(rows)
}

// ListActiveSubscribed returns active endpoints for the merchant subscribed
// to the event (exact or wildcard). Subscription matching happens in Go since
// the events column is a JSON array.
func (r *WebhookRepo) ListActiveSubscribed(merchantID, event string) ([]domain.WebhookEndpoint, error) {
	rows, err := r.db.Query(
		selectEndpoint+" WHERE merchant_id = ? AND active = 1 ORDER BY created_at, id",
		merchantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all, err := collectEndpoints(rows)
	if err != nil {
		return nil, err
	}
	var subscribed []domain.WebhookEndpoint
	for i := range all {
		if all[i].SubscribedTo(event) {
			subscribed = append(subscribed, all[i])
		}
	}
	return subscribed, nil
}

// DeactivateEndpoint disables an endpoint without deleting it; existing
// delivery records stay attached for audit.
func (r *WebhookRepo) DeactivateEndpoint(id string) error {
	res, err := r.db.Exec("UPDATE webhook_endpoints SET active = 0 WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// --- deliveries ---

func (r *WebhookRepo) InsertDelivery(d *domain.WebhookDelivery) error {
	_, err := r.db.Exec(
		`INSERT INTO webhook_deliveries
		(id, endpoint_id, event_type, payload, status, attempt_count,
		 last_attempt_at, next_attempt, response_code, response_body, error_message, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.EndpointID, d.EventType, d.Payload, string(d.Status),
		d.AttemptCount, formatNullableTime(d.LastAttemptAt), formatNullableTime(d.NextAttempt),
		d.ResponseCode, d.ResponseBody, d.ErrorMessage, d.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (r *WebhookRepo) UpdateDelivery(d *domain.WebhookDelivery) error {
	_, err := r.db.Exec(
		`UPDATE webhook_deliveries
		 SET status = ?, attempt_count = ?, last_attempt_at = ?, next_attempt = ?,
		     response_code = ?, response_body = ?, error_message = ?
		 WHERE id = ?`,
		string(d.Status), d.AttemptCount, formatNullableTime(d.LastAttemptAt),
		formatNullableTime(d.NextAttempt), d.ResponseCode, d.ResponseBody,
		d.ErrorMessage, d.ID,
	)
	return err
}

func (r *WebhookRepo) GetDelivery(id string) (*domain.WebhookDelivery, error) {
	row := r.db.QueryRow(selectDelivery+" WHERE id = ?", id)
	d, err := scanDeliveryFrom(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return d, err
}

// ListDue returns pending deliveries whose next attempt is at or before the
// given instant. Ordered by endpoint then creation so per-endpoint delivery
// stays in event order.
func (r *WebhookRepo) ListDue(asOf time.Time) ([]domain.WebhookDelivery, error) {
	rows, err := r.db.Query(
		selectDelivery+` WHERE status = 'pending' AND next_attempt IS NOT NULL AND next_attempt <= ?
		 ORDER BY endpoint_id, created_at, id`,
		asOf.Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDeliveryFrom(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func (r *WebhookRepo) ListDeliveriesByEndpoint(endpointID string) ([]domain.WebhookDelivery, error) {
	rows, err := r.db.Query(
		selectDelivery+" WHERE endpoint_id = ? ORDER BY created_at DESC, id", endpointID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDeliveryFrom(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// --- scan helpers ---

const selectEndpoint = `SELECT id, merchant_id, url, events, secret, active, headers, created_at
	FROM webhook_endpoints`

func scanEndpointFrom(s rowScanner) (*domain.WebhookEndpoint, error) {
	var e domain.WebhookEndpoint
	var events, createdAt string
	var active int
	var headers sql.NullString

	err := s.Scan(&e.ID, &e.MerchantID, &e.URL, &events, &e.Secret, &active, &headers, &createdAt)
	if err != nil {
		return nil, err
	}

	e.Active = active == 1
	if err := json.Unmarshal([]byte(events), &e.Events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	if headers.Valid {
		if err := json.Unmarshal([]byte(headers.String), &e.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &e, nil
}

func collectEndpoints(rows *sql.Rows) ([]domain.WebhookEndpoint, error) {
	var endpoints []domain.WebhookEndpoint
	for rows.Next() {
		e, err := scanEndpointFrom(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, *e)
	}
	return endpoints, rows.Err()
}

const selectDelivery = `SELECT id, endpoint_id, event_type, payload, status, attempt_count,
	last_attempt_at, next_attempt, response_code, response_body, error_message, created_at
	FROM webhook_deliveries`

func scanDeliveryFrom(s rowScanner) (*domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	var status, createdAt string
	var lastAttempt, nextAttempt sql.NullString

	err := s.Scan(
		&d.ID, &d.EndpointID, &d.EventType, &d.Payload, &status, &d.AttemptCount,
		&lastAttempt, &nextAttempt, &d.ResponseCode, &d.ResponseBody,
		&d.ErrorMessage, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = domain.DeliveryStatus(status)
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastAttempt.Valid {
		t, _ := time.Parse(time.RFC3339, lastAttempt.String)
		d.LastAttemptAt = &t
	}
	if nextAttempt.Valid {
		t, _ := time.Parse(time.RFC3339, nextAttempt.String)
		d.NextAttempt = &t
	}
	return &d, nil
}
