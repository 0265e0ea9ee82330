package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nordpay/settlements/internal/config"
	"github.com/nordpay/settlements/internal/currency"
	"github.com/nordpay/settlements/internal/domain"
	"github.com/nordpay/settlements/internal/idempotency"
	"github.com/nordpay/settlements/internal/repository"
	"github.com/nordpay/settlements/internal/validation"
)

const scopeBatchCreate = "batch.create"

// BuildRequest describes one settlement run for a merchant.
type BuildRequest struct {
	MerchantID     string           `json:"merchant_id"`
	From           time.Time        `json:"from"`
	To             time.Time        `json:"to"`
	MinimumAmount  *decimal.Decimal `json:"minimum_amount,omitempty"`
	AutoProcess    bool             `json:"auto_process"`
	IdempotencyKey string           `json:"-"`
}

// BuildOutcome carries the created (or replayed) batches plus the validator's
// findings for the caller to surface. A run emits one batch per currency;
// Batch is the first of Batches, ordered by currency code.
type BuildOutcome struct {
	Batch    *domain.SettlementBatch
	Batches  []*domain.SettlementBatch
	Findings *validation.Result
	Replayed bool
}

// Builder selects eligible transactions and emits immutable batches.
type Builder struct {
	cfg       *config.Config
	txns      TransactionSource
	merchants MerchantDirectory
	batches   *repository.BatchRepo
	audit     *repository.AuditRepo
	validator *validation.Validator
	idem      idempotency.Store
	events    EventPublisher
	now       func() time.Time
}

func NewBuilder(
	cfg *config.Config,
	txns TransactionSource,
	merchants MerchantDirectory,
	batches *repository.BatchRepo,
	audit *repository.AuditRepo,
	validator *validation.Validator,
	idem idempotency.Store,
	events EventPublisher,
) *Builder {
	return &Builder{
		cfg:       cfg,
		txns:      txns,
		merchants: merchants,
		batches:   batches,
		audit:     audit,
		validator: validator,
		idem:      idem,
		events:    events,
		now:       time.Now,
	}
}

// WithClock fixes the builder's notion of now. Tests only.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build runs the full batch creation flow: request validation, merchant
// eligibility, idempotent claim of the (merchant, window) run, transaction
// selection, decimal aggregation and the atomic batch insert.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*BuildOutcome, error) {
	findings := b.validator.CheckRequest(req.From, req.To)
	if !findings.Valid() {
		return &BuildOutcome{Findings: findings}, domain.ErrValidationFailed
	}

	merchant, err := b.merchants.Get(req.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("lookup merchant %s: %w", req.MerchantID, err)
	}

	failed, total, err := b.batches.FailureStats(
		req.MerchantID, b.now().AddDate(0, 0, -b.cfg.FailureWindowDays),
	)
	if err != nil {
		return nil, fmt.Errorf("failure stats: %w", err)
	}
	findings.Merge(b.validator.CheckMerchant(merchant, failed, total))
	if !findings.Valid() {
		b.recordFindings(req.MerchantID, "", findings)
		return &BuildOutcome{Findings: findings}, domain.ErrMerchantIneligible
	}

	// One settlement run per (merchant, window): duplicate triggers replay
	// the first result instead of claiming transactions twice.
	key := req.IdempotencyKey
	if key == "" {
		if key, err = idempotency.DeriveKey(struct {
			MerchantID string    `json:"merchant_id"`
			From       time.Time `json:"from"`
			To         time.Time `json:"to"`
		}{req.MerchantID, req.From, req.To}); err != nil {
			return nil, err
		}
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("serialize request: %w", err)
	}
	fingerprint := idempotency.Fingerprint(reqBody)

	begin, err := b.idem.Begin(ctx, scopeBatchCreate, key, fingerprint, b.cfg.IdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency begin: %w", err)
	}
	switch begin.State {
	case idempotency.StateReplay:
		var batches []*domain.SettlementBatch
		if err := json.Unmarshal(begin.Cached.Body, &batches); err != nil {
			return nil, fmt.Errorf("decode cached batches: %w", err)
		}
		if len(batches) == 0 {
			return nil, fmt.Errorf("cached batch record for key %s is empty", key)
		}
		log.Printf("[builder] replayed %d batch(es) for merchant %s (key=%s)", len(batches), req.MerchantID, key)
		return &BuildOutcome{Batch: batches[0], Batches: batches, Findings: findings, Replayed: true}, nil
	case idempotency.StateInProgress:
		return nil, domain.ErrRequestInProgress
	case idempotency.StateConflict:
		return nil, domain.ErrIdempotencyConflict
	}

	outcome, err := b.build(ctx, req, merchant, findings)
	if err != nil {
		// Business rejections and storage failures alike leave no batch
		// behind, so free the key for a later attempt.
		if abandonErr := b.idem.Abandon(ctx, scopeBatchCreate, key, fingerprint); abandonErr != nil {
			log.Printf("[builder] WARNING: abandon idempotency claim: %v", abandonErr)
		}
		return outcome, err
	}

	body, err := json.Marshal(outcome.Batches)
	if err != nil {
		return nil, fmt.Errorf("serialize batches: %w", err)
	}
	if err := b.idem.Complete(ctx, scopeBatchCreate, key, fingerprint,
		idempotency.CachedResult{StatusCode: 201, Body: body}, b.cfg.IdempotencyTTL); err != nil {
		log.Printf("[builder] WARNING: complete idempotency record: %v", err)
	}
	return outcome, nil
}

func (b *Builder) build(ctx context.Context, req BuildRequest, merchant *domain.Merchant, findings *validation.Result) (*BuildOutcome, error) {
	txns, err := b.txns.ListCompletedUnsettled(req.MerchantID, req.From, req.To)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	if len(txns) == 0 {
		return &BuildOutcome{Findings: findings}, domain.ErrNoEligibleTransactions
	}

	// One batch per currency: amounts in different currencies never share
	// arithmetic or a reconciliation identity.
	byCurrency := make(map[string][]*domain.SourceTransaction)
	for i := range txns {
		tx := &txns[i]
		byCurrency[tx.Currency] = append(byCurrency[tx.Currency], tx)
	}
	currencies := make([]string, 0, len(byCurrency))
	for cur := range byCurrency {
		currencies = append(currencies, cur)
	}
	sort.Strings(currencies)

	minimum := b.cfg.DefaultMinimumAmount
	if req.MinimumAmount != nil {
		minimum = *req.MinimumAmount
	}
	trailingAvg, err := b.txns.TrailingAverageNet(req.MerchantID, b.now().AddDate(0, 0, -30))
	if err != nil {
		return nil, fmt.Errorf("trailing average: %w", err)
	}

	type draft struct {
		batch *domain.SettlementBatch
		items []domain.SettlementLineItem
	}
	var drafts []draft
	for _, cur := range currencies {
		group := byCurrency[cur]
		batchID := uuid.NewString()
		var gross, fees decimal.Decimal
		items := make([]domain.SettlementLineItem, 0, len(group))
		for _, tx := range group {
			amount := currency.RoundMinor(tx.Amount, cur)
			fee := currency.RoundMinor(tx.Fee, cur)
			gross = gross.Add(amount)
			fees = fees.Add(fee)
			items = append(items, domain.SettlementLineItem{
				ID:            uuid.NewString(),
				BatchID:       batchID,
				TransactionID: tx.ID,
				Kind:          tx.Kind,
				Amount:        amount,
				Fee:           fee,
				NetAmount:     amount.Sub(fee),
			})
		}
		net := gross.Sub(fees)
		if net.LessThan(minimum) {
			// Unclaimed; the group settles once it accumulates past the minimum.
			log.Printf("[builder] merchant %s %s net %s under minimum %s, skipping",
				req.MerchantID, cur, net.StringFixed(2), minimum.StringFixed(2))
			continue
		}
		findings.Merge(b.validator.CheckAmount(net, cur, trailingAvg))
		drafts = append(drafts, draft{
			batch: &domain.SettlementBatch{
				ID:               batchID,
				MerchantID:       req.MerchantID,
				Currency:         cur,
				GrossAmount:      gross,
				TotalFees:        fees,
				NetAmount:        net,
				TransactionCount: len(items),
				Status:           domain.BatchPending,
				SettlementDate:   req.To,
				CreatedAt:        b.now().UTC(),
			},
			items: items,
		})
	}
	if len(drafts) == 0 {
		return &BuildOutcome{Findings: findings}, domain.ErrBelowMinimum
	}
	if !findings.Valid() {
		b.recordFindings(req.MerchantID, "", findings)
		return &BuildOutcome{Findings: findings}, domain.ErrValidationFailed
	}

	batches := make([]*domain.SettlementBatch, 0, len(drafts))
	for _, d := range drafts {
		// Earlier currency batches stay on a mid-run failure; the claim guard
		// keeps a later attempt from settling them twice.
		if err := b.batches.CreateWithLineItems(d.batch, d.items); err != nil {
			return nil, fmt.Errorf("create %s batch: %w", d.batch.Currency, err)
		}
		batches = append(batches, d.batch)
		log.Printf("[builder] created batch %s for merchant %s: currency=%s gross=%s fees=%s net=%s txns=%d",
			d.batch.ID, req.MerchantID, d.batch.Currency, d.batch.GrossAmount.StringFixed(2),
			d.batch.TotalFees.StringFixed(2), d.batch.NetAmount.StringFixed(2), len(d.items))

		if err := b.events.Publish(ctx, domain.EventSettlementCreated, d.batch); err != nil {
			log.Printf("[builder] WARNING: publish %s for %s: %v", domain.EventSettlementCreated, d.batch.ID, err)
		}
	}

	b.recordFindings(req.MerchantID, batches[0].ID, findings)
	return &BuildOutcome{Batch: batches[0], Batches: batches, Findings: findings}, nil
}

// recordFindings persists every warning and error for audit. Best effort; a
// failed audit write never blocks settlement.
func (b *Builder) recordFindings(merchantID, batchID string, res *validation.Result) {
	records := findingsToRecords("batch.create", merchantID, batchID, res, b.now().UTC())
	if len(records) == 0 {
		return
	}
	if _, err := b.audit.BulkInsert(records); err != nil {
		log.Printf("[builder] WARNING: record audit findings: %v", err)
	}
}

func findingsToRecords(op, merchantID, batchID string, res *validation.Result, now time.Time) []domain.AuditRecord {
	var records []domain.AuditRecord
	add := func(sev domain.AuditSeverity, field, msg string) {
		records = append(records, domain.AuditRecord{
			ID:         uuid.NewString(),
			BatchID:    batchID,
			MerchantID: merchantID,
			Operation:  op,
			Severity:   sev,
			Field:      field,
			Message:    msg,
			RecordedAt: now,
		})
	}
	for field, msgs := range res.Warnings {
		for _, msg := range msgs {
			add(domain.AuditWarning, field, msg)
		}
	}
	for field, msgs := range res.Errors {
		for _, msg := range msgs {
			add(domain.AuditError, field, msg)
		}
	}
	return records
}
