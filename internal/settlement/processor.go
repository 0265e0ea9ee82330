package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nordpay/settlements/internal/config"
	"github.com/nordpay/settlements/internal/domain"
	"github.com/nordpay/settlements/internal/idempotency"
	"github.com/nordpay/settlements/internal/repository"
	"github.com/nordpay/settlements/internal/validation"
)

const scopeBatchProcess = "batch.process"

// ProcessOutcome is the processor's answer: the batch after the run plus the
// validator's findings.
type ProcessOutcome struct {
	Batch    *domain.SettlementBatch
	Findings *validation.Result
	Replayed bool
}

// Processor drives batches through pending -> processing -> completed/failed
// and invokes the transfer rail.
type Processor struct {
	cfg       *config.Config
	batches   *repository.BatchRepo
	merchants MerchantDirectory
	audit     *repository.AuditRepo
	validator *validation.Validator
	rail      TransferRail
	idem      idempotency.Store
	events    EventPublisher
	now       func() time.Time
}

func NewProcessor(
	cfg *config.Config,
	batches *repository.BatchRepo,
	merchants MerchantDirectory,
	audit *repository.AuditRepo,
	validator *validation.Validator,
	rail TransferRail,
	idem idempotency.Store,
	events EventPublisher,
) *Processor {
	return &Processor{
		cfg:       cfg,
		batches:   batches,
		merchants: merchants,
		audit:     audit,
		validator: validator,
		rail:      rail,
		idem:      idem,
		events:    events,
		now:       time.Now,
	}
}

// WithClock fixes the processor's notion of now. Tests only.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Process moves a pending batch through processing. Duplicate triggers for
// the same attempt (two scheduler ticks, a client retry) replay the first
// outcome without a second rail call.
func (p *Processor) Process(ctx context.Context, batchID string) (*ProcessOutcome, error) {
	return p.run(ctx, batchID, domain.BatchPending)
}

// Retry re-enters a failed batch into processing. Explicit operation: the
// processor never retries on a timer by itself.
func (p *Processor) Retry(ctx context.Context, batchID string) (*ProcessOutcome, error) {
	return p.run(ctx, batchID, domain.BatchFailed)
}

func (p *Processor) run(ctx context.Context, batchID string, from domain.BatchStatus) (*ProcessOutcome, error) {
	batch, err := p.batches.GetByID(batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != from {
		return nil, fmt.Errorf("batch %s is %s: %w", batchID, batch.Status, domain.ErrInvalidTransition)
	}
	if from == domain.BatchFailed && batch.RetryCount >= p.cfg.MaxRetries {
		return nil, fmt.Errorf("batch %s exhausted %d retries: %w",
			batchID, p.cfg.MaxRetries, domain.ErrInvalidTransition)
	}

	items, err := p.batches.GetLineItems(batchID)
	if err != nil {
		return nil, fmt.Errorf("load line items: %w", err)
	}
	merchant, err := p.merchants.Get(batch.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("lookup merchant %s: %w", batch.MerchantID, err)
	}

	findings := p.validator.CheckProcessing(batch, items, merchant)
	p.recordFindings(batch, findings)
	if !findings.Valid() {
		return &ProcessOutcome{Batch: batch, Findings: findings}, domain.ErrValidationFailed
	}

	// The attempt number is part of the key so a replay of this attempt is a
	// no-op while an explicit retry claims a fresh key.
	key := fmt.Sprintf("%s:%d", batchID, batch.RetryCount)
	fingerprint := idempotency.Fingerprint([]byte(key))
	begin, err := p.idem.Begin(ctx, scopeBatchProcess, key, fingerprint, p.cfg.IdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency begin: %w", err)
	}
	switch begin.State {
	case idempotency.StateReplay:
		var cached domain.SettlementBatch
		if err := json.Unmarshal(begin.Cached.Body, &cached); err != nil {
			return nil, fmt.Errorf("decode cached batch: %w", err)
		}
		log.Printf("[processor] replayed process of batch %s (attempt %d)", batchID, batch.RetryCount)
		return &ProcessOutcome{Batch: &cached, Findings: findings, Replayed: true}, nil
	case idempotency.StateInProgress:
		return nil, domain.ErrRequestInProgress
	case idempotency.StateConflict:
		return nil, domain.ErrIdempotencyConflict
	}

	if err := p.batches.MarkProcessing(batchID, from); err != nil {
		if abandonErr := p.idem.Abandon(ctx, scopeBatchProcess, key, fingerprint); abandonErr != nil {
			log.Printf("[processor] WARNING: abandon idempotency claim: %v", abandonErr)
		}
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil, fmt.Errorf("batch %s raced into another state: %w", batchID, err)
		}
		return nil, err
	}

	updated, err := p.executeTransfer(ctx, batch)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("serialize batch: %w", err)
	}
	if err := p.idem.Complete(ctx, scopeBatchProcess, key, fingerprint,
		idempotency.CachedResult{StatusCode: 200, Body: body}, p.cfg.IdempotencyTTL); err != nil {
		log.Printf("[processor] WARNING: complete idempotency record: %v", err)
	}

	return &ProcessOutcome{Batch: updated, Findings: findings}, nil
}

// executeTransfer calls the rail with a bounded timeout and records the
// outcome. A call error or timeout is indistinguishable from a transient
// rail failure.
func (p *Processor) executeTransfer(ctx context.Context, batch *domain.SettlementBatch) (*domain.SettlementBatch, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.TransferTimeout)
	defer cancel()

	result, railErr := p.rail.Transfer(callCtx, batch)

	outcome := OutcomeTransient
	reason := ""
	if railErr != nil {
		reason = fmt.Sprintf("transfer call failed: %v", railErr)
	} else {
		outcome = OutcomeOf(result.Code)
		reason = result.Reason
		if reason == "" && outcome != OutcomeSuccess {
			reason = string(result.Code)
		}
	}

	if outcome == OutcomeSuccess {
		processedAt := p.now().UTC()
		if err := p.batches.MarkCompleted(batch.ID, result.ExternalRef, processedAt); err != nil {
			return nil, fmt.Errorf("mark completed: %w", err)
		}
		log.Printf("[processor] batch %s completed, ref=%s", batch.ID, result.ExternalRef)
		updated, err := p.batches.GetByID(batch.ID)
		if err != nil {
			return nil, err
		}
		p.publish(ctx, domain.EventSettlementProcessed, updated)
		return updated, nil
	}

	retryCount := batch.RetryCount + 1
	var nextRetry *time.Time
	if outcome == OutcomeTransient && retryCount < p.cfg.MaxRetries {
		// base x 2^attempt
		delay := p.cfg.RetryBackoffBase * (1 << uint(retryCount))
		t := p.now().UTC().Add(delay)
		nextRetry = &t
	}
	if err := p.batches.MarkFailed(batch.ID, reason, retryCount, nextRetry); err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	log.Printf("[processor] batch %s failed (attempt %d): %s", batch.ID, retryCount, reason)

	updated, err := p.batches.GetByID(batch.ID)
	if err != nil {
		return nil, err
	}
	p.publish(ctx, domain.EventSettlementFailed, updated)
	return updated, nil
}

// Cancel voids a pending or failed batch. The reason is mandatory; the
// batch's line items are released so the transactions can settle later.
func (p *Processor) Cancel(ctx context.Context, batchID, reason string) (*domain.SettlementBatch, error) {
	if reason == "" {
		return nil, fmt.Errorf("cancellation reason is required: %w", domain.ErrValidationFailed)
	}

	if err := p.batches.MarkCancelled(batchID, reason); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Distinguish a missing batch from an illegal state.
			if _, getErr := p.batches.GetByID(batchID); errors.Is(getErr, domain.ErrNotFound) {
				return nil, domain.ErrNotFound
			}
		}
		return nil, err
	}

	batch, err := p.batches.GetByID(batchID)
	if err != nil {
		return nil, err
	}
	log.Printf("[processor] batch %s cancelled: %s", batchID, reason)
	p.publish(ctx, domain.EventSettlementCancelled, batch)
	return batch, nil
}

func (p *Processor) publish(ctx context.Context, event string, batch *domain.SettlementBatch) {
	if err := p.events.Publish(ctx, event, batch); err != nil {
		log.Printf("[processor] WARNING: publish %s for %s: %v", event, batch.ID, err)
	}
}

func (p *Processor) recordFindings(batch *domain.SettlementBatch, res *validation.Result) {
	records := findingsToRecords("batch.process", batch.MerchantID, batch.ID, res, p.now().UTC())
	if len(records) == 0 {
		return
	}
	if _, err := p.audit.BulkInsert(records); err != nil {
		log.Printf("[processor] WARNING: record audit findings: %v", err)
	}
}
