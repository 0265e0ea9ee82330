package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nordpay/settlements/internal/domain"
)

// RailCode is the result code returned by the funds-transfer rail.
type RailCode string

const (
	RailOK                RailCode = "OK"
	RailTimeout           RailCode = "TIMEOUT"
	RailNetworkError      RailCode = "NETWORK_ERROR"
	RailRateLimited       RailCode = "RATE_LIMITED"
	RailInsufficientFunds RailCode = "INSUFFICIENT_FUNDS"
	RailAccountClosed     RailCode = "ACCOUNT_CLOSED"
	RailRejected          RailCode = "REJECTED"
)

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

// railOutcomes is the explicit finite mapping from rail result code to
// internal outcome. Transient failures are retried with backoff; permanent
// rejections are not.
var railOutcomes = map[RailCode]Outcome{
	RailOK:                OutcomeSuccess,
	RailTimeout:           OutcomeTransient,
	RailNetworkError:      OutcomeTransient,
	RailRateLimited:       OutcomeTransient,
	RailInsufficientFunds: OutcomeTransient,
	RailAccountClosed:     OutcomePermanent,
	RailRejected:          OutcomePermanent,
}

// OutcomeOf maps a rail code to its internal outcome. Codes the table does
// not know are treated as transient so an operator can retry once the rail
// contract is clarified.
func OutcomeOf(code RailCode) Outcome {
	if o, ok := railOutcomes[code]; ok {
		return o
	}
	return OutcomeTransient
}

// TransferResult is the rail's answer for one batch transfer.
type TransferResult struct {
	Code        RailCode
	ExternalRef string
	Reason      string
}

// TransferRail executes the actual funds movement. A returned error means
// the call itself failed (transport, timeout) and is treated as transient.
type TransferRail interface {
	Transfer(ctx context.Context, batch *domain.SettlementBatch) (TransferResult, error)
}

// StubRail acknowledges every transfer with a generated reference. Default
// wiring until a real bank integration is configured.
type StubRail struct{}

func (StubRail) Transfer(ctx context.Context, batch *domain.SettlementBatch) (TransferResult, error) {
	if err := ctx.Err(); err != nil {
		return TransferResult{}, err
	}
	return TransferResult{
		Code:        RailOK,
		ExternalRef: fmt.Sprintf("STUB-%s", uuid.NewString()),
	}, nil
}
