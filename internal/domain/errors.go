package domain

import "errors"

// Expected business failures. Handlers map these to HTTP status codes;
// anything else is an internal error.
var (
	ErrNotFound                  = errors.New("not found")
	ErrNoEligibleTransactions    = errors.New("no eligible transactions in range")
	ErrMerchantIneligible        = errors.New("merchant ineligible for settlement")
	ErrBelowMinimum              = errors.New("net amount below settlement minimum")
	ErrTransactionAlreadySettled = errors.New("transaction already claimed by another batch")
	ErrInvalidTransition         = errors.New("illegal batch status transition")
	ErrValidationFailed          = errors.New("validation failed")
	ErrRequestInProgress         = errors.New("identical request already in progress")
	ErrIdempotencyConflict       = errors.New("idempotency key reused with different request")
)
