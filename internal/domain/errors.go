package domain

import "errors"

// Sentinel errors matched with errors.Is throughout the core.
var (
	// Validation: rejected before touching the ledger, never audited.
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidDestination = errors.New("destination account is not valid")
	ErrMissingIdempotency = errors.New("idempotency key required")

	// Authorization: rejected and audited.
	ErrUnauthorized       = errors.New("session missing or not permitted")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked after repeated failures")
	ErrCodeExpired        = errors.New("one-time code expired")
	ErrCodeMismatch       = errors.New("one-time code does not match")
	ErrCodeAlreadyUsed    = errors.New("one-time code already used")

	// Business rule: rejected, audited, safe to show verbatim.
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrAccountFrozen       = errors.New("account frozen")
	ErrAccountClosed       = errors.New("account closed")
	ErrEntrySettled        = errors.New("transaction already settled")
	ErrUserNotFound        = errors.New("user not found")

	// Concurrency: retryable by the caller with the same idempotency key.
	ErrBusy                = errors.New("ledger busy, retry with the same idempotency key")
	ErrIdempotencyConflict = errors.New("request with this key already in progress")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different payload")
)

// Kind buckets every core error for HTTP mapping and the audit decision.
type Kind int

const (
	KindValidation Kind = iota
	KindAuthorization
	KindBusinessRule
	KindConcurrency
	KindStorage
)

var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindValidation, []error{ErrInvalidAmount, ErrInvalidDestination, ErrMissingIdempotency}},
	{KindAuthorization, []error{
		ErrUnauthorized, ErrSessionExpired, ErrSessionNotFound, ErrInvalidCredentials,
		ErrAccountLocked, ErrCodeExpired, ErrCodeMismatch, ErrCodeAlreadyUsed,
	}},
	{KindBusinessRule, []error{
		ErrAccountNotFound, ErrTransactionNotFound, ErrInsufficientFunds,
		ErrAccountFrozen, ErrAccountClosed, ErrEntrySettled, ErrUserNotFound,
	}},
	{KindConcurrency, []error{ErrBusy, ErrIdempotencyConflict, ErrIdempotencyMismatch}},
}

// KindOf classifies err; anything unrecognised is treated as a storage
// failure and surfaced opaquely.
func KindOf(err error) Kind {
	for _, k := range kinds {
		for _, e := range k.errs {
			if errors.Is(err, e) {
				return k.kind
			}
		}
	}
	return KindStorage
}

// Audited reports whether a rejection with this error must produce a
// security event. Validation never is; concurrency rejections are retryable
// plumbing, not security signals.
func Audited(err error) bool {
	switch KindOf(err) {
	case KindAuthorization, KindBusinessRule:
		return true
	}
	return false
}
