// Package store defines the persistence substrate consumed by the core
// components, with an in-memory implementation used by tests and demo mode
// and a Postgres implementation for durable deployments.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oakline/corebank/internal/domain"
)

// TransferParams is the atomic-transfer input handed to a LedgerStore.
type TransferParams struct {
	IdempotencyKey string
	SourceID       int64
	DestinationID  int64
	Amount         int64
	Description    string
}

// TransferResult is the committed outcome of a transfer: the pair of ledger
// legs plus whether this call replayed an earlier commit for the same key.
type TransferResult struct {
	TransferID string             `json:"transfer_id"`
	DebitLeg   domain.Transaction `json:"debit_leg"`
	CreditLeg  domain.Transaction `json:"credit_leg"`
	Replayed   bool               `json:"-"`
}

// ParamsHash fingerprints a transfer payload so reuse of an idempotency key
// with a different payload can be rejected instead of replayed.
func ParamsHash(p TransferParams) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%d|%s", p.SourceID, p.DestinationID, p.Amount, p.Description)))
	return hex.EncodeToString(sum[:])
}

// LedgerStore owns accounts and the append-only transaction history.
// ExecuteTransfer is the atomic primitive: it must serialise transfers
// sharing an account, honour the idempotency key, and commit both legs and
// both balance updates or nothing.
type LedgerStore interface {
	CreateAccount(ctx context.Context, a *domain.Account) (int64, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	AccountsByOwner(ctx context.Context, ownerID int64) ([]domain.Account, error)
	SetAccountStatus(ctx context.Context, id int64, status domain.AccountStatus) error

	ExecuteTransfer(ctx context.Context, p TransferParams) (*TransferResult, error)

	// RecordEntry appends a standalone (card-style) transaction leg and, if
	// completed, applies its effect to the account balance.
	RecordEntry(ctx context.Context, t *domain.Transaction) (string, error)

	// SettleEntry moves a pending transaction to completed, failed or
	// reversed, applying its balance effect when completing. The only legal
	// source state is pending.
	SettleEntry(ctx context.Context, id string, status domain.TransactionStatus) error

	// ListTransactions returns every transaction for the account ordered by
	// created-at descending, id ascending on ties.
	ListTransactions(ctx context.Context, accountID int64) ([]domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
}

// UserStore owns credential records and the consecutive-failure lockout
// counter.
type UserStore interface {
	CreateUser(ctx context.Context, u *domain.User) (int64, error)
	UserByEmail(ctx context.Context, email string) (*domain.User, error)
	// RecordLoginFailure bumps the consecutive-failure counter and reports
	// whether this failure crossed the lock threshold.
	RecordLoginFailure(ctx context.Context, userID int64, lockThreshold int) (bool, error)
	ResetLoginFailures(ctx context.Context, userID int64) error
}

// SessionStore owns pending logins and sessions. Implementations may expire
// records on their own (Redis TTLs); callers treat a missing pending login
// as an expired code.
type SessionStore interface {
	CreatePendingSession(ctx context.Context, p *domain.PendingSession) error
	PendingSession(ctx context.Context, id string) (*domain.PendingSession, error)
	// MarkPendingUsed flips the single-use flag; later lookups still return
	// the record so reuse can be distinguished from expiry.
	MarkPendingUsed(ctx context.Context, id string) error
	BumpPendingAttempts(ctx context.Context, id string) (int, error)

	CreateSession(ctx context.Context, s *domain.Session) error
	Session(ctx context.Context, id string) (*domain.Session, error)
	RevokeSession(ctx context.Context, id string) error
}

// AuditQuery filters the audit log. Zero values mean "any".
type AuditQuery struct {
	UserID    int64
	AccountID int64
	Category  domain.AuditCategory
	From      time.Time
	To        time.Time
}

// AuditStore is append-only; no update or delete exists.
type AuditStore interface {
	AppendEvent(ctx context.Context, e *domain.AuditEvent) error
	// QueryEvents returns matching events ordered by timestamp ascending,
	// id ascending on ties.
	QueryEvents(ctx context.Context, q AuditQuery) ([]domain.AuditEvent, error)
}
