// Package ledger fronts the authoritative balance store. All mutation goes
// through ExecuteTransfer; balances are otherwise read-only aggregates of
// the transaction history.
package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/oakline/corebank/internal/domain"
	"github.com/oakline/corebank/internal/store"
)

type Ledger struct {
	store  store.LedgerStore
	logger *zap.Logger
}

func New(s store.LedgerStore, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: s, logger: logger}
}

func (l *Ledger) CreateAccount(ctx context.Context, ownerID int64, typ domain.AccountType, openingBalance int64) (*domain.Account, error) {
	if openingBalance < 0 {
		return nil, domain.ErrInvalidAmount
	}
	a := &domain.Account{OwnerID: ownerID, Type: typ, Status: domain.AccountActive}
	if _, err := l.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	// Opening funds enter as a recorded credit so the balance stays a pure
	// aggregate of completed transaction effects.
	if openingBalance > 0 {
		if _, err := l.store.RecordEntry(ctx, &domain.Transaction{
			AccountID:   a.ID,
			Direction:   domain.DirectionCredit,
			Amount:      openingBalance,
			Category:    "Income",
			Description: "Opening deposit",
			Status:      domain.TransactionCompleted,
		}); err != nil {
			return nil, err
		}
		a.Balance = openingBalance
	}
	return a, nil
}

func (l *Ledger) Account(ctx context.Context, id int64) (*domain.Account, error) {
	return l.store.GetAccount(ctx, id)
}

func (l *Ledger) AccountsByOwner(ctx context.Context, ownerID int64) ([]domain.Account, error) {
	return l.store.AccountsByOwner(ctx, ownerID)
}

func (l *Ledger) SetAccountStatus(ctx context.Context, id int64, status domain.AccountStatus) error {
	return l.store.SetAccountStatus(ctx, id, status)
}

func (l *Ledger) GetBalance(ctx context.Context, accountID int64) (*domain.Balance, error) {
	a, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &domain.Balance{AccountID: a.ID, Balance: a.Balance, Available: a.Available()}, nil
}

// ExecuteTransfer validates shape and delegates the atomic move to the
// store. Validation failures never reach the store; everything past this
// point either commits both legs or nothing.
func (l *Ledger) ExecuteTransfer(ctx context.Context, sourceID, destID, amount int64, idempotencyKey, description string) (*store.TransferResult, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if destID <= 0 || destID == sourceID {
		return nil, domain.ErrInvalidDestination
	}
	if idempotencyKey == "" {
		return nil, domain.ErrMissingIdempotency
	}

	res, err := l.store.ExecuteTransfer(ctx, store.TransferParams{
		IdempotencyKey: idempotencyKey,
		SourceID:       sourceID,
		DestinationID:  destID,
		Amount:         amount,
		Description:    description,
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		l.logger.Info("transfer replayed",
			zap.String("transfer_id", res.TransferID),
			zap.String("idempotency_key", idempotencyKey))
	} else {
		l.logger.Info("transfer executed",
			zap.String("transfer_id", res.TransferID),
			zap.Int64("source", sourceID),
			zap.Int64("destination", destID),
			zap.Int64("amount", amount))
	}
	return res, nil
}

// RecordEntry appends a standalone card-style transaction.
func (l *Ledger) RecordEntry(ctx context.Context, t *domain.Transaction) (string, error) {
	if t.Amount <= 0 {
		return "", domain.ErrInvalidAmount
	}
	if t.Direction != domain.DirectionCredit && t.Direction != domain.DirectionDebit {
		return "", domain.ErrInvalidDestination
	}
	return l.store.RecordEntry(ctx, t)
}

// SettleEntry resolves a pending entry to its terminal status. Completing
// applies the entry's effect to the account balance; failing or reversing
// leaves the balance untouched.
func (l *Ledger) SettleEntry(ctx context.Context, id string, status domain.TransactionStatus) error {
	if err := l.store.SettleEntry(ctx, id, status); err != nil {
		return err
	}
	l.logger.Info("entry settled", zap.String("transaction_id", id), zap.String("status", string(status)))
	return nil
}

// Reconcile recomputes the balance from completed transaction effects and
// returns the drift against the stored aggregate. A non-zero drift means
// the reconciliation invariant is broken.
func (l *Ledger) Reconcile(ctx context.Context, accountID int64) (int64, error) {
	a, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	txs, err := l.store.ListTransactions(ctx, accountID)
	if err != nil {
		return 0, err
	}
	var derived int64
	for i := range txs {
		derived += txs[i].Effect()
	}
	drift := a.Balance - derived
	if drift != 0 {
		l.logger.Error("reconciliation drift",
			zap.Int64("account_id", accountID),
			zap.Int64("stored", a.Balance),
			zap.Int64("derived", derived))
		return drift, fmt.Errorf("account %d: stored balance %d diverges from derived %d", accountID, a.Balance, derived)
	}
	return 0, nil
}
