package domain

import "time"

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
	TransactionReversed  TransactionStatus = "reversed"
)

// Transaction is one immutable leg of a ledger movement. Transfer legs come
// in pairs sharing a TransferID; card-style entries stand alone and carry a
// Category instead of a counterparty.
type Transaction struct {
	ID             string            `json:"id"`
	TransferID     string            `json:"transfer_id,omitempty"`
	AccountID      int64             `json:"account_id"`
	CounterpartyID int64             `json:"counterparty_id,omitempty"`
	Direction      Direction         `json:"direction"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Category       string            `json:"category,omitempty"`
	Description    string            `json:"description,omitempty"`
	Status         TransactionStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Effect is the signed contribution of this leg to the account balance:
// zero unless completed.
func (t *Transaction) Effect() int64 {
	if t.Status != TransactionCompleted {
		return 0
	}
	if t.Direction == DirectionDebit {
		return -t.Amount
	}
	return t.Amount
}

// TransferRequest is the caller-supplied input to the transfer engine. The
// idempotency key scopes one logical transfer attempt; resubmitting the same
// key always yields the original outcome.
type TransferRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	SourceID       int64  `json:"source_account_id"`
	DestinationID  int64  `json:"destination_account_id"`
	Amount         int64  `json:"amount"`
	Description    string `json:"description,omitempty"`
	SessionToken   string `json:"-"`
}

// Currency is fixed for every ledger entry; multi-currency is out of scope.
const Currency = "USD"
