package domain

import "time"

type AccountType string

const (
	AccountChecking AccountType = "checking"
	AccountSavings  AccountType = "savings"
)

type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountFrozen AccountStatus = "frozen"
	AccountClosed AccountStatus = "closed"
)

// Account is a balance row in the ledger. Balances are integer minor units
// (cents); float arithmetic is never used on them. The balance is a derived
// aggregate of completed transaction effects, so it can always be rebuilt
// from the transaction history.
type Account struct {
	ID        int64         `json:"id"`
	OwnerID   int64         `json:"owner_id"`
	Type      AccountType   `json:"type"`
	Status    AccountStatus `json:"status"`
	Balance   int64         `json:"balance"`
	Holds     int64         `json:"holds"`
	CreatedAt time.Time     `json:"created_at"`
}

// Available is the balance usable for new transfers: balance minus holds.
func (a *Account) Available() int64 {
	return a.Balance - a.Holds
}

// Balance is the read view returned by balance lookups.
type Balance struct {
	AccountID int64 `json:"account_id"`
	Balance   int64 `json:"balance"`
	Available int64 `json:"available"`
}
