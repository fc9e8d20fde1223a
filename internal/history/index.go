// Package history is the read-only transaction projection: filter, sort,
// paginate. It never mutates the ledger and, by default, surfaces only
// completed transactions.
package history

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/oakline/corebank/internal/domain"
	"github.com/oakline/corebank/internal/store"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

type SortKey string

const (
	SortByDate   SortKey = "date"
	SortByAmount SortKey = "amount"
)

// Filter narrows the account history. Zero values mean "any". Status empty
// means the default view: completed transactions only.
type Filter struct {
	From      time.Time
	To        time.Time
	Direction domain.Direction
	Category  string
	Search    string
	Status    domain.TransactionStatus
}

// Sort defaults to date descending. Equal keys tie-break by transaction id
// ascending, so paging over an unchanged ledger is deterministic.
type Sort struct {
	Key        SortKey
	Descending bool
}

// Page is 1-indexed. A page past the end yields an empty result, not an
// error.
type Page struct {
	Number int
	Size   int
}

type PagedResult struct {
	Transactions []domain.Transaction `json:"transactions"`
	Page         int                  `json:"page"`
	PageSize     int                  `json:"page_size"`
	TotalItems   int                  `json:"total_items"`
	TotalPages   int                  `json:"total_pages"`
}

type Index struct {
	store store.LedgerStore
}

func NewIndex(s store.LedgerStore) *Index {
	return &Index{store: s}
}

func (ix *Index) Query(ctx context.Context, accountID int64, f Filter, s Sort, p Page) (*PagedResult, error) {
	all, err := ix.store.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	matched := make([]domain.Transaction, 0, len(all))
	for _, t := range all {
		if matches(&t, f) {
			matched = append(matched, t)
		}
	}
	sortTransactions(matched, s)

	size := p.Size
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	number := p.Number
	if number <= 0 {
		number = 1
	}

	total := len(matched)
	totalPages := (total + size - 1) / size

	start := (number - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	return &PagedResult{
		Transactions: matched[start:end],
		Page:         number,
		PageSize:     size,
		TotalItems:   total,
		TotalPages:   totalPages,
	}, nil
}

func matches(t *domain.Transaction, f Filter) bool {
	status := f.Status
	if status == "" {
		status = domain.TransactionCompleted
	}
	if t.Status != status {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.CreatedAt.After(f.To) {
		return false
	}
	if f.Direction != "" && t.Direction != f.Direction {
		return false
	}
	if f.Category != "" && !strings.EqualFold(t.Category, f.Category) {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(t.Description), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

func sortTransactions(txs []domain.Transaction, s Sort) {
	key := s.Key
	desc := s.Descending
	if key == "" {
		key = SortByDate
		desc = true
	}
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := &txs[i], &txs[j]
		var less, equal bool
		switch key {
		case SortByAmount:
			less, equal = a.Amount < b.Amount, a.Amount == b.Amount
		default:
			less, equal = a.CreatedAt.Before(b.CreatedAt), a.CreatedAt.Equal(b.CreatedAt)
		}
		if equal {
			return a.ID < b.ID
		}
		if desc {
			return !less
		}
		return less
	})
}
