// Package memory holds the in-memory store used by tests, the demo mode of
// cmd/api, and anywhere a durable substrate is not wired. Transfers are
// serialised with per-account locks acquired in id order under a bounded
// wait, so transfers over disjoint account pairs proceed in parallel while
// contended ones queue or fail with ErrBusy.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oakline/corebank/internal/domain"
	"github.com/oakline/corebank/internal/store"
)

const DefaultLockWait = 2 * time.Second

type idemRecord struct {
	hash       string
	inProgress bool
	result     *store.TransferResult
}

type Store struct {
	mu sync.Mutex

	nextAccountID int64
	accounts      map[int64]*domain.Account
	locks         map[int64]chan struct{}
	lockWait      time.Duration

	txs       map[string]*domain.Transaction
	byAccount map[int64][]string
	idem      map[string]*idemRecord

	nextUserID int64
	users      map[int64]*domain.User
	byEmail    map[string]int64

	pending  map[string]*domain.PendingSession
	sessions map[string]*domain.Session

	events []domain.AuditEvent
}

func New() *Store {
	return &Store{
		accounts:  make(map[int64]*domain.Account),
		locks:     make(map[int64]chan struct{}),
		lockWait:  DefaultLockWait,
		txs:       make(map[string]*domain.Transaction),
		byAccount: make(map[int64][]string),
		idem:      make(map[string]*idemRecord),
		users:     make(map[int64]*domain.User),
		byEmail:   make(map[string]int64),
		pending:   make(map[string]*domain.PendingSession),
		sessions:  make(map[string]*domain.Session),
	}
}

// SetLockWait bounds how long ExecuteTransfer waits on a contended account
// before giving up with ErrBusy.
func (s *Store) SetLockWait(d time.Duration) {
	s.mu.Lock()
	s.lockWait = d
	s.mu.Unlock()
}

// ---- accounts ----

func (s *Store) CreateAccount(_ context.Context, a *domain.Account) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAccountID++
	a.ID = s.nextAccountID
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return a.ID, nil
}

func (s *Store) GetAccount(_ context.Context, id int64) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) AccountsByOwner(_ context.Context, ownerID int64) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Account
	for _, a := range s.accounts {
		if a.OwnerID == ownerID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetAccountStatus(_ context.Context, id int64, status domain.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.Status = status
	return nil
}

// ---- transfer execution ----

func (s *Store) lockChan(id int64) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	return ch
}

// acquire takes the per-account locks in ascending id order. On timeout it
// releases whatever it holds and reports ErrBusy.
func (s *Store) acquire(ctx context.Context, ids ...int64) (func(), error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	// Dedupe so a repeated id is locked once.
	uniq := sorted[:0]
	for i, id := range sorted {
		if i == 0 || id != sorted[i-1] {
			uniq = append(uniq, id)
		}
	}
	sorted = uniq

	s.mu.Lock()
	wait := s.lockWait
	s.mu.Unlock()

	var held []chan struct{}
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for _, id := range sorted {
		ch := s.lockChan(id)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-timer.C:
			release()
			return nil, domain.ErrBusy
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

// ExecuteTransfer applies the double-entry move as a single atomic unit.
// Order of operations mirrors the durable store: reserve the idempotency
// key, lock both accounts (id order), check status and available funds,
// append both legs, update balances, commit the key.
func (s *Store) ExecuteTransfer(ctx context.Context, p store.TransferParams) (*store.TransferResult, error) {
	hash := store.ParamsHash(p)

	s.mu.Lock()
	if rec, ok := s.idem[p.IdempotencyKey]; ok {
		defer s.mu.Unlock()
		if rec.inProgress {
			return nil, domain.ErrIdempotencyConflict
		}
		if rec.hash != hash {
			return nil, domain.ErrIdempotencyMismatch
		}
		replay := *rec.result
		replay.Replayed = true
		return &replay, nil
	}
	s.idem[p.IdempotencyKey] = &idemRecord{hash: hash, inProgress: true}
	s.mu.Unlock()

	committed := false
	defer func() {
		if !committed {
			s.mu.Lock()
			delete(s.idem, p.IdempotencyKey)
			s.mu.Unlock()
		}
	}()

	release, err := s.acquire(ctx, p.SourceID, p.DestinationID)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.accounts[p.SourceID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	dst, ok := s.accounts[p.DestinationID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	switch src.Status {
	case domain.AccountFrozen:
		return nil, domain.ErrAccountFrozen
	case domain.AccountClosed:
		return nil, domain.ErrAccountClosed
	}
	if dst.Status == domain.AccountClosed {
		return nil, domain.ErrAccountClosed
	}
	if src.Available() < p.Amount {
		return nil, domain.ErrInsufficientFunds
	}

	now := time.Now()
	transferID := ulid.Make().String()
	debit := domain.Transaction{
		ID:             ulid.Make().String(),
		TransferID:     transferID,
		AccountID:      p.SourceID,
		CounterpartyID: p.DestinationID,
		Direction:      domain.DirectionDebit,
		Amount:         p.Amount,
		Currency:       domain.Currency,
		Category:       "Transfer",
		Description:    p.Description,
		Status:         domain.TransactionCompleted,
		CreatedAt:      now,
	}
	credit := domain.Transaction{
		ID:             ulid.Make().String(),
		TransferID:     transferID,
		AccountID:      p.DestinationID,
		CounterpartyID: p.SourceID,
		Direction:      domain.DirectionCredit,
		Amount:         p.Amount,
		Currency:       domain.Currency,
		Category:       "Transfer",
		Description:    p.Description,
		Status:         domain.TransactionCompleted,
		CreatedAt:      now,
	}

	s.appendLocked(debit)
	s.appendLocked(credit)
	src.Balance -= p.Amount
	dst.Balance += p.Amount

	result := &store.TransferResult{TransferID: transferID, DebitLeg: debit, CreditLeg: credit}
	s.idem[p.IdempotencyKey] = &idemRecord{hash: hash, result: result}
	committed = true

	out := *result
	return &out, nil
}

func (s *Store) appendLocked(t domain.Transaction) {
	cp := t
	s.txs[t.ID] = &cp
	s.byAccount[t.AccountID] = append(s.byAccount[t.AccountID], t.ID)
}

func (s *Store) RecordEntry(ctx context.Context, t *domain.Transaction) (string, error) {
	release, err := s.acquire(ctx, t.AccountID)
	if err != nil {
		return "", err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[t.AccountID]
	if !ok {
		return "", domain.ErrAccountNotFound
	}
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Currency == "" {
		t.Currency = domain.Currency
	}
	s.appendLocked(*t)
	a.Balance += t.Effect()
	return t.ID, nil
}

func (s *Store) SettleEntry(ctx context.Context, id string, status domain.TransactionStatus) error {
	switch status {
	case domain.TransactionCompleted, domain.TransactionFailed, domain.TransactionReversed:
	default:
		return domain.ErrEntrySettled
	}

	s.mu.Lock()
	t, ok := s.txs[id]
	accountID := int64(0)
	if ok {
		accountID = t.AccountID
	}
	s.mu.Unlock()
	if !ok {
		return domain.ErrTransactionNotFound
	}

	release, err := s.acquire(ctx, accountID)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	t = s.txs[id]
	if t.Status != domain.TransactionPending {
		return domain.ErrEntrySettled
	}
	t.Status = status
	if a, ok := s.accounts[t.AccountID]; ok {
		a.Balance += t.Effect()
	}
	return nil
}

func (s *Store) ListTransactions(_ context.Context, accountID int64) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	ids := s.byAccount[accountID]
	out := make([]domain.Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.txs[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

// ---- users ----

func (s *Store) CreateUser(_ context.Context, u *domain.User) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[u.Email]; ok {
		return 0, fmt.Errorf("user %q already exists", u.Email)
	}
	s.nextUserID++
	u.ID = s.nextUserID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	cp := *u
	s.users[u.ID] = &cp
	s.byEmail[u.Email] = u.ID
	return u.ID, nil
}

func (s *Store) UserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Store) RecordLoginFailure(_ context.Context, userID int64, lockThreshold int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, domain.ErrUserNotFound
	}
	u.Failures++
	if !u.Locked && u.Failures >= lockThreshold {
		u.Locked = true
		return true, nil
	}
	return false, nil
}

func (s *Store) ResetLoginFailures(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrUserNotFound
	}
	u.Failures = 0
	return nil
}

// ---- pending logins and sessions ----

func (s *Store) CreatePendingSession(_ context.Context, p *domain.PendingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pending[p.ID] = &cp
	return nil
}

func (s *Store) PendingSession(_ context.Context, id string) (*domain.PendingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return nil, domain.ErrCodeExpired
	}
	cp := *p
	return &cp, nil
}

func (s *Store) MarkPendingUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return domain.ErrCodeExpired
	}
	p.Used = true
	return nil
}

func (s *Store) BumpPendingAttempts(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return 0, domain.ErrCodeExpired
	}
	p.Attempts++
	return p.Attempts, nil
}

func (s *Store) CreateSession(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) Session(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) RevokeSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.Revoked = true
	return nil
}

// ---- audit ----

func (s *Store) AppendEvent(_ context.Context, e *domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func (s *Store) QueryEvents(_ context.Context, q store.AuditQuery) ([]domain.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEvent
	for _, e := range s.events {
		if q.UserID != 0 && e.UserID != q.UserID {
			continue
		}
		if q.AccountID != 0 && e.AccountID != q.AccountID {
			continue
		}
		if q.Category != "" && e.Category != q.Category {
			continue
		}
		if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.CreatedAt.After(q.To) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
