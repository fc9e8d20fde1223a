package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oakline/corebank/internal/domain"
	"github.com/oakline/corebank/internal/store"
)

func newAccount(t *testing.T, s *Store, ownerID, balance int64) int64 {
	t.Helper()
	ctx := context.Background()
	a := &domain.Account{OwnerID: ownerID, Type: domain.AccountChecking}
	id, err := s.CreateAccount(ctx, a)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if balance > 0 {
		_, err := s.RecordEntry(ctx, &domain.Transaction{
			AccountID:   id,
			Direction:   domain.DirectionCredit,
			Amount:      balance,
			Status:      domain.TransactionCompleted,
			Description: "Opening deposit",
		})
		if err != nil {
			t.Fatalf("RecordEntry: %v", err)
		}
	}
	return id
}

func balanceOf(t *testing.T, s *Store, id int64) int64 {
	t.Helper()
	a, err := s.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount(%d): %v", id, err)
	}
	return a.Balance
}

func TestExecuteTransferMovesBothBalances(t *testing.T) {
	s := New()
	ctx := context.Background()
	src := newAccount(t, s, 1, 10_000)
	dst := newAccount(t, s, 2, 0)

	res, err := s.ExecuteTransfer(ctx, store.TransferParams{
		IdempotencyKey: "k-move",
		SourceID:       src,
		DestinationID:  dst,
		Amount:         2_500,
	})
	if err != nil {
		t.Fatalf("ExecuteTransfer: %v", err)
	}
	if res.Replayed {
		t.Error("fresh transfer reported as replayed")
	}
	if res.TransferID == "" {
		t.Error("missing transfer id")
	}
	if res.DebitLeg.TransferID != res.TransferID || res.CreditLeg.TransferID != res.TransferID {
		t.Error("legs do not share the transfer id")
	}
	if res.DebitLeg.Direction != domain.DirectionDebit || res.CreditLeg.Direction != domain.DirectionCredit {
		t.Errorf("leg directions wrong: %s / %s", res.DebitLeg.Direction, res.CreditLeg.Direction)
	}
	if got := balanceOf(t, s, src); got != 7_500 {
		t.Errorf("source balance = %d, want 7500", got)
	}
	if got := balanceOf(t, s, dst); got != 2_500 {
		t.Errorf("destination balance = %d, want 2500", got)
	}
}

func TestExecuteTransferRejections(t *testing.T) {
	s := New()
	ctx := context.Background()
	src := newAccount(t, s, 1, 1_000)
	dst := newAccount(t, s, 2, 0)
	frozen := newAccount(t, s, 3, 1_000)
	closed := newAccount(t, s, 4, 1_000)
	if err := s.SetAccountStatus(ctx, frozen, domain.AccountFrozen); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAccountStatus(ctx, closed, domain.AccountClosed); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		p    store.TransferParams
		want error
	}{
		{"insufficient funds", store.TransferParams{IdempotencyKey: "k1", SourceID: src, DestinationID: dst, Amount: 5_000}, domain.ErrInsufficientFunds},
		{"unknown source", store.TransferParams{IdempotencyKey: "k2", SourceID: 999, DestinationID: dst, Amount: 100}, domain.ErrAccountNotFound},
		{"unknown destination", store.TransferParams{IdempotencyKey: "k3", SourceID: src, DestinationID: 999, Amount: 100}, domain.ErrAccountNotFound},
		{"frozen source", store.TransferParams{IdempotencyKey: "k4", SourceID: frozen, DestinationID: dst, Amount: 100}, domain.ErrAccountFrozen},
		{"closed source", store.TransferParams{IdempotencyKey: "k5", SourceID: closed, DestinationID: dst, Amount: 100}, domain.ErrAccountClosed},
		{"closed destination", store.TransferParams{IdempotencyKey: "k6", SourceID: src, DestinationID: closed, Amount: 100}, domain.ErrAccountClosed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.ExecuteTransfer(ctx, tc.p); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}

	// No rejection may leave a partial write behind.
	if got := balanceOf(t, s, src); got != 1_000 {
		t.Errorf("source balance changed on rejection: %d", got)
	}
	if got := balanceOf(t, s, dst); got != 0 {
		t.Errorf("destination balance changed on rejection: %d", got)
	}
	txs, err := s.ListTransactions(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 { // opening deposit only
		t.Errorf("rejected transfers left %d transactions", len(txs))
	}
}

func TestExecuteTransferFailureReleasesKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	src := newAccount(t, s, 1, 100)
	dst := newAccount(t, s, 2, 0)

	p := store.TransferParams{IdempotencyKey: "k-retry", SourceID: src, DestinationID: dst, Amount: 500}
	if _, err := s.ExecuteTransfer(ctx, p); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}

	// Fund the account and retry with the same key; the failed attempt must
	// not have burned the key.
	if _, err := s.RecordEntry(ctx, &domain.Transaction{
		AccountID: src, Direction: domain.DirectionCredit, Amount: 1_000, Status: domain.TransactionCompleted,
	}); err != nil {
		t.Fatal(err)
	}
	res, err := s.ExecuteTransfer(ctx, p)
	if err != nil {
		t.Fatalf("retry after funding: %v", err)
	}
	if res.Replayed {
		t.Error("retry after a failed attempt reported as replay")
	}
}

func TestIdempotencyReplay(t *testing.T) {
	s := New()
	ctx := context.Background()
	src := newAccount(t, s, 1, 10_000)
	dst := newAccount(t, s, 2, 0)

	p := store.TransferParams{IdempotencyKey: "k-dup", SourceID: src, DestinationID: dst, Amount: 1_000}
	first, err := s.ExecuteTransfer(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.ExecuteTransfer(ctx, p)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed {
		t.Error("second submission not marked as replay")
	}
	if second.TransferID != first.TransferID {
		t.Errorf("replay returned a different transfer: %s vs %s", second.TransferID, first.TransferID)
	}
	if got := balanceOf(t, s, src); got != 9_000 {
		t.Errorf("balance moved twice: %d", got)
	}

	// Same key, different payload.
	p.Amount = 2_000
	if _, err := s.ExecuteTransfer(ctx, p); !errors.Is(err, domain.ErrIdempotencyMismatch) {
		t.Errorf("reused key with new payload: got %v, want ErrIdempotencyMismatch", err)
	}
}

func TestConcurrentSameKeySingleCommit(t *testing.T) {
	s := New()
	ctx := context.Background()
	src := newAccount(t, s, 1, 10_000)
	dst := newAccount(t, s, 2, 0)

	p := store.TransferParams{IdempotencyKey: "k-race", SourceID: src, DestinationID: dst, Amount: 1_000}

	const n = 16
	var wg sync.WaitGroup
	results := make([]*store.TransferResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.ExecuteTransfer(ctx, p)
		}(i)
	}
	wg.Wait()

	var committed, replayed, conflicts int
	var transferID string
	for i := 0; i < n; i++ {
		switch {
		case errs[i] == nil && !results[i].Replayed:
			committed++
			transferID = results[i].TransferID
		case errs[i] == nil && results[i].Replayed:
			replayed++
		case errors.Is(errs[i], domain.ErrIdempotencyConflict):
			conflicts++
		default:
			t.Errorf("unexpected outcome: %v", errs[i])
		}
	}
	if committed != 1 {
		t.Fatalf("committed %d times, want exactly 1", committed)
	}
	for i := 0; i < n; i++ {
		if errs[i] == nil && results[i].TransferID != transferID {
			t.Errorf("replay returned foreign transfer id %s", results[i].TransferID)
		}
	}
	if got := balanceOf(t, s, src); got != 9_000 {
		t.Errorf("source balance = %d after %d commits, %d replays, %d conflicts", got, committed, replayed, conflicts)
	}
}

func TestConcurrentTransfersConserveTotal(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := newAccount(t, s, 1, 50_000)
	b := newAccount(t, s, 2, 50_000)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src, dst := a, b
			if i%2 == 1 {
				src, dst = b, a
			}
			p := store.TransferParams{
				IdempotencyKey: fmt.Sprintf("k-conserve-%d", i),
				SourceID:       src,
				DestinationID:  dst,
				Amount:         100,
			}
			if _, err := s.ExecuteTransfer(ctx, p); err != nil && !errors.Is(err, domain.ErrInsufficientFunds) {
				t.Errorf("transfer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if total := balanceOf(t, s, a) + balanceOf(t, s, b); total != 100_000 {
		t.Errorf("money not conserved: total = %d, want 100000", total)
	}
}

func TestLockTimeoutReturnsBusy(t *testing.T) {
	s := New()
	s.SetLockWait(20 * time.Millisecond)
	ctx := context.Background()
	src := newAccount(t, s, 1, 10_000)
	dst := newAccount(t, s, 2, 0)

	// Hold the source account's lock directly so a transfer cannot get it.
	ch := s.lockChan(src)
	ch <- struct{}{}
	defer func() { <-ch }()

	_, err := s.ExecuteTransfer(ctx, store.TransferParams{
		IdempotencyKey: "k-busy", SourceID: src, DestinationID: dst, Amount: 100,
	})
	if !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("got %v, want ErrBusy", err)
	}

	// The aborted attempt must free the key for a retry.
	<-ch
	res, err := s.ExecuteTransfer(ctx, store.TransferParams{
		IdempotencyKey: "k-busy", SourceID: src, DestinationID: dst, Amount: 100,
	})
	ch <- struct{}{}
	if err != nil {
		t.Fatalf("retry after busy: %v", err)
	}
	if res.Replayed {
		t.Error("retry after busy reported as replay")
	}
}

func TestListTransactionsOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := newAccount(t, s, 1, 0)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, d := range []time.Duration{2 * time.Hour, 0, time.Hour} {
		_, err := s.RecordEntry(ctx, &domain.Transaction{
			AccountID:   id,
			Direction:   domain.DirectionCredit,
			Amount:      int64(100 * (i + 1)),
			Status:      domain.TransactionCompleted,
			CreatedAt:   base.Add(d),
			Description: "entry",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	txs, err := s.ListTransactions(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 3 {
		t.Fatalf("got %d transactions, want 3", len(txs))
	}
	for i := 1; i < len(txs); i++ {
		if txs[i].CreatedAt.After(txs[i-1].CreatedAt) {
			t.Errorf("transactions not in newest-first order at %d", i)
		}
	}

	if _, err := s.ListTransactions(ctx, 999); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("unknown account: got %v, want ErrAccountNotFound", err)
	}
}

func TestLoginFailureLockout(t *testing.T) {
	s := New()
	ctx := context.Background()
	uid, err := s.CreateUser(ctx, &domain.User{Email: "u@example.com", PasswordHash: "x"})
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		locked, err := s.RecordLoginFailure(ctx, uid, 3)
		if err != nil {
			t.Fatal(err)
		}
		if want := i == 3; locked != want {
			t.Errorf("failure %d: locked = %v, want %v", i, locked, want)
		}
	}

	// Reset clears the counter but not the lock.
	if err := s.ResetLoginFailures(ctx, uid); err != nil {
		t.Fatal(err)
	}
	u, err := s.UserByEmail(ctx, "u@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !u.Locked {
		t.Error("lock cleared by failure reset")
	}
}

func TestPendingSessionLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	p := &domain.PendingSession{ID: "p1", UserID: 1, Code: "123456", ExpiresAt: time.Now().Add(time.Minute)}
	if err := s.CreatePendingSession(ctx, p); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		n, err := s.BumpPendingAttempts(ctx, "p1")
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Errorf("attempts = %d, want %d", n, i)
		}
	}
	if err := s.MarkPendingUsed(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.PendingSession(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Used || got.Attempts != 2 {
		t.Errorf("pending state = used %v attempts %d", got.Used, got.Attempts)
	}

	if _, err := s.PendingSession(ctx, "missing"); !errors.Is(err, domain.ErrCodeExpired) {
		t.Errorf("missing pending session: got %v, want ErrCodeExpired", err)
	}
}

func TestSessionRevocation(t *testing.T) {
	s := New()
	ctx := context.Background()

	sess := &domain.Session{ID: "s1", UserID: 1, Level: domain.LevelVerified, ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := s.RevokeSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Session(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Revoked {
		t.Error("revocation not persisted")
	}
	if _, err := s.Session(ctx, "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("missing session: got %v, want ErrSessionNotFound", err)
	}
}

func TestAuditQueryFilters(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	events := []domain.AuditEvent{
		{ID: "01", Category: domain.AuditLoginSuccess, UserID: 1, CreatedAt: base},
		{ID: "02", Category: domain.AuditLoginFailure, UserID: 1, CreatedAt: base.Add(time.Hour)},
		{ID: "03", Category: domain.AuditTransferExecuted, UserID: 2, AccountID: 7, CreatedAt: base.Add(2 * time.Hour)},
	}
	for i := range events {
		if err := s.AppendEvent(ctx, &events[i]); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		q    store.AuditQuery
		want []string
	}{
		{"by user", store.AuditQuery{UserID: 1}, []string{"01", "02"}},
		{"by category", store.AuditQuery{Category: domain.AuditTransferExecuted}, []string{"03"}},
		{"by account", store.AuditQuery{AccountID: 7}, []string{"03"}},
		{"by window", store.AuditQuery{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)}, []string{"02"}},
		{"all", store.AuditQuery{}, []string{"01", "02", "03"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.QueryEvents(ctx, tc.q)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tc.want))
			}
			for i := range got {
				if got[i].ID != tc.want[i] {
					t.Errorf("event %d = %s, want %s", i, got[i].ID, tc.want[i])
				}
			}
		})
	}
}
