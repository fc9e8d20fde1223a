package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oakline/corebank/internal/audit"
	"github.com/oakline/corebank/internal/auth"
	"github.com/oakline/corebank/internal/domain"
	"github.com/oakline/corebank/internal/ledger"
	"github.com/oakline/corebank/internal/store"
	"github.com/oakline/corebank/internal/store/memory"
)

// sessionStub validates without the full credential flow.
type sessionStub struct {
	sessions map[string]*domain.Session
}

func (s *sessionStub) ValidateSession(_ context.Context, token string) (*domain.Session, error) {
	sess, ok := s.sessions[token]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

type world struct {
	engine *Engine
	store  *memory.Store
	ledger *ledger.Ledger
	stub   *sessionStub
	meta   domain.RequestMeta
}

func newWorld(t *testing.T) *world {
	t.Helper()
	s := memory.New()
	l := ledger.New(s, nil)
	stub := &sessionStub{sessions: map[string]*domain.Session{}}
	return &world{
		engine: NewEngine(l, stub, audit.NewLog(s, nil), nil),
		store:  s,
		ledger: l,
		stub:   stub,
		meta:   domain.RequestMeta{Device: "Chrome on macOS", IP: "198.51.100.4"},
	}
}

func (w *world) account(t *testing.T, ownerID, balance int64) int64 {
	t.Helper()
	a, err := w.ledger.CreateAccount(context.Background(), ownerID, domain.AccountChecking, balance)
	if err != nil {
		t.Fatal(err)
	}
	return a.ID
}

func (w *world) session(token string, userID int64, level domain.AuthLevel) {
	w.stub.sessions[token] = &domain.Session{
		ID: "sess-" + token, UserID: userID, Level: level,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func (w *world) rejections(t *testing.T) []domain.AuditEvent {
	t.Helper()
	events, err := w.store.QueryEvents(context.Background(), store.AuditQuery{Category: domain.AuditTransferRejected})
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func TestSubmitHappyPath(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	src := w.account(t, 1, 10_000)
	dst := w.account(t, 2, 0)
	w.session("tok", 1, domain.LevelVerified)

	res, err := w.engine.Submit(ctx, domain.TransferRequest{
		IdempotencyKey: "k1", SourceID: src, DestinationID: dst,
		Amount: 3_000, Description: "rent", SessionToken: "tok",
	}, w.meta)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Replayed {
		t.Error("fresh submit reported as replay")
	}

	executed, err := w.store.QueryEvents(ctx, store.AuditQuery{Category: domain.AuditTransferExecuted})
	if err != nil {
		t.Fatal(err)
	}
	if len(executed) != 1 {
		t.Fatalf("got %d executed events, want 1", len(executed))
	}
	if executed[0].AccountID != src || executed[0].UserID != 1 {
		t.Errorf("event subject = user %d account %d", executed[0].UserID, executed[0].AccountID)
	}
	if executed[0].Metadata["transfer_id"] != res.TransferID {
		t.Errorf("event transfer_id = %q, want %q", executed[0].Metadata["transfer_id"], res.TransferID)
	}
}

func TestSubmitDuplicateKeyMovesMoneyOnce(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	src := w.account(t, 1, 10_000)
	dst := w.account(t, 2, 0)
	w.session("tok", 1, domain.LevelVerified)

	req := domain.TransferRequest{
		IdempotencyKey: "k-dup", SourceID: src, DestinationID: dst,
		Amount: 1_000, SessionToken: "tok",
	}
	first, err := w.engine.Submit(ctx, req, w.meta)
	if err != nil {
		t.Fatal(err)
	}
	second, err := w.engine.Submit(ctx, req, w.meta)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !second.Replayed || second.TransferID != first.TransferID {
		t.Errorf("resubmit: replayed=%v id=%s, want replay of %s", second.Replayed, second.TransferID, first.TransferID)
	}

	bal, err := w.ledger.GetBalance(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Balance != 9_000 {
		t.Errorf("source balance = %d, want 9000 (moved once)", bal.Balance)
	}

	// Exactly one executed event; the replay is not re-audited.
	executed, err := w.store.QueryEvents(ctx, store.AuditQuery{Category: domain.AuditTransferExecuted})
	if err != nil {
		t.Fatal(err)
	}
	if len(executed) != 1 {
		t.Errorf("got %d executed events, want 1", len(executed))
	}
}

func TestSubmitSessionGating(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	src := w.account(t, 1, 10_000)
	dst := w.account(t, 2, 0)
	w.session("password-only", 1, domain.LevelPassword)

	tests := []struct {
		name  string
		token string
	}{
		{"no session", "unknown-token"},
		{"password-level session", "password-only"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := w.engine.Submit(ctx, domain.TransferRequest{
				IdempotencyKey: "k-" + tc.name, SourceID: src, DestinationID: dst,
				Amount: 100, SessionToken: tc.token,
			}, w.meta)
			if !errors.Is(err, domain.ErrUnauthorized) {
				t.Errorf("got %v, want ErrUnauthorized", err)
			}
		})
	}
	if got := len(w.rejections(t)); got != 2 {
		t.Errorf("got %d rejection events, want 2", got)
	}
}

func TestSubmitOwnershipCheck(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	theirs := w.account(t, 2, 10_000)
	dst := w.account(t, 3, 0)
	w.session("tok", 1, domain.LevelVerified)

	_, err := w.engine.Submit(ctx, domain.TransferRequest{
		IdempotencyKey: "k-own", SourceID: theirs, DestinationID: dst,
		Amount: 100, SessionToken: "tok",
	}, w.meta)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("foreign source account: got %v, want ErrUnauthorized", err)
	}

	rejs := w.rejections(t)
	if len(rejs) != 1 {
		t.Fatalf("got %d rejection events, want 1", len(rejs))
	}
	if rejs[0].Metadata["reason"] == "" {
		t.Error("rejection carries no reason")
	}
}

func TestSubmitValidationNotAudited(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	src := w.account(t, 1, 10_000)
	dst := w.account(t, 2, 0)
	w.session("tok", 1, domain.LevelVerified)

	tests := []struct {
		name string
		req  domain.TransferRequest
		want error
	}{
		{"zero amount", domain.TransferRequest{IdempotencyKey: "v1", SourceID: src, DestinationID: dst, Amount: 0, SessionToken: "tok"}, domain.ErrInvalidAmount},
		{"self transfer", domain.TransferRequest{IdempotencyKey: "v2", SourceID: src, DestinationID: src, Amount: 100, SessionToken: "tok"}, domain.ErrInvalidDestination},
		{"missing key", domain.TransferRequest{SourceID: src, DestinationID: dst, Amount: 100, SessionToken: "tok"}, domain.ErrMissingIdempotency},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := w.engine.Submit(ctx, tc.req, w.meta); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
	// Malformed input is refused before it becomes a security event.
	if got := len(w.rejections(t)); got != 0 {
		t.Errorf("validation failures audited: %d rejection events", got)
	}
}

func TestSubmitInsufficientFundsAudited(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	src := w.account(t, 1, 50)
	dst := w.account(t, 2, 0)
	w.session("tok", 1, domain.LevelVerified)

	_, err := w.engine.Submit(ctx, domain.TransferRequest{
		IdempotencyKey: "k-nsf", SourceID: src, DestinationID: dst,
		Amount: 100, SessionToken: "tok",
	}, w.meta)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}

	rejs := w.rejections(t)
	if len(rejs) != 1 {
		t.Fatalf("got %d rejection events, want 1", len(rejs))
	}
	if rejs[0].Metadata["reason"] != domain.ErrInsufficientFunds.Error() {
		t.Errorf("reason = %q", rejs[0].Metadata["reason"])
	}

	bal, err := w.ledger.GetBalance(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Balance != 50 {
		t.Errorf("balance moved on rejection: %d", bal.Balance)
	}
}

// brokenAuditStore refuses appends, simulating audit storage being down.
type brokenAuditStore struct {
	*memory.Store
	down bool
}

func (b *brokenAuditStore) AppendEvent(ctx context.Context, e *domain.AuditEvent) error {
	if b.down {
		return errors.New("audit storage offline")
	}
	return b.Store.AppendEvent(ctx, e)
}

func TestSubmitFailsWhenAuditUnavailable(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := ledger.New(s, nil)
	stub := &sessionStub{sessions: map[string]*domain.Session{
		"tok": {ID: "s1", UserID: 1, Level: domain.LevelVerified, ExpiresAt: time.Now().Add(time.Hour)},
	}}
	broken := &brokenAuditStore{Store: s, down: true}
	engine := NewEngine(l, stub, audit.NewLog(broken, nil), nil)

	src, err := l.CreateAccount(ctx, 1, domain.AccountChecking, 10_000)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := l.CreateAccount(ctx, 2, domain.AccountChecking, 0)
	if err != nil {
		t.Fatal(err)
	}

	req := domain.TransferRequest{
		IdempotencyKey: "k-audit-down", SourceID: src.ID, DestinationID: dst.ID,
		Amount: 1_000, SessionToken: "tok",
	}
	meta := domain.RequestMeta{Device: "cli"}

	// A transfer whose audit record cannot be written must not report
	// success.
	if _, err := engine.Submit(ctx, req, meta); err == nil {
		t.Fatal("Submit succeeded with audit storage down")
	} else if domain.KindOf(err) != domain.KindStorage {
		t.Errorf("audit failure surfaced as %v, want a storage failure", err)
	}
	events, err := s.QueryEvents(ctx, store.AuditQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("%d events written through a broken store", len(events))
	}

	// The ledger commit stands; once audit storage recovers, a retry with
	// the same key replays the original result.
	broken.down = false
	res, err := engine.Submit(ctx, req, meta)
	if err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if !res.Replayed {
		t.Error("retry did not replay the committed transfer")
	}

	// Rejection paths propagate the same way.
	broken.down = true
	nsf := domain.TransferRequest{
		IdempotencyKey: "k-audit-nsf", SourceID: src.ID, DestinationID: dst.ID,
		Amount: 999_999, SessionToken: "tok",
	}
	if _, err := engine.Submit(ctx, nsf, meta); domain.KindOf(err) != domain.KindStorage {
		t.Errorf("unauditable rejection surfaced as %v, want a storage failure", err)
	}
}

// The end-to-end flow through the real credential service, not the stub:
// password, code, transfer.
func TestSubmitWithRealCredentialFlow(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := ledger.New(s, nil)
	log := audit.NewLog(s, nil)
	svc := auth.NewService(s, s, log, auth.NewTokenSigner("itest-secret"), auth.Config{}, nil)
	engine := NewEngine(l, svc, log, nil)

	hash, err := auth.HashPassword("pass-phrase-9")
	if err != nil {
		t.Fatal(err)
	}
	uid, err := s.CreateUser(ctx, &domain.User{Email: "it@example.com", PasswordHash: hash})
	if err != nil {
		t.Fatal(err)
	}
	src, err := l.CreateAccount(ctx, uid, domain.AccountChecking, 5_000)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := l.CreateAccount(ctx, uid+1, domain.AccountChecking, 0)
	if err != nil {
		t.Fatal(err)
	}

	meta := domain.RequestMeta{Device: "cli"}
	p, err := svc.Authenticate(ctx, "it@example.com", "pass-phrase-9", meta)
	if err != nil {
		t.Fatal(err)
	}
	_, token, err := svc.VerifyOneTimeCode(ctx, p.ID, p.Code, meta)
	if err != nil {
		t.Fatal(err)
	}

	res, err := engine.Submit(ctx, domain.TransferRequest{
		IdempotencyKey: "it-k1", SourceID: src.ID, DestinationID: dst.ID,
		Amount: 1_234, SessionToken: token,
	}, meta)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.TransferID == "" {
		t.Error("no transfer id")
	}

	// After logout the same request is unauthorized.
	if err := svc.Logout(ctx, token, meta); err != nil {
		t.Fatal(err)
	}
	_, err = engine.Submit(ctx, domain.TransferRequest{
		IdempotencyKey: "it-k2", SourceID: src.ID, DestinationID: dst.ID,
		Amount: 100, SessionToken: token,
	}, meta)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("post-logout submit: got %v, want ErrUnauthorized", err)
	}
}
