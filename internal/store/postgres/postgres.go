// Package postgres is the durable store. Transfer atomicity rides on a
// single database transaction: the idempotency key is reserved first, both
// account rows are locked with SELECT ... FOR UPDATE in id order, and the
// legs, balances and key result commit together or not at all.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/oakline/corebank/internal/domain"
	"github.com/oakline/corebank/internal/store"
)

const (
	pgUniqueViolation = "23505"
	pgLockNotAvail    = "55P03"
)

type Store struct {
	pool     *pgxpool.Pool
	lockWait time.Duration
}

func New(connString string, lockWait time.Duration) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if lockWait <= 0 {
		lockWait = 2 * time.Second
	}
	return &Store{pool: pool, lockWait: lockWait}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// ---- accounts ----

func (s *Store) CreateAccount(ctx context.Context, a *domain.Account) (int64, error) {
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (owner_id, type, status, balance, holds)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		a.OwnerID, a.Type, a.Status, a.Balance, a.Holds,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("account insert failed: %w", err)
	}
	return a.ID, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Type, &a.Status, &a.Balance, &a.Holds, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

const accountCols = "id, owner_id, type, status, balance, holds, created_at"

func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		"SELECT "+accountCols+" FROM accounts WHERE id = $1", id))
}

func (s *Store) AccountsByOwner(ctx context.Context, ownerID int64) ([]domain.Account, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+accountCols+" FROM accounts WHERE owner_id = $1 ORDER BY id", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Type, &a.Status, &a.Balance, &a.Holds, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetAccountStatus(ctx context.Context, id int64, status domain.AccountStatus) error {
	tag, err := s.pool.Exec(ctx, "UPDATE accounts SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// ---- transfer execution ----

func (s *Store) ExecuteTransfer(ctx context.Context, p store.TransferParams) (*store.TransferResult, error) {
	hash := store.ParamsHash(p)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// Bound lock waits so contention surfaces as a retryable error instead
	// of an indefinite block.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockWait.Milliseconds())); err != nil {
		return nil, fmt.Errorf("lock timeout setup failed: %w", err)
	}

	// Replay check.
	var storedHash, storedStatus string
	var storedResult []byte
	err = tx.QueryRow(ctx,
		"SELECT request_hash, status, result FROM idempotency_keys WHERE key = $1",
		p.IdempotencyKey,
	).Scan(&storedHash, &storedStatus, &storedResult)
	if err == nil {
		if storedStatus != "completed" {
			return nil, domain.ErrIdempotencyConflict
		}
		if storedHash != hash {
			return nil, domain.ErrIdempotencyMismatch
		}
		var result store.TransferResult
		if err := json.Unmarshal(storedResult, &result); err != nil {
			return nil, fmt.Errorf("stored result decode failed: %w", err)
		}
		result.Replayed = true
		return &result, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	// Reservation.
	if _, err := tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, 'in_progress')",
		p.IdempotencyKey, hash,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, domain.ErrIdempotencyConflict
		}
		return nil, fmt.Errorf("key reservation failed: %w", err)
	}

	// Lock both accounts in id order to prevent deadlocks.
	first, second := p.SourceID, p.DestinationID
	if first > second {
		first, second = second, first
	}
	accounts := map[int64]*domain.Account{}
	for _, id := range []int64{first, second} {
		a, err := scanAccount(tx.QueryRow(ctx,
			"SELECT "+accountCols+" FROM accounts WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvail {
				return nil, domain.ErrBusy
			}
			return nil, err
		}
		accounts[id] = a
	}

	src, dst := accounts[p.SourceID], accounts[p.DestinationID]
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
	debit := transferLeg(transferID, p, domain.DirectionDebit, now)
	credit := transferLeg(transferID, p, domain.DirectionCredit, now)

	for _, leg := range []*domain.Transaction{&debit, &credit} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO transactions
			   (id, transfer_id, account_id, counterparty_id, direction, amount, currency, category, description, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			leg.ID, leg.TransferID, leg.AccountID, leg.CounterpartyID, leg.Direction,
			leg.Amount, leg.Currency, leg.Category, leg.Description, leg.Status, leg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ledger entry failed: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance - $1 WHERE id = $2", p.Amount, p.SourceID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1 WHERE id = $2", p.Amount, p.DestinationID); err != nil {
		return nil, err
	}

	result := &store.TransferResult{TransferID: transferID, DebitLeg: debit, CreditLeg: credit}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		"UPDATE idempotency_keys SET status = 'completed', result = $1 WHERE key = $2",
		resultJSON, p.IdempotencyKey,
	); err != nil {
		return nil, fmt.Errorf("idempotency update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return result, nil
}

func transferLeg(transferID string, p store.TransferParams, d domain.Direction, at time.Time) domain.Transaction {
	leg := domain.Transaction{
		ID:          ulid.Make().String(),
		TransferID:  transferID,
		Direction:   d,
		Amount:      p.Amount,
		Currency:    domain.Currency,
		Category:    "Transfer",
		Description: p.Description,
		Status:      domain.TransactionCompleted,
		CreatedAt:   at,
	}
	if d == domain.DirectionDebit {
		leg.AccountID, leg.CounterpartyID = p.SourceID, p.DestinationID
	} else {
		leg.AccountID, leg.CounterpartyID = p.DestinationID, p.SourceID
	}
	return leg
}

func (s *Store) RecordEntry(ctx context.Context, t *domain.Transaction) (string, error) {
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Currency == "" {
		t.Currency = domain.Currency
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := scanAccount(tx.QueryRow(ctx,
		"SELECT "+accountCols+" FROM accounts WHERE id = $1 FOR UPDATE", t.AccountID)); err != nil {
		return "", err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions
		   (id, transfer_id, account_id, counterparty_id, direction, amount, currency, category, description, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.TransferID, t.AccountID, t.CounterpartyID, t.Direction,
		t.Amount, t.Currency, t.Category, t.Description, t.Status, t.CreatedAt,
	); err != nil {
		return "", fmt.Errorf("entry insert failed: %w", err)
	}
	if effect := t.Effect(); effect != 0 {
		if _, err := tx.Exec(ctx,
			"UPDATE accounts SET balance = balance + $1 WHERE id = $2", effect, t.AccountID); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("tx commit failed: %w", err)
	}
	return t.ID, nil
}

func (s *Store) SettleEntry(ctx context.Context, id string, status domain.TransactionStatus) error {
	switch status {
	case domain.TransactionCompleted, domain.TransactionFailed, domain.TransactionReversed:
	default:
		return domain.ErrEntrySettled
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTransaction(tx.QueryRow(ctx,
		"SELECT "+txCols+" FROM transactions WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return err
	}
	if t.Status != domain.TransactionPending {
		return domain.ErrEntrySettled
	}
	if _, err := scanAccount(tx.QueryRow(ctx,
		"SELECT "+accountCols+" FROM accounts WHERE id = $1 FOR UPDATE", t.AccountID)); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		"UPDATE transactions SET status = $1 WHERE id = $2", status, id); err != nil {
		return fmt.Errorf("status update failed: %w", err)
	}
	t.Status = status
	if effect := t.Effect(); effect != 0 {
		if _, err := tx.Exec(ctx,
			"UPDATE accounts SET balance = balance + $1 WHERE id = $2", effect, t.AccountID); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

const txCols = "id, transfer_id, account_id, counterparty_id, direction, amount, currency, category, description, status, created_at"

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.TransferID, &t.AccountID, &t.CounterpartyID, &t.Direction,
		&t.Amount, &t.Currency, &t.Category, &t.Description, &t.Status, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID int64) ([]domain.Transaction, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrAccountNotFound
	}

	rows, err := s.pool.Query(ctx,
		"SELECT "+txCols+" FROM transactions WHERE account_id = $1 ORDER BY created_at DESC, id ASC",
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.TransferID, &t.AccountID, &t.CounterpartyID, &t.Direction,
			&t.Amount, &t.Currency, &t.Category, &t.Description, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return scanTransaction(s.pool.QueryRow(ctx,
		"SELECT "+txCols+" FROM transactions WHERE id = $1", id))
}

// ---- users ----

func (s *Store) CreateUser(ctx context.Context, u *domain.User) (int64, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, full_name, password_hash)
		 VALUES ($1, $2, $3) RETURNING id, created_at`,
		u.Email, u.FullName, u.PasswordHash,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("user insert failed: %w", err)
	}
	return u.ID, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var u domain.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, full_name, password_hash, failures, locked, created_at
		 FROM users WHERE email = $1`, email,
	).Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.Failures, &u.Locked, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) RecordLoginFailure(ctx context.Context, userID int64, lockThreshold int) (bool, error) {
	var failures int
	var locked bool
	err := s.pool.QueryRow(ctx,
		`UPDATE users
		 SET failures = failures + 1,
		     locked = locked OR failures + 1 >= $2
		 WHERE id = $1
		 RETURNING failures, locked`,
		userID, lockThreshold,
	).Scan(&failures, &locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.ErrUserNotFound
	}
	if err != nil {
		return false, err
	}
	return locked && failures == lockThreshold, nil
}

func (s *Store) ResetLoginFailures(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, "UPDATE users SET failures = 0 WHERE id = $1", userID)
	return err
}

// ---- pending logins and sessions ----

func (s *Store) CreatePendingSession(ctx context.Context, p *domain.PendingSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_sessions (id, user_id, code, attempts, used, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.UserID, p.Code, p.Attempts, p.Used, p.IssuedAt, p.ExpiresAt)
	return err
}

func (s *Store) PendingSession(ctx context.Context, id string) (*domain.PendingSession, error) {
	var p domain.PendingSession
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, code, attempts, used, issued_at, expires_at
		 FROM pending_sessions WHERE id = $1`, id,
	).Scan(&p.ID, &p.UserID, &p.Code, &p.Attempts, &p.Used, &p.IssuedAt, &p.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCodeExpired
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) MarkPendingUsed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE pending_sessions SET used = TRUE WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCodeExpired
	}
	return nil
}

func (s *Store) BumpPendingAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		"UPDATE pending_sessions SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts", id,
	).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrCodeExpired
	}
	return attempts, err
}

func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, level, revoked, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.UserID, sess.Level, sess.Revoked, sess.CreatedAt, sess.ExpiresAt)
	return err
}

func (s *Store) Session(ctx context.Context, id string) (*domain.Session, error) {
	var sess domain.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, level, revoked, created_at, expires_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.Level, &sess.Revoked, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) RevokeSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE sessions SET revoked = TRUE WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// ---- audit ----

func (s *Store) AppendEvent(ctx context.Context, e *domain.AuditEvent) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, category, user_id, account_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Category, e.UserID, e.AccountID, meta, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit append failed: %w", err)
	}
	return nil
}

func (s *Store) QueryEvents(ctx context.Context, q store.AuditQuery) ([]domain.AuditEvent, error) {
	sqlQuery := `SELECT id, category, user_id, account_id, metadata, created_at
		FROM audit_events WHERE 1=1`
	args := make([]interface{}, 0, 5)
	argIdx := 1

	if q.UserID != 0 {
		sqlQuery += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, q.UserID)
		argIdx++
	}
	if q.AccountID != 0 {
		sqlQuery += fmt.Sprintf(" AND account_id = $%d", argIdx)
		args = append(args, q.AccountID)
		argIdx++
	}
	if q.Category != "" {
		sqlQuery += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, q.Category)
		argIdx++
	}
	if !q.From.IsZero() {
		sqlQuery += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, q.From)
		argIdx++
	}
	if !q.To.IsZero() {
		sqlQuery += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, q.To)
		argIdx++
	}
	sqlQuery += " ORDER BY created_at ASC, id ASC"

	rows, err := s.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Category, &e.UserID, &e.AccountID, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
