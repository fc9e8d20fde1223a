// Package auth implements the credential store: password login, one-time
// code step-up, session issue/validate/revoke, and the lockout counter.
// Every state change lands in the audit log.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/oakline/corebank/internal/audit"
	"github.com/oakline/corebank/internal/domain"
	"github.com/oakline/corebank/internal/store"
)

type Config struct {
	CodeTTL         time.Duration // one-time code validity window
	SessionTTL      time.Duration
	MaxFailures     int // consecutive password failures before lockout
	MaxCodeAttempts int // wrong codes per pending session before invalidation
}

func (c Config) withDefaults() Config {
	if c.CodeTTL <= 0 {
		c.CodeTTL = 5 * time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.MaxCodeAttempts <= 0 {
		c.MaxCodeAttempts = 3
	}
	return c
}

type Service struct {
	users    store.UserStore
	sessions store.SessionStore
	audit    *audit.Log
	signer   *TokenSigner
	cfg      Config
	logger   *zap.Logger

	now func() time.Time
}

func NewService(users store.UserStore, sessions store.SessionStore, auditLog *audit.Log, signer *TokenSigner, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		users:    users,
		sessions: sessions,
		audit:    auditLog,
		signer:   signer,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// HashPassword is the canonical credential hash used by the seeder and any
// out-of-band provisioning.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Authenticate runs the password check. On success it creates a pending
// session holding a freshly generated one-time code; delivery of that code
// is the caller's concern. A failed check bumps the consecutive-failure
// counter and locks the account once the threshold is crossed.
func (s *Service) Authenticate(ctx context.Context, email, password string, meta domain.RequestMeta) (*domain.PendingSession, error) {
	u, err := s.users.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			// Same failure surface as a wrong password; no user enumeration.
			if aerr := s.append(ctx, audit.Event(domain.AuditLoginFailure, 0, 0, meta, map[string]string{"email": email, "reason": "unknown user"})); aerr != nil {
				return nil, aerr
			}
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}

	if u.Locked {
		if aerr := s.append(ctx, audit.Event(domain.AuditLoginFailure, u.ID, 0, meta, map[string]string{"reason": "account locked"})); aerr != nil {
			return nil, aerr
		}
		return nil, domain.ErrAccountLocked
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		lockedNow, ferr := s.users.RecordLoginFailure(ctx, u.ID, s.cfg.MaxFailures)
		if ferr != nil {
			return nil, ferr
		}
		if aerr := s.append(ctx, audit.Event(domain.AuditLoginFailure, u.ID, 0, meta, map[string]string{"reason": "bad password"})); aerr != nil {
			return nil, aerr
		}
		if lockedNow {
			aerr := s.append(ctx, audit.Event(domain.AuditAlert, u.ID, 0, meta, map[string]string{
				"alert": "account locked", "reason": fmt.Sprintf("%d consecutive failed logins", s.cfg.MaxFailures),
			}))
			if aerr != nil {
				return nil, aerr
			}
			return nil, domain.ErrAccountLocked
		}
		return nil, domain.ErrInvalidCredentials
	}

	if err := s.users.ResetLoginFailures(ctx, u.ID); err != nil {
		return nil, err
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("code generation: %w", err)
	}
	now := s.now()
	pending := &domain.PendingSession{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Code:      code,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.CodeTTL),
	}
	if err := s.sessions.CreatePendingSession(ctx, pending); err != nil {
		return nil, err
	}

	if aerr := s.append(ctx, audit.Event(domain.AuditLoginSuccess, u.ID, 0, meta, map[string]string{"level": string(domain.LevelPassword)})); aerr != nil {
		return nil, aerr
	}
	s.logger.Info("password verified, code issued",
		zap.Int64("user_id", u.ID),
		zap.String("pending_id", pending.ID))
	return pending, nil
}

// VerifyOneTimeCode elevates a pending session to a full verified session.
// Codes are single-use: a correct code consumes the pending session, and a
// later resubmission fails with ErrCodeAlreadyUsed. Too many wrong codes
// also consume it.
func (s *Service) VerifyOneTimeCode(ctx context.Context, pendingID, code string, meta domain.RequestMeta) (*domain.Session, string, error) {
	p, err := s.sessions.PendingSession(ctx, pendingID)
	if err != nil {
		return nil, "", err
	}
	if p.Used {
		if aerr := s.append(ctx, audit.Event(domain.AuditLoginFailure, p.UserID, 0, meta, map[string]string{"reason": "code already used"})); aerr != nil {
			return nil, "", aerr
		}
		return nil, "", domain.ErrCodeAlreadyUsed
	}
	if s.now().After(p.ExpiresAt) {
		if aerr := s.append(ctx, audit.Event(domain.AuditLoginFailure, p.UserID, 0, meta, map[string]string{"reason": "code expired"})); aerr != nil {
			return nil, "", aerr
		}
		return nil, "", domain.ErrCodeExpired
	}
	if p.Code != code {
		attempts, berr := s.sessions.BumpPendingAttempts(ctx, pendingID)
		if berr != nil {
			return nil, "", berr
		}
		if aerr := s.append(ctx, audit.Event(domain.AuditLoginFailure, p.UserID, 0, meta, map[string]string{"reason": "code mismatch"})); aerr != nil {
			return nil, "", aerr
		}
		if attempts >= s.cfg.MaxCodeAttempts {
			if merr := s.sessions.MarkPendingUsed(ctx, pendingID); merr != nil {
				return nil, "", merr
			}
			aerr := s.append(ctx, audit.Event(domain.AuditAlert, p.UserID, 0, meta, map[string]string{
				"alert": "one-time code invalidated", "reason": "attempt limit reached",
			}))
			if aerr != nil {
				return nil, "", aerr
			}
		}
		return nil, "", domain.ErrCodeMismatch
	}

	if err := s.sessions.MarkPendingUsed(ctx, pendingID); err != nil {
		return nil, "", err
	}

	now := s.now()
	sess := &domain.Session{
		ID:        ulid.Make().String(),
		UserID:    p.UserID,
		Level:     domain.LevelVerified,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, "", err
	}
	token, err := s.signer.Sign(sess)
	if err != nil {
		return nil, "", fmt.Errorf("token signing: %w", err)
	}

	if aerr := s.append(ctx, audit.Event(domain.AuditLoginSuccess, p.UserID, 0, meta, map[string]string{"level": string(domain.LevelVerified)})); aerr != nil {
		return nil, "", aerr
	}
	s.logger.Info("session elevated", zap.Int64("user_id", p.UserID), zap.String("session_id", sess.ID))
	return sess, token, nil
}

// ValidateSession is a pure lookup with no side effects: verify the token
// signature, then consult the store so revocation and server-side expiry
// take precedence.
func (s *Service) ValidateSession(ctx context.Context, token string) (*domain.Session, error) {
	sid, err := s.signer.Parse(token)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Session(ctx, sid)
	if err != nil {
		return nil, err
	}
	if sess.Revoked {
		return nil, domain.ErrSessionNotFound
	}
	if s.now().After(sess.ExpiresAt) {
		return nil, domain.ErrSessionExpired
	}
	return sess, nil
}

// Logout revokes the session; the terminal transition of the login state
// machine.
func (s *Service) Logout(ctx context.Context, token string, meta domain.RequestMeta) error {
	sess, err := s.ValidateSession(ctx, token)
	if err != nil {
		return err
	}
	if err := s.sessions.RevokeSession(ctx, sess.ID); err != nil {
		return err
	}
	return s.append(ctx, audit.Event(domain.AuditLogout, sess.UserID, 0, meta, nil))
}

// append commits a security event. An audit storage failure is fatal to the
// mutation that raised the event; callers propagate it instead of finishing
// without a record.
func (s *Service) append(ctx context.Context, e domain.AuditEvent) error {
	_, err := s.audit.Append(ctx, e)
	return err
}

// generateCode returns a uniformly random 6-digit decimal code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
