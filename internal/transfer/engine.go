// Package transfer orchestrates a funds movement end to end: session
// validation, request validation, ledger execution, audit. Retrying the
// same request with the same idempotency key always yields the original
// outcome; that is the property everything here protects.
package transfer

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/oakline/corebank/internal/audit"
	"github.com/oakline/corebank/internal/domain"
	"github.com/oakline/corebank/internal/ledger"
	"github.com/oakline/corebank/internal/store"
)

// SessionValidator is the slice of the credential store the engine needs.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*domain.Session, error)
}

type Engine struct {
	ledger *ledger.Ledger
	auth   SessionValidator
	audit  *audit.Log
	logger *zap.Logger
}

func NewEngine(l *ledger.Ledger, auth SessionValidator, auditLog *audit.Log, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{ledger: l, auth: auth, audit: auditLog, logger: logger}
}

// Submit processes one transfer request. Validation failures are rejected
// before the ledger sees anything and are not security events; ledger and
// authorization rejections are audited with their reason. A replay of an
// already-committed key returns the original result without a second audit
// record. A failed audit append is fatal: the call reports the storage
// failure, and the caller retries with the same idempotency key.
func (e *Engine) Submit(ctx context.Context, req domain.TransferRequest, meta domain.RequestMeta) (*store.TransferResult, error) {
	sess, err := e.auth.ValidateSession(ctx, req.SessionToken)
	if err != nil {
		if aerr := e.reject(ctx, 0, req, meta, "no valid session"); aerr != nil {
			return nil, aerr
		}
		return nil, domain.ErrUnauthorized
	}
	if sess.Level != domain.LevelVerified {
		if aerr := e.reject(ctx, sess.UserID, req, meta, "step-up verification required"); aerr != nil {
			return nil, aerr
		}
		return nil, domain.ErrUnauthorized
	}

	// Shape checks mirror the ledger's own but fail first, keeping bad
	// input out of the audit trail entirely.
	switch {
	case req.Amount <= 0:
		return nil, domain.ErrInvalidAmount
	case req.DestinationID <= 0 || req.DestinationID == req.SourceID:
		return nil, domain.ErrInvalidDestination
	case req.IdempotencyKey == "":
		return nil, domain.ErrMissingIdempotency
	}

	src, err := e.ledger.Account(ctx, req.SourceID)
	if err != nil {
		if domain.Audited(err) {
			if aerr := e.reject(ctx, sess.UserID, req, meta, err.Error()); aerr != nil {
				return nil, aerr
			}
		}
		return nil, err
	}
	if src.OwnerID != sess.UserID {
		if aerr := e.reject(ctx, sess.UserID, req, meta, "source account not owned by session user"); aerr != nil {
			return nil, aerr
		}
		return nil, domain.ErrUnauthorized
	}

	res, err := e.ledger.ExecuteTransfer(ctx, req.SourceID, req.DestinationID, req.Amount, req.IdempotencyKey, req.Description)
	if err != nil {
		if domain.Audited(err) {
			if aerr := e.reject(ctx, sess.UserID, req, meta, err.Error()); aerr != nil {
				return nil, aerr
			}
		} else {
			e.logger.Warn("transfer not committed",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(err))
		}
		return nil, err
	}

	if !res.Replayed {
		err := e.append(ctx, audit.Event(domain.AuditTransferExecuted, sess.UserID, req.SourceID, meta, map[string]string{
			"transfer_id": res.TransferID,
			"destination": strconv.FormatInt(req.DestinationID, 10),
			"amount":      strconv.FormatInt(req.Amount, 10),
		}))
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (e *Engine) reject(ctx context.Context, userID int64, req domain.TransferRequest, meta domain.RequestMeta, reason string) error {
	return e.append(ctx, audit.Event(domain.AuditTransferRejected, userID, req.SourceID, meta, map[string]string{
		"reason":      reason,
		"destination": strconv.FormatInt(req.DestinationID, 10),
		"amount":      strconv.FormatInt(req.Amount, 10),
	}))
}

func (e *Engine) append(ctx context.Context, ev domain.AuditEvent) error {
	_, err := e.audit.Append(ctx, ev)
	return err
}
