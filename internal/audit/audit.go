// Package audit is the append-only security log. Events are never updated
// or deleted; retention is somebody else's problem.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/oakline/corebank/internal/domain"
	"github.com/oakline/corebank/internal/store"
)

type Log struct {
	store  store.AuditStore
	logger *zap.Logger
}

func NewLog(s store.AuditStore, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: s, logger: logger}
}

// Append assigns the event an id and timestamp and commits it. A storage
// failure here is fatal to the write path that triggered the event.
func (l *Log) Append(ctx context.Context, e domain.AuditEvent) (string, error) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if err := l.store.AppendEvent(ctx, &e); err != nil {
		l.logger.Error("audit append failed",
			zap.String("category", string(e.Category)),
			zap.Int64("user_id", e.UserID),
			zap.Error(err))
		return "", fmt.Errorf("audit append: %w", err)
	}
	return e.ID, nil
}

// Query returns events for a subject ordered by timestamp ascending.
func (l *Log) Query(ctx context.Context, q store.AuditQuery) ([]domain.AuditEvent, error) {
	return l.store.QueryEvents(ctx, q)
}

// Event builds an event with merged metadata; a convenience for the auth
// and transfer paths which always carry request context plus a few extras.
func Event(cat domain.AuditCategory, userID, accountID int64, meta domain.RequestMeta, extra map[string]string) domain.AuditEvent {
	md := meta.ToMap()
	for k, v := range extra {
		md[k] = v
	}
	return domain.AuditEvent{
		Category:  cat,
		UserID:    userID,
		AccountID: accountID,
		Metadata:  md,
	}
}
