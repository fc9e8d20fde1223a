// Package cache provides the Redis-backed session store: pending logins and
// sessions live under TTLs matching their expiry, so expiry is enforced by
// the cache itself and a missing pending record reads as an expired code.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oakline/corebank/internal/domain"
)

// usedGrace keeps consumed pending records around after their code window
// so reuse is distinguishable from expiry.
const usedGrace = 10 * time.Minute

// The domain types strip secrets (code, flags) from their public JSON, so
// storage uses dedicated records.
type pendingRecord struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Code      string    `json:"code"`
	Attempts  int       `json:"attempts"`
	Used      bool      `json:"used"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionRecord struct {
	ID        string           `json:"id"`
	UserID    int64            `json:"user_id"`
	Level     domain.AuthLevel `json:"level"`
	Revoked   bool             `json:"revoked"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

type Sessions struct {
	client redis.UniversalClient
}

func NewSessions(addr, password string) *Sessions {
	return &Sessions{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})}
}

func (s *Sessions) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func key(namespace, id string) string {
	return namespace + ":" + id
}

func (s *Sessions) setJSON(ctx context.Context, k string, v interface{}, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, k, b, ttl).Err()
}

func (s *Sessions) CreatePendingSession(ctx context.Context, p *domain.PendingSession) error {
	rec := pendingRecord{
		ID: p.ID, UserID: p.UserID, Code: p.Code, Attempts: p.Attempts,
		Used: p.Used, IssuedAt: p.IssuedAt, ExpiresAt: p.ExpiresAt,
	}
	return s.setJSON(ctx, key("pending", p.ID), rec, time.Until(p.ExpiresAt)+usedGrace)
}

func (s *Sessions) pendingRecord(ctx context.Context, id string) (*pendingRecord, error) {
	val, err := s.client.Get(ctx, key("pending", id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCodeExpired
	}
	if err != nil {
		return nil, err
	}
	var rec pendingRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Sessions) PendingSession(ctx context.Context, id string) (*domain.PendingSession, error) {
	rec, err := s.pendingRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return &domain.PendingSession{
		ID: rec.ID, UserID: rec.UserID, Code: rec.Code, Attempts: rec.Attempts,
		Used: rec.Used, IssuedAt: rec.IssuedAt, ExpiresAt: rec.ExpiresAt,
	}, nil
}

func (s *Sessions) MarkPendingUsed(ctx context.Context, id string) error {
	rec, err := s.pendingRecord(ctx, id)
	if err != nil {
		return err
	}
	rec.Used = true
	return s.setJSON(ctx, key("pending", id), rec, redis.KeepTTL)
}

func (s *Sessions) BumpPendingAttempts(ctx context.Context, id string) (int, error) {
	rec, err := s.pendingRecord(ctx, id)
	if err != nil {
		return 0, err
	}
	rec.Attempts++
	if err := s.setJSON(ctx, key("pending", id), rec, redis.KeepTTL); err != nil {
		return 0, err
	}
	return rec.Attempts, nil
}

func (s *Sessions) CreateSession(ctx context.Context, sess *domain.Session) error {
	rec := sessionRecord{
		ID: sess.ID, UserID: sess.UserID, Level: sess.Level,
		Revoked: sess.Revoked, CreatedAt: sess.CreatedAt, ExpiresAt: sess.ExpiresAt,
	}
	return s.setJSON(ctx, key("session", sess.ID), rec, time.Until(sess.ExpiresAt))
}

func (s *Sessions) sessionRecord(ctx context.Context, id string) (*sessionRecord, error) {
	val, err := s.client.Get(ctx, key("session", id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec sessionRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Sessions) Session(ctx context.Context, id string) (*domain.Session, error) {
	rec, err := s.sessionRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return &domain.Session{
		ID: rec.ID, UserID: rec.UserID, Level: rec.Level,
		Revoked: rec.Revoked, CreatedAt: rec.CreatedAt, ExpiresAt: rec.ExpiresAt,
	}, nil
}

func (s *Sessions) RevokeSession(ctx context.Context, id string) error {
	rec, err := s.sessionRecord(ctx, id)
	if err != nil {
		return err
	}
	rec.Revoked = true
	return s.setJSON(ctx, key("session", id), rec, redis.KeepTTL)
}
