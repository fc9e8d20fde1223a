package auth

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oakline/corebank/internal/domain"
)

type sessionClaims struct {
	Level string `json:"lvl"`
	jwt.RegisteredClaims
}

// TokenSigner mints and verifies HS256 session tokens. The token carries
// the session id, user id, level and expiry; the session store stays
// authoritative so revocation wins over an unexpired token.
type TokenSigner struct {
	secret []byte
}

func NewTokenSigner(secret string) *TokenSigner {
	return &TokenSigner{secret: []byte(secret)}
}

func (s *TokenSigner) Sign(sess *domain.Session) (string, error) {
	claims := sessionClaims{
		Level: string(sess.Level),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   strconv.FormatInt(sess.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(sess.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse returns the session id embedded in a valid token. Expired tokens
// map to ErrSessionExpired; anything else malformed maps to
// ErrSessionNotFound so callers need not distinguish forgery from garbage.
func (s *TokenSigner) Parse(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", domain.ErrSessionExpired
		}
		return "", domain.ErrSessionNotFound
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || claims.ID == "" {
		return "", domain.ErrSessionNotFound
	}
	return claims.ID, nil
}
