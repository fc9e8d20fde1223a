package domain

import "time"

// AuthLevel tracks how far a login has been stepped up.
type AuthLevel string

const (
	LevelPassword AuthLevel = "password"
	LevelVerified AuthLevel = "verified"
)

// User is a credential record. Failures counts consecutive failed password
// checks; crossing the configured threshold locks the account until an
// operator unlocks it.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name"`
	PasswordHash string    `json:"-"`
	Failures     int       `json:"-"`
	Locked       bool      `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// PendingSession is the state between a successful password check and
// one-time-code verification. The code is single-use: once verified (or once
// the attempt cap is hit) the record is marked used and further submissions
// are rejected.
type PendingSession struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Code      string    `json:"-"`
	Attempts  int       `json:"-"`
	Used      bool      `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Session is an authenticated login. Level distinguishes password-only
// sessions from step-up-verified ones; only verified sessions may move money.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Level     AuthLevel `json:"level"`
	Revoked   bool      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
