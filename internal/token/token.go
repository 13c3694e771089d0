// Package token manages refresh-credential lifecycle: issuance, rotation,
// revocation, and replay detection.
//
// Every credential is tracked by its jti. A jti is ACTIVE exactly once;
// rotation and revocation move it to a terminal state (ROTATED or
// BLACKLISTED) from which it is never accepted again. Presenting a
// terminal-state credential for refresh is treated as replay and fails
// closed regardless of signature validity.
package token

import (
	"errors"
	"time"
)

// State of a credential record.
type State string

const (
	StateActive      State = "ACTIVE"
	StateRotated     State = "ROTATED"
	StateBlacklisted State = "BLACKLISTED"
)

// Terminal reports whether a credential state can never be left.
func (s State) Terminal() bool {
	return s == StateRotated || s == StateBlacklisted
}

// Credential is the stored record for one issued jti.
type Credential struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	State     State     `json:"state"`
}

// Pair is an access/refresh token pair sharing a single jti.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	JTI          string `json:"jti"`
	ExpiresIn    int64  `json:"expires_in"` // access token lifetime, seconds
}

// Claims are the decoded bearer claims the core consumes. The cryptographic
// material itself never leaves the verifier.
type Claims struct {
	UserID    string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Enumerated verification/rotation failures. These are the only
// authentication-relevant errors that surface to callers; store-level
// absence is absorbed internally.
var (
	ErrMalformed        = errors.New("token malformed")
	ErrExpired          = errors.New("token expired")
	ErrInvalidSignature = errors.New("token signature invalid")
	ErrReplayDetected   = errors.New("token reuse detected")
	ErrRefreshDenied    = errors.New("refresh denied by risk policy")
	ErrRevoked          = errors.New("token revoked")
)

// Verifier validates a signed token and returns its decoded claims.
// Implementations map failures onto the enumerated errors above.
type Verifier interface {
	Verify(tokenString string) (*Claims, error)
}

// credKey returns the store key for a credential record.
func credKey(jti string) string {
	return "cred:" + jti
}

// indexKey returns the store key for a user's session-set index: the set of
// currently valid jtis, mirrored for O(1) enumeration during global revoke.
func indexKey(userID string) string {
	return "user:" + userID + ":sessions"
}
