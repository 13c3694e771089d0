package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// JWTIssuer signs and verifies HS256 bearer tokens carrying {sub, jti, exp}.
// It is the in-process stand-in for the credential collaborator: the rest of
// the core only ever sees decoded Claims.
type JWTIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewJWTIssuer creates an issuer with default lifetimes.
func NewJWTIssuer(secret []byte) *JWTIssuer {
	return &JWTIssuer{
		secret:     secret,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
}

// WithTTLs overrides the access and refresh token lifetimes.
func (i *JWTIssuer) WithTTLs(access, refresh time.Duration) *JWTIssuer {
	if access > 0 {
		i.accessTTL = access
	}
	if refresh > 0 {
		i.refreshTTL = refresh
	}
	return i
}

// AccessTTL returns the access token lifetime.
func (i *JWTIssuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (i *JWTIssuer) RefreshTTL() time.Duration { return i.refreshTTL }

// Mint signs an access/refresh pair sharing the given jti.
func (i *JWTIssuer) Mint(userID, jti string) (access, refresh string, err error) {
	access, err = i.sign(userID, jti, i.accessTTL)
	if err != nil {
		return "", "", fmt.Errorf("sign access token: %w", err)
	}
	refresh, err = i.sign(userID, jti, i.refreshTTL)
	if err != nil {
		return "", "", fmt.Errorf("sign refresh token: %w", err)
	}
	return access, refresh, nil
}

func (i *JWTIssuer) sign(userID, jti string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify validates signature and expiry and returns the decoded claims.
// Failures map onto the package's enumerated errors; no state is consulted.
func (i *JWTIssuer) Verify(tokenString string) (*Claims, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, ErrMalformed
		}
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrMalformed
	}

	out := &Claims{UserID: claims.Subject, JTI: claims.ID}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
