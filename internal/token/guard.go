package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/sessionguard/internal/kv"
	"github.com/mbd888/sessionguard/internal/metrics"
	"github.com/mbd888/sessionguard/internal/policy"
	"github.com/mbd888/sessionguard/internal/syncutil"
)

// RiskSource supplies the user's current risk score for refresh-time gating.
type RiskSource interface {
	UserRisk(ctx context.Context, userID string) (int, error)
}

// ReplayListener is notified when a retired credential is presented for
// refresh, so replays can feed back into risk scoring.
type ReplayListener interface {
	ReplayDetected(ctx context.Context, userID, jti string)
}

// Guard rotates refresh credentials safely and detects reuse of retired
// ones. Rotation and revocation for a user are serialized through a sharded
// per-user lock: two concurrent refreshes presenting the same credential
// produce exactly one success and one replay rejection, and a refresh cannot
// interleave with RevokeAll to leave the user holding a live credential
// after a global revoke.
type Guard struct {
	store   kv.Store
	issuer  *JWTIssuer
	decider *policy.Decider
	risk    RiskSource
	locks   *syncutil.ContextShardedMutex
	logger  *slog.Logger
	now     func() time.Time

	onReplay ReplayListener // optional
}

// NewGuard creates a rotation guard.
func NewGuard(store kv.Store, issuer *JWTIssuer, decider *policy.Decider, risk RiskSource, logger *slog.Logger) *Guard {
	return &Guard{
		store:   store,
		issuer:  issuer,
		decider: decider,
		risk:    risk,
		locks:   syncutil.NewContextShardedMutex(),
		logger:  logger,
		now:     time.Now,
	}
}

// WithReplayListener registers a replay escalation hook.
func (g *Guard) WithReplayListener(l ReplayListener) *Guard {
	g.onReplay = l
	return g
}

// Issue mints a fresh credential pair for the user at login, records it
// ACTIVE, and adds its jti to the session-set index.
func (g *Guard) Issue(ctx context.Context, userID string) (*Pair, error) {
	jti := uuid.NewString()
	access, refresh, err := g.issuer.Mint(userID, jti)
	if err != nil {
		return nil, err
	}

	now := g.now()
	cred := &Credential{
		JTI:       jti,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.issuer.RefreshTTL()),
		State:     StateActive,
	}
	if err := g.writeCred(ctx, cred); err != nil {
		return nil, err
	}
	if err := g.addToIndex(ctx, userID, jti); err != nil {
		return nil, err
	}

	metrics.TokenRotationsTotal.WithLabelValues("issued").Inc()
	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		JTI:          jti,
		ExpiresIn:    int64(g.issuer.AccessTTL().Seconds()),
	}, nil
}

// Refresh validates a presented refresh credential and rotates it.
//
// Order matters: signature/expiry first (no state change on failure), then
// replay detection against the stored state, then the risk gate, and only
// then the rotation itself. Everything after verification runs under the
// user's rotation lock — the same lock RevokeAll sweeps under — so a refresh
// either completes before a global revoke (and its new jti is swept with the
// rest) or runs after it (and finds its old jti blacklisted).
func (g *Guard) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	claims, err := g.issuer.Verify(refreshToken)
	if err != nil {
		metrics.TokenRotationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	unlock, err := g.locks.LockContext(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	pair, err := g.rotateLocked(ctx, claims)
	unlock()

	// The listener may run a lockdown, which takes the same user lock;
	// notify only after releasing it.
	if errors.Is(err, ErrReplayDetected) && g.onReplay != nil {
		g.onReplay.ReplayDetected(ctx, claims.UserID, claims.JTI)
	}
	return pair, err
}

// rotateLocked performs the replay check, risk gate, and rotation. Caller
// holds the user's rotation lock.
func (g *Guard) rotateLocked(ctx context.Context, claims *Claims) (*Pair, error) {
	cred, err := g.readCred(ctx, claims.JTI)
	if err != nil {
		return nil, err
	}
	if cred != nil && cred.State.Terminal() {
		metrics.TokenRotationsTotal.WithLabelValues("replay").Inc()
		metrics.ReplayDetectedTotal.Inc()
		g.logger.Warn("refresh replay detected",
			"user_id", claims.UserID, "jti", claims.JTI, "state", cred.State)
		return nil, ErrReplayDetected
	}

	// Risk gate: refresh is only honored while the user's current decision
	// is SAFE or WARNING.
	score, err := g.risk.UserRisk(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("read user risk: %w", err)
	}
	action, err := g.decider.Decide(ctx, claims.UserID, score)
	if err != nil {
		return nil, err
	}
	if action != policy.ActionSafe && action != policy.ActionWarning {
		metrics.TokenRotationsTotal.WithLabelValues("denied").Inc()
		g.logger.Warn("refresh denied by risk policy",
			"user_id", claims.UserID, "score", score, "action", action)
		return nil, fmt.Errorf("%w: %s", ErrRefreshDenied, action)
	}

	// Retire the old credential. A record missing from the ephemeral store
	// (expired) still gets a terminal tombstone so a second presentation of
	// the same jti is caught as replay.
	old := cred
	if old == nil {
		old = &Credential{JTI: claims.JTI, UserID: claims.UserID, IssuedAt: claims.IssuedAt}
	}
	old.State = StateRotated
	old.ExpiresAt = claims.ExpiresAt
	if err := g.writeCred(ctx, old); err != nil {
		return nil, err
	}
	if err := g.store.SRem(ctx, indexKey(claims.UserID), claims.JTI); err != nil {
		return nil, err
	}

	pair, err := g.Issue(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	metrics.TokenRotationsTotal.WithLabelValues("rotated").Inc()
	g.logger.Info("credential rotated",
		"user_id", claims.UserID, "old_jti", claims.JTI, "new_jti", pair.JTI)
	return pair, nil
}

// Check verifies an access token and confirms its jti has not been retired.
// Used to authenticate revoke requests.
func (g *Guard) Check(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := g.issuer.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	cred, err := g.readCred(ctx, claims.JTI)
	if err != nil {
		return nil, err
	}
	if cred != nil && cred.State.Terminal() {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Revoke blacklists a single credential and removes it from the index.
func (g *Guard) Revoke(ctx context.Context, userID, jti string) error {
	unlock, err := g.locks.LockContext(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	cred, err := g.readCred(ctx, jti)
	if err != nil {
		return err
	}
	if cred == nil {
		cred = &Credential{JTI: jti, UserID: userID, IssuedAt: g.now()}
	}
	if !cred.State.Terminal() {
		cred.State = StateBlacklisted
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = g.now().Add(g.issuer.RefreshTTL())
	}
	if err := g.writeCred(ctx, cred); err != nil {
		return err
	}
	return g.store.SRem(ctx, indexKey(userID), jti)
}

// RevokeAll blacklists every credential in the user's session-set index and
// clears the index. Returns the jtis revoked. The whole sweep holds the
// user's rotation lock, so no concurrent refresh can mint a credential
// between the index read and the index delete.
func (g *Guard) RevokeAll(ctx context.Context, userID string) ([]string, error) {
	unlock, err := g.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	jtis, err := g.store.SMembers(ctx, indexKey(userID))
	if err != nil {
		return nil, err
	}
	for _, jti := range jtis {
		cred, err := g.readCred(ctx, jti)
		if err != nil {
			return nil, err
		}
		if cred == nil {
			cred = &Credential{JTI: jti, UserID: userID, IssuedAt: g.now()}
		}
		cred.State = StateBlacklisted
		if cred.ExpiresAt.IsZero() {
			cred.ExpiresAt = g.now().Add(g.issuer.RefreshTTL())
		}
		if err := g.writeCred(ctx, cred); err != nil {
			return nil, err
		}
	}
	if err := g.store.Delete(ctx, indexKey(userID)); err != nil {
		return nil, err
	}
	if len(jtis) > 0 {
		g.logger.Info("all credentials revoked", "user_id", userID, "count", len(jtis))
	}
	return jtis, nil
}

// writeCred persists a credential record for its remaining refresh lifetime.
func (g *Guard) writeCred(ctx context.Context, cred *Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	ttl := time.Until(cred.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute // already past expiry; keep the tombstone briefly
	}
	return g.store.Set(ctx, credKey(cred.JTI), string(raw), ttl)
}

// readCred loads a credential record; nil means the record is absent or
// expired. Absence reads as no record, never an error.
func (g *Guard) readCred(ctx context.Context, jti string) (*Credential, error) {
	raw, err := g.store.Get(ctx, credKey(jti))
	if err != nil || raw == "" {
		return nil, err
	}
	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return nil, fmt.Errorf("decode credential %s: %w", jti, err)
	}
	return &cred, nil
}

// addToIndex adds a jti to the user's session-set index and re-extends the
// index TTL to the refresh lifetime, so the index outlives the default
// mutation TTL and stays in step with its credentials.
func (g *Guard) addToIndex(ctx context.Context, userID, jti string) error {
	key := indexKey(userID)
	if err := g.store.SAdd(ctx, key, jti); err != nil {
		return err
	}
	return g.store.Expire(ctx, key, g.issuer.RefreshTTL())
}
