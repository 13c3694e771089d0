package policy

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/sessionguard/internal/kv"
)

// GracePeriod is how long a verified re-authentication suppresses the soft
// challenge tier.
const GracePeriod = 900 * time.Second

// graceKey returns the store key holding a user's last re-auth timestamp.
func graceKey(userID string) string {
	return "user:" + userID + ":last_reauth"
}

// Grace reads and writes the per-user grace-period marker. The marker is
// written only on a verified re-authentication; expiry is logical — the
// reader compares timestamps rather than trusting store TTL alone.
type Grace struct {
	store kv.Store
	now   func() time.Time
}

// NewGrace creates a grace-marker accessor.
func NewGrace(store kv.Store) *Grace {
	return &Grace{store: store, now: time.Now}
}

// Mark records a successful re-authentication, starting the grace window.
func (g *Grace) Mark(ctx context.Context, userID string) error {
	return g.store.Set(ctx, graceKey(userID), strconv.FormatInt(g.now().Unix(), 10), GracePeriod)
}

// Active reports whether the user's grace window is currently open.
func (g *Grace) Active(ctx context.Context, userID string) (bool, error) {
	raw, err := g.store.Get(ctx, graceKey(userID))
	if err != nil || raw == "" {
		return false, err
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, nil // unreadable marker counts as absent
	}
	return g.now().Sub(time.Unix(ts, 0)) < GracePeriod, nil
}

// Decider combines the pure threshold evaluation with grace-marker state.
type Decider struct {
	grace  *Grace
	logger *slog.Logger
}

// NewDecider creates a decision policy bound to a grace-marker accessor.
func NewDecider(grace *Grace, logger *slog.Logger) *Decider {
	return &Decider{grace: grace, logger: logger}
}

// Decide returns the action for a user's current score.
func (d *Decider) Decide(ctx context.Context, userID string, score int) (Action, error) {
	graceActive, err := d.grace.Active(ctx, userID)
	if err != nil {
		return ActionSafe, err
	}
	action := Evaluate(score, graceActive)
	if graceActive && action == ActionWarning && score > ReauthThreshold {
		d.logger.Info("grace period active, downgrading re-auth challenge to warning",
			"user_id", userID, "score", score)
	}
	return action, nil
}
