// Package policy maps a risk score to a graduated response action.
//
// Thresholds are evaluated in strict descending order, first match wins.
// A grace window after a verified re-authentication downgrades the soft
// challenge tier only: critical tiers deliberately bypass it, because the
// grace period exists to avoid re-challenging a user who just proved
// identity — not to suppress responses to newly escalated critical risk.
package policy

// Action is the graduated response chosen for a risk score.
type Action string

const (
	ActionSafe          Action = "SAFE"
	ActionWarning       Action = "WARNING"
	ActionRequireReauth Action = "REQUIRE_REAUTH"
	ActionForceLogout   Action = "FORCE_LOGOUT"
	ActionLockAccount   Action = "LOCK_ACCOUNT"
)

// Score thresholds. Each tier applies to scores strictly greater than its
// threshold; a score of exactly 95 is REQUIRE_REAUTH territory, not lock.
const (
	LockThreshold    = 95
	LogoutThreshold  = 85
	ReauthThreshold  = 65
	WarningThreshold = 50
)

// Evaluate returns the action for a score. Pure: the only inputs are the
// score and whether the user's grace window is active.
func Evaluate(score int, graceActive bool) Action {
	switch {
	case score > LockThreshold:
		return ActionLockAccount
	case score > LogoutThreshold:
		// Critical severity ignores the grace window.
		return ActionForceLogout
	case score > ReauthThreshold:
		if graceActive {
			return ActionWarning
		}
		return ActionRequireReauth
	case score > WarningThreshold:
		return ActionWarning
	default:
		return ActionSafe
	}
}

// Destructive reports whether an action terminates credentials/sessions.
func Destructive(a Action) bool {
	return a == ActionForceLogout || a == ActionLockAccount
}
