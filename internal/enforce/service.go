// Package enforce turns policy decisions into actions against live sessions:
// re-auth challenges, forced logouts, and full account lockdowns.
package enforce

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/sessionguard/internal/kv"
	"github.com/mbd888/sessionguard/internal/metrics"
	"github.com/mbd888/sessionguard/internal/policy"
	"github.com/mbd888/sessionguard/internal/realtime"
	"github.com/mbd888/sessionguard/internal/risk"
	"github.com/mbd888/sessionguard/internal/session"
	"github.com/mbd888/sessionguard/internal/syncutil"
	"github.com/mbd888/sessionguard/internal/token"
)

// lockdownDedupeTTL bounds how long a lockdown marker suppresses repeat
// lockdowns for the same user. Long enough to absorb the burst of replays
// and policy hits a single incident produces.
const lockdownDedupeTTL = 10 * time.Second

// Broadcaster is the slice of the realtime hub enforcement needs.
type Broadcaster interface {
	BroadcastToUser(userID string, event *realtime.Event)
	PushEach(userID string, event *realtime.Event)
	SendTo(c *realtime.Client, event *realtime.Event)
	Observe(event *realtime.Event)
}

// PasswordVerifier checks a re-auth credential. Implemented by the config
// user table in this deployment; an IdP client in others.
type PasswordVerifier interface {
	VerifyPassword(userID, password string) bool
}

// Service coordinates evaluation and enforcement. It implements both
// realtime.SessionHandler (client-originated messages) and
// token.ReplayListener (replay escalation from the rotation guard).
type Service struct {
	registry *session.Registry
	scorer   *risk.Scorer
	decider  *policy.Decider
	grace    *policy.Grace
	guard    *token.Guard
	hub      Broadcaster
	verifier PasswordVerifier
	store    kv.Store
	locks    syncutil.ShardedMutex
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates the enforcement service.
func NewService(
	registry *session.Registry,
	scorer *risk.Scorer,
	decider *policy.Decider,
	grace *policy.Grace,
	guard *token.Guard,
	hub Broadcaster,
	verifier PasswordVerifier,
	store kv.Store,
	logger *slog.Logger,
) *Service {
	return &Service{
		registry: registry,
		scorer:   scorer,
		decider:  decider,
		grace:    grace,
		guard:    guard,
		hub:      hub,
		verifier: verifier,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// Evaluation is the outcome of one risk evaluation pass.
type Evaluation struct {
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
	Action  policy.Action
}

// EvaluateSession scores a session event, decides an action, and applies it.
// The client handle, when present, receives its re-auth challenge directly;
// otherwise challenges go out over the user's room.
func (s *Service) EvaluateSession(ctx context.Context, c *realtime.Client, userID, sessionID string, meta session.DeviceMeta) (*Evaluation, error) {
	score, reasons, err := s.scorer.Calculate(ctx, userID, sessionID, meta)
	if err != nil {
		return nil, err
	}
	action, err := s.decider.Decide(ctx, userID, score)
	if err != nil {
		return nil, err
	}
	metrics.RiskEvaluationsTotal.WithLabelValues(string(action)).Inc()

	ev := &Evaluation{Score: score, Reasons: reasons, Action: action}
	if err := s.apply(ctx, c, userID, sessionID, meta.AppName, ev); err != nil {
		return ev, err
	}
	return ev, nil
}

func (s *Service) apply(ctx context.Context, c *realtime.Client, userID, sessionID, appName string, ev *Evaluation) error {
	// Observers see every evaluation, whatever the outcome.
	defer s.hub.Observe(realtime.NewEvent(realtime.EventRiskUpdate, realtime.RiskUpdatePayload{
		UserID:  userID,
		AppName: appName,
		Score:   ev.Score,
		Reasons: ev.Reasons,
		Status:  string(ev.Action),
	}))

	switch {
	case policy.Destructive(ev.Action):
		return s.Lockdown(ctx, userID, strings.Join(ev.Reasons, "; "), "policy")

	case ev.Action == policy.ActionRequireReauth:
		if err := s.registry.SetStatus(ctx, userID, sessionID, session.StatusChallenged); err != nil {
			return err
		}
		challenge := realtime.NewEvent(realtime.EventRequireReauth, realtime.RequireReauthPayload{
			UserID: userID,
			Reason: strings.Join(ev.Reasons, "; "),
		})
		if c != nil {
			s.hub.SendTo(c, challenge)
		} else {
			s.hub.BroadcastToUser(userID, challenge)
		}
		s.logger.Info("re-auth challenge issued",
			"user_id", userID, "session_id", sessionID, "score", ev.Score)
	}
	return nil
}

// Lockdown terminates the user everywhere: revokes every credential, kills
// every session record, and evicts every live connection. A short-lived
// marker key makes concurrent triggers collapse into a single execution.
func (s *Service) Lockdown(ctx context.Context, userID, reason, initiator string) error {
	unlock := s.locks.Lock("lockdown:" + userID)
	defer unlock()

	marker := "enforcement:" + userID
	done, err := s.store.Exists(ctx, marker)
	if err != nil {
		return err
	}
	if done {
		s.logger.Debug("lockdown already in flight", "user_id", userID)
		return nil
	}
	if err := s.store.Set(ctx, marker, "1", lockdownDedupeTTL); err != nil {
		return err
	}

	revoked, err := s.guard.RevokeAll(ctx, userID)
	if err != nil {
		return err
	}

	sessions, err := s.registry.ActiveSessions(ctx, userID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := s.registry.SetStatus(ctx, userID, sess.SessionID, session.StatusKilled); err != nil {
			return err
		}
		if err := s.registry.Remove(ctx, userID, sess.SessionID); err != nil {
			return err
		}
	}

	event := realtime.NewEvent(realtime.EventLogoutAll, realtime.LogoutAllPayload{
		UserID:    userID,
		Reason:    reason,
		Initiator: initiator,
	})
	// Room fan-out plus a direct push to every handle; a session that missed
	// the room delivery still gets evicted.
	s.hub.BroadcastToUser(userID, event)
	s.hub.PushEach(userID, event)
	s.hub.Observe(event)

	metrics.EnforcementActionsTotal.WithLabelValues(string(realtime.EventLogoutAll)).Inc()
	s.logger.Warn("account lockdown executed",
		"user_id", userID,
		"reason", reason,
		"initiator", initiator,
		"credentials_revoked", len(revoked),
		"sessions_killed", len(sessions),
	)
	return nil
}

// ReplayDetected escalates a refresh-credential replay into a lockdown.
// Implements token.ReplayListener.
func (s *Service) ReplayDetected(ctx context.Context, userID, jti string) {
	if err := s.Lockdown(ctx, userID, "refresh credential replay: "+jti, "token-guard"); err != nil {
		s.logger.Error("replay lockdown failed", "user_id", userID, "error", err)
	}
}

// HandleJoin registers the connection's session and runs an evaluation pass.
func (s *Service) HandleJoin(ctx context.Context, c *realtime.Client, meta session.DeviceMeta) error {
	if err := s.registry.Register(ctx, c.UserID(), c.SessionID(), meta); err != nil {
		return err
	}
	_, err := s.EvaluateSession(ctx, c, c.UserID(), c.SessionID(), meta)
	return err
}

// HandleHeartbeat refreshes the session's liveness. An expired session gets
// a re-auth challenge back; it must re-join.
func (s *Service) HandleHeartbeat(ctx context.Context, c *realtime.Client) error {
	alive, err := s.registry.Heartbeat(ctx, c.UserID(), c.SessionID())
	if err != nil {
		return err
	}
	if !alive {
		s.hub.SendTo(c, realtime.NewEvent(realtime.EventRequireReauth, realtime.RequireReauthPayload{
			UserID: c.UserID(),
			Reason: "session expired",
		}))
	}
	return nil
}

// HandleVerifyPassword resolves a re-auth challenge. Success opens the
// user's grace window and restores the session to ACTIVE.
func (s *Service) HandleVerifyPassword(ctx context.Context, c *realtime.Client, password string) {
	if s.verifier == nil || !s.verifier.VerifyPassword(c.UserID(), password) {
		s.hub.SendTo(c, realtime.NewEvent(realtime.EventReauthFailed, realtime.MessagePayload{
			Message: "password verification failed",
		}))
		s.logger.Warn("re-auth failed", "user_id", c.UserID(), "session_id", c.SessionID())
		return
	}

	if err := s.grace.Mark(ctx, c.UserID()); err != nil {
		s.logger.Error("grace mark failed", "user_id", c.UserID(), "error", err)
	}
	if err := s.registry.SetStatus(ctx, c.UserID(), c.SessionID(), session.StatusActive); err != nil {
		s.logger.Error("status restore failed", "user_id", c.UserID(), "error", err)
	}
	s.hub.SendTo(c, realtime.NewEvent(realtime.EventReauthSuccess, realtime.MessagePayload{
		Message: "identity verified",
	}))
	s.logger.Info("re-auth succeeded", "user_id", c.UserID(), "session_id", c.SessionID())
}

// HandleLogoutAll is the user-initiated panic button.
func (s *Service) HandleLogoutAll(ctx context.Context, c *realtime.Client) error {
	return s.Lockdown(ctx, c.UserID(), "user requested global logout", c.UserID())
}

// HandleDisconnect is informational only; the session record dies by TTL
// unless a heartbeat from another transport keeps it alive.
func (s *Service) HandleDisconnect(ctx context.Context, c *realtime.Client) {
	s.logger.Debug("client left", "user_id", c.UserID(), "session_id", c.SessionID())
}
