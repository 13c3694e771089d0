// Package risk derives a numeric trust score for a session from behavioral
// signals.
//
// Every evaluation recomputes the score from scratch as a sum of four
// independent signals: location mismatch, session concurrency, time of day,
// and rapid app switching. Only the app-switch timestamp persists between
// evaluations; everything else is a point-in-time read of registry state.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/sessionguard/internal/kv"
	"github.com/mbd888/sessionguard/internal/metrics"
	"github.com/mbd888/sessionguard/internal/session"
)

// Signal weights. Contributions are additive, so evaluation order does not
// affect the total; reasons are reported in declaration order.
const (
	weightCountryMismatch = 50
	weightHighConcurrency = 30
	weightAbnormalHour    = 15
	weightRapidSwitch     = 20
)

const (
	// maxConcurrentSessions is how many simultaneous sessions a user may
	// hold before concurrency is treated as a signal.
	maxConcurrentSessions = 3

	// rapidSwitchWindow is the interval under which consecutive evaluations
	// count as rapid app switching.
	rapidSwitchWindow = 10 * time.Second

	// Abnormal-hour window: [nightStart, 24) ∪ [0, nightEnd).
	nightStart = 23
	nightEnd   = 5
)

// DefaultHomeCountry is the baseline location; logins elsewhere score.
const DefaultHomeCountry = "US"

// switchKey returns the store key holding the user's last app-switch time.
func switchKey(userID string) string {
	return "user:" + userID + ":last_app_switch"
}

// Scorer computes risk values from signals, registry state, and store-held
// behavioral counters.
type Scorer struct {
	store       kv.Store
	registry    *session.Registry
	logger      *slog.Logger
	homeCountry string
	now         func() time.Time
}

// NewScorer creates a risk scorer.
func NewScorer(store kv.Store, registry *session.Registry, logger *slog.Logger) *Scorer {
	return &Scorer{
		store:       store,
		registry:    registry,
		logger:      logger,
		homeCountry: DefaultHomeCountry,
		now:         time.Now,
	}
}

// WithHomeCountry overrides the baseline country.
func (s *Scorer) WithHomeCountry(country string) *Scorer {
	s.homeCountry = country
	return s
}

// Calculate evaluates all signals for one session event and returns the
// total score plus human-readable reasons. The result overwrites the
// session's stored risk_score; it does not accumulate across calls.
func (s *Scorer) Calculate(ctx context.Context, userID, sessionID string, meta session.DeviceMeta) (int, []string, error) {
	score := 0
	var reasons []string

	// 1. Location mismatch.
	if meta.Country != "" && meta.Country != s.homeCountry {
		score += weightCountryMismatch
		reasons = append(reasons, fmt.Sprintf("new country detected: %s (+%d)", meta.Country, weightCountryMismatch))
	}

	// 2. High concurrency.
	active, err := s.registry.ActiveSessions(ctx, userID)
	if err != nil {
		return 0, nil, fmt.Errorf("enumerate sessions: %w", err)
	}
	if len(active) > maxConcurrentSessions {
		score += weightHighConcurrency
		reasons = append(reasons, fmt.Sprintf("high concurrency: %d active sessions (+%d)", len(active), weightHighConcurrency))
	}

	// 3. Abnormal hour (local time).
	now := s.now()
	if hour := now.Hour(); hour >= nightStart || hour < nightEnd {
		score += weightAbnormalHour
		reasons = append(reasons, fmt.Sprintf("abnormal login time: %02d:00 (+%d)", hour, weightAbnormalHour))
	}

	// 4. Rapid app switching. Every evaluation counts as a switch, so the
	// timestamp is rewritten unconditionally after the check.
	prev, err := s.store.Get(ctx, switchKey(userID))
	if err != nil {
		return 0, nil, fmt.Errorf("read switch timestamp: %w", err)
	}
	if prev != "" {
		if prevUnix, perr := strconv.ParseInt(prev, 10, 64); perr == nil {
			if diff := now.Sub(time.Unix(prevUnix, 0)); diff >= 0 && diff < rapidSwitchWindow {
				score += weightRapidSwitch
				reasons = append(reasons, fmt.Sprintf("rapid app switching: %ds interval (+%d)", int(diff.Seconds()), weightRapidSwitch))
			}
		}
	}
	if err := s.store.Set(ctx, switchKey(userID), strconv.FormatInt(now.Unix(), 10), 0); err != nil {
		return 0, nil, fmt.Errorf("update switch timestamp: %w", err)
	}

	// Overwrite the session's stored score with the point-in-time total.
	err = s.store.HSet(ctx, session.Key(userID, sessionID), map[string]string{
		"risk_score": strconv.Itoa(score),
	})
	if err != nil {
		return 0, nil, fmt.Errorf("store risk score: %w", err)
	}

	metrics.RiskScores.Observe(float64(score))
	if score > 0 {
		s.logger.Warn("risk signals detected",
			"user_id", userID,
			"session_id", sessionID,
			"score", score,
			"reasons", reasons,
		)
	}
	return score, reasons, nil
}

// Increment atomically adds delta to the session's stored risk_score.
// Unlike Calculate, this is cumulative — it exists for operator overrides
// and must not be mixed with Calculate on the same record without
// understanding that the next Calculate will overwrite it.
func (s *Scorer) Increment(ctx context.Context, userID, sessionID string, delta int64) (int64, error) {
	return s.store.HIncrBy(ctx, session.Key(userID, sessionID), "risk_score", delta)
}

// UserRisk returns the highest stored risk score across the user's active
// sessions. Used for user-level gates (refresh) where no single session is
// in hand.
func (s *Scorer) UserRisk(ctx context.Context, userID string) (int, error) {
	sessions, err := s.registry.ActiveSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, sess := range sessions {
		if sess.RiskScore > max {
			max = sess.RiskScore
		}
	}
	return max, nil
}
