package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/sessionguard/internal/kv"
	"github.com/mbd888/sessionguard/internal/metrics"
)

// Registry records and reads live session metadata through the ephemeral
// store. It holds no state of its own.
type Registry struct {
	store  kv.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a session registry backed by the given store.
func NewRegistry(store kv.Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger, now: time.Now}
}

// Register writes a fresh ACTIVE record for (userID, sessionID), replacing
// any existing record wholesale. Re-registration is idempotent, not
// cumulative: stale metadata from a previous life of the key never leaks in.
func (r *Registry) Register(ctx context.Context, userID, sessionID string, meta DeviceMeta) error {
	key := Key(userID, sessionID)

	// Delete first so the HSet below produces a clean record rather than a
	// merge with leftover fields.
	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("clear session record: %w", err)
	}

	now := strconv.FormatInt(r.now().Unix(), 10)
	fields := map[string]string{
		fieldUserID:        userID,
		fieldSessionID:     sessionID,
		fieldStartTime:     now,
		fieldLastHeartbeat: now,
		fieldRiskScore:     "0",
		fieldStatus:        string(StatusActive),
		fieldIP:            meta.IP,
		fieldDevice:        meta.Device,
		fieldCountry:       meta.Country,
		fieldAppName:       meta.AppName,
	}
	for f, v := range meta.Extra {
		fields[f] = v
	}

	if err := r.store.HSet(ctx, key, fields); err != nil {
		return fmt.Errorf("write session record: %w", err)
	}

	metrics.SessionsRegisteredTotal.Inc()
	r.logger.Info("session registered",
		"user_id", userID,
		"session_id", sessionID,
		"app", meta.AppName,
	)
	return nil
}

// Heartbeat updates the session's last_heartbeat timestamp, implicitly
// refreshing the record's TTL. Returns false if the record has already
// expired or was never registered; the caller must treat that as "session
// must re-join".
func (r *Registry) Heartbeat(ctx context.Context, userID, sessionID string) (bool, error) {
	key := Key(userID, sessionID)
	ok, err := r.store.Exists(ctx, key)
	if err != nil || !ok {
		metrics.HeartbeatsTotal.WithLabelValues("expired").Inc()
		return false, err
	}
	err = r.store.HSet(ctx, key, map[string]string{
		fieldLastHeartbeat: strconv.FormatInt(r.now().Unix(), 10),
	})
	if err != nil {
		return false, fmt.Errorf("record heartbeat: %w", err)
	}
	metrics.HeartbeatsTotal.WithLabelValues("alive").Inc()
	return true, nil
}

// Get returns the session record, or nil if it doesn't exist (or expired).
func (r *Registry) Get(ctx context.Context, userID, sessionID string) (*Session, error) {
	fields, err := r.store.HGetAll(ctx, Key(userID, sessionID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fromFields(fields), nil
}

// ActiveSessions returns every live session record for the user. Sessions
// that expire between enumeration and read are silently omitted.
func (r *Registry) ActiveSessions(ctx context.Context, userID string) ([]*Session, error) {
	keys, err := r.store.Keys(ctx, KeyPattern(userID))
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(keys))
	for _, key := range keys {
		fields, err := r.store.HGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue // expired between Keys and HGetAll
		}
		sessions = append(sessions, fromFields(fields))
	}
	return sessions, nil
}

// SetStatus marks a session CHALLENGED or KILLED. Missing records are a
// no-op: the TTL already did the work.
func (r *Registry) SetStatus(ctx context.Context, userID, sessionID string, status Status) error {
	key := Key(userID, sessionID)
	ok, err := r.store.Exists(ctx, key)
	if err != nil || !ok {
		return err
	}
	return r.store.HSet(ctx, key, map[string]string{fieldStatus: string(status)})
}

// Remove deletes a session record outright. Used by enforcement when a
// user's sessions are terminated.
func (r *Registry) Remove(ctx context.Context, userID, sessionID string) error {
	return r.store.Delete(ctx, Key(userID, sessionID))
}
