// Package session tracks live sessions across a user's client applications.
//
// Each session is a hash record in the ephemeral store keyed by
// session:<user>:<session>. Records are created on join or login, touched by
// heartbeats, and disappear on TTL expiry or explicit revocation — there is
// no durable copy anywhere.
package session

import (
	"strconv"
	"time"
)

// Status of a tracked session.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusChallenged Status = "CHALLENGED"
	StatusKilled     Status = "KILLED"
)

// DeviceMeta carries the device context supplied at join/login time.
// Country and IP arrive as opaque inputs from upstream collaborators
// (geo lookup, proxy headers); the registry never derives them itself.
type DeviceMeta struct {
	IP      string            `json:"ip,omitempty"`
	Device  string            `json:"device,omitempty"`
	Country string            `json:"country,omitempty"`
	AppName string            `json:"app_name,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// Session is the materialized view of one session record.
type Session struct {
	UserID        string     `json:"user_id"`
	SessionID     string     `json:"session_id"`
	StartTime     time.Time  `json:"start_time"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	RiskScore     int        `json:"risk_score"`
	Status        Status     `json:"status"`
	Meta          DeviceMeta `json:"meta"`
}

// Store field names within a session hash. Device metadata extension fields
// are stored flat next to these, so they must not collide.
const (
	fieldUserID        = "user_id"
	fieldSessionID     = "session_id"
	fieldStartTime     = "start_time"
	fieldLastHeartbeat = "last_heartbeat"
	fieldRiskScore     = "risk_score"
	fieldStatus        = "status"
	fieldIP            = "ip"
	fieldDevice        = "device"
	fieldCountry       = "country"
	fieldAppName       = "app_name"
)

// Key returns the store key for a session record.
func Key(userID, sessionID string) string {
	return "session:" + userID + ":" + sessionID
}

// KeyPattern returns the glob matching all of a user's session records.
func KeyPattern(userID string) string {
	return "session:" + userID + ":*"
}

// fromFields rebuilds a Session from its stored hash representation.
func fromFields(fields map[string]string) *Session {
	s := &Session{
		UserID:    fields[fieldUserID],
		SessionID: fields[fieldSessionID],
		Status:    Status(fields[fieldStatus]),
		Meta: DeviceMeta{
			IP:      fields[fieldIP],
			Device:  fields[fieldDevice],
			Country: fields[fieldCountry],
			AppName: fields[fieldAppName],
		},
	}
	if ts, err := strconv.ParseInt(fields[fieldStartTime], 10, 64); err == nil {
		s.StartTime = time.Unix(ts, 0)
	}
	if ts, err := strconv.ParseInt(fields[fieldLastHeartbeat], 10, 64); err == nil {
		s.LastHeartbeat = time.Unix(ts, 0)
	}
	if score, err := strconv.Atoi(fields[fieldRiskScore]); err == nil {
		s.RiskScore = score
	}

	known := map[string]bool{
		fieldUserID: true, fieldSessionID: true, fieldStartTime: true,
		fieldLastHeartbeat: true, fieldRiskScore: true, fieldStatus: true,
		fieldIP: true, fieldDevice: true, fieldCountry: true, fieldAppName: true,
	}
	for f, v := range fields {
		if !known[f] {
			if s.Meta.Extra == nil {
				s.Meta.Extra = make(map[string]string)
			}
			s.Meta.Extra[f] = v
		}
	}
	return s
}
