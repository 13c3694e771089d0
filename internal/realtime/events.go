package realtime

import "time"

// EventType for events pushed to connected clients and observers.
type EventType string

const (
	EventLogoutAll     EventType = "LOGOUT_ALL"
	EventRequireReauth EventType = "REQUIRE_REAUTH"
	EventRiskUpdate    EventType = "RISK_UPDATE"
	EventReauthSuccess EventType = "REAUTH_SUCCESS"
	EventReauthFailed  EventType = "REAUTH_FAILED"
)

// Event is the wire envelope for everything the hub pushes.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// LogoutAllPayload accompanies EventLogoutAll.
type LogoutAllPayload struct {
	UserID    string `json:"user_id"`
	Reason    string `json:"reason"`
	Initiator string `json:"initiator"`
}

// RequireReauthPayload accompanies EventRequireReauth.
type RequireReauthPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// RiskUpdatePayload accompanies EventRiskUpdate on the observer feed.
type RiskUpdatePayload struct {
	UserID  string   `json:"user_id"`
	AppName string   `json:"app_name"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
	Status  string   `json:"status"`
}

// MessagePayload accompanies EventReauthSuccess and EventReauthFailed.
type MessagePayload struct {
	Message string `json:"message"`
}

// NewEvent wraps a payload in the envelope with the current timestamp.
func NewEvent(t EventType, data interface{}) *Event {
	return &Event{Type: t, Timestamp: time.Now(), Data: data}
}
