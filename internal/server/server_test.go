package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/sessionguard/internal/config"
	"github.com/mbd888/sessionguard/internal/kv"
	"github.com/mbd888/sessionguard/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubVerifier accepts a fixed password for any user
type stubVerifier struct{}

func (stubVerifier) VerifyPassword(userID, password string) bool {
	return password == "correct"
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:         "0",
		Env:          "development",
		LogLevel:     "error",
		JWTSecret:    "0123456789abcdef0123456789abcdef",
		AccessTTL:    30 * time.Minute,
		RefreshTTL:   24 * time.Hour,
		SessionTTL:   300 * time.Second,
		HomeCountry:  "US",
		RateLimitRPM: 10000,
	}
}

// newTestServer creates a server with stub dependencies
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithPasswordVerifier(stubVerifier{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health/live", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health/ready", "")
	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/ws/observer",
		"POST:/v1/auth/login",
		"POST:/v1/auth/refresh",
		"POST:/v1/auth/revoke",
		"POST:/v1/auth/global-revoke",
		"GET:/v1/users/:user_id/sessions",
		"POST:/v1/users/:user_id/sessions/:session_id/risk",
		"GET:/v1/realtime/stats",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Auth lifecycle tests
// ---------------------------------------------------------------------------

func TestLoginIssuesTokens(t *testing.T) {
	s := newTestServer(t)

	body := `{"username":"alice","password":"correct","app_name":"mail","country":"US"}`
	w := doJSON(s, "POST", "/v1/auth/login", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Tokens struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			JTI          string `json:"jti"`
		} `json:"tokens"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Tokens.AccessToken == "" || resp.Tokens.RefreshToken == "" {
		t.Error("Expected token pair in login response")
	}
	if resp.SessionID != resp.Tokens.JTI {
		t.Errorf("Expected sessionId to match jti, got %q vs %q", resp.SessionID, resp.Tokens.JTI)
	}

	// The session is visible through the inspection endpoint
	w = doJSON(s, "GET", "/v1/users/alice/sessions", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 listing sessions, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), resp.SessionID) {
		t.Errorf("Session %s not listed: %s", resp.SessionID, w.Body.String())
	}
}

func TestLoginBadPassword(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/v1/auth/login", `{"username":"alice","password":"wrong"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestLoginRejectsBadIdentifier(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/v1/auth/login", `{"username":"al*ce","password":"correct"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestRefreshRotatesAndDetectsReplay(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/v1/auth/login", `{"username":"bob","password":"correct","country":"US"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Login failed: %d: %s", w.Code, w.Body.String())
	}
	var login struct {
		Tokens struct {
			RefreshToken string `json:"refresh_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil {
		t.Fatalf("Failed to parse login: %v", err)
	}

	body := `{"refresh_token":"` + login.Tokens.RefreshToken + `"}`
	w = doJSON(s, "POST", "/v1/auth/refresh", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on first refresh, got %d: %s", w.Code, w.Body.String())
	}

	// Presenting the consumed token again is a replay
	w = doJSON(s, "POST", "/v1/auth/refresh", body)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 on replay, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "replay_detected") {
		t.Errorf("Expected replay_detected error, got %s", w.Body.String())
	}
}

func TestRevokeRequiresBearer(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/v1/auth/revoke", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without bearer, got %d", w.Code)
	}
}

func TestGlobalRevokeClearsSessions(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/v1/auth/login", `{"username":"carol","password":"correct","country":"US"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Login failed: %d: %s", w.Code, w.Body.String())
	}
	var login struct {
		Tokens struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil {
		t.Fatalf("Failed to parse login: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/auth/global-revoke", nil)
	req.Header.Set("Authorization", "Bearer "+login.Tokens.AccessToken)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	w = doJSON(s, "GET", "/v1/users/carol/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var list struct {
		Sessions []interface{} `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to parse sessions: %v", err)
	}
	if len(list.Sessions) != 0 {
		t.Errorf("Expected no sessions after global revoke, got %d", len(list.Sessions))
	}
}

func TestLoginDeniedInDedupeWindowLeavesNoLiveCredential(t *testing.T) {
	store := kv.NewMemoryStore()
	s, err := New(testConfig(), WithStore(store), WithPasswordVerifier(stubVerifier{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ctx := context.Background()

	// A lockdown for alice is already within its dedupe window, so the one
	// this login triggers will short-circuit on the marker.
	if err := store.Set(ctx, "enforcement:alice", "1", 10*time.Second); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	// Make the login destructive at any hour: foreign country (+50), five
	// active sessions (+30), and a switch seconds ago (+20).
	reg := session.NewRegistry(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i := 0; i < 4; i++ {
		sid := fmt.Sprintf("seed-%d", i)
		if err := reg.Register(ctx, "alice", sid, session.DeviceMeta{Country: "KP"}); err != nil {
			t.Fatalf("seed session: %v", err)
		}
	}
	switchKey := "user:alice:last_app_switch"
	if err := store.Set(ctx, switchKey, strconv.FormatInt(time.Now().Unix(), 10), 0); err != nil {
		t.Fatalf("seed switch timestamp: %v", err)
	}

	w := doJSON(s, "POST", "/v1/auth/login", `{"username":"alice","password":"correct","country":"KP"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "login_denied") {
		t.Errorf("Expected login_denied error, got %s", w.Body.String())
	}

	// The pair minted during the denied login must be dead even though the
	// deduped lockdown never swept it.
	jtis, err := store.SMembers(ctx, "user:alice:sessions")
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if len(jtis) != 0 {
		t.Errorf("credential index = %v, want empty after denial", jtis)
	}
	credKeys, err := store.Keys(ctx, "cred:*")
	if err != nil {
		t.Fatalf("enumerate credentials: %v", err)
	}
	if len(credKeys) == 0 {
		t.Fatal("Expected the denied login's credential record to exist")
	}
	for _, key := range credKeys {
		raw, _ := store.Get(ctx, key)
		if !strings.Contains(raw, `"BLACKLISTED"`) {
			t.Errorf("credential %s = %s, want BLACKLISTED", key, raw)
		}
	}

	// Its session record is gone too; only the seeded sessions remain.
	sessions, err := reg.ActiveSessions(ctx, "alice")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 4 {
		t.Errorf("active sessions = %d, want the 4 seeded ones", len(sessions))
	}
}

func TestRiskOverrideEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/v1/auth/login", `{"username":"dave","password":"correct","country":"US"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Login failed: %d: %s", w.Code, w.Body.String())
	}
	var login struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil {
		t.Fatalf("Failed to parse login: %v", err)
	}

	w = doJSON(s, "POST", "/v1/users/dave/sessions/"+login.SessionID+"/risk", `{"delta":25}`)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
