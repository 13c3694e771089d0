package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"alice", true},
		{"alice.smith", true},
		{"alice_smith-2", true},
		{"alice@example.com", true},
		{"A1b2C3", true},

		// Invalid cases
		{"", false},
		{"alice:smith", false}, // would split store keys
		{"alice smith", false},
		{"alice*", false}, // glob metachar
		{"alice?", false},
		{"alice[0]", false},
		{strings.Repeat("a", 129), false}, // Too long
	}

	for _, tc := range tests {
		result := IsValidIdentifier(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidIdentifier(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("user_id", "alice"),
		ValidIdentifier("user_id", "alice"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("user_id", ""),
		ValidIdentifier("session_id", "not:valid"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}

func TestIDParamsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(IDParamsMiddleware())
	router.GET("/users/:user_id/sessions/:session_id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		path   string
		status int
	}{
		{"/users/alice/sessions/abc123", http.StatusOK},
		{"/users/alice@host/sessions/s-1", http.StatusOK},
		{"/users/bad*glob/sessions/abc", http.StatusBadRequest},
		{"/users/alice/sessions/" + strings.Repeat("x", 200), http.StatusBadRequest},
	}

	for _, tc := range tests {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		router.ServeHTTP(w, req)
		if w.Code != tc.status {
			t.Errorf("GET %s: status = %d, want %d", tc.path, w.Code, tc.status)
		}
	}
}
