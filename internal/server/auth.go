package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sessionguard/internal/logging"
	"github.com/mbd888/sessionguard/internal/policy"
	"github.com/mbd888/sessionguard/internal/session"
	"github.com/mbd888/sessionguard/internal/token"
	"github.com/mbd888/sessionguard/internal/validation"
)

// loginRequest carries the login credential plus the device context that
// feeds the risk signals.
type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	AppName  string `json:"app_name"`
	Country  string `json:"country"`
	Device   string `json:"device"`
}

// loginHandler handles POST /v1/auth/login. A successful login mints a token
// pair, registers a session keyed by the pair's jti, and runs an immediate
// risk evaluation. A destructive evaluation outcome revokes what was just
// issued and fails the login.
func (s *Server) loginHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "username and password are required",
		})
		return
	}
	if !validation.IsValidIdentifier(req.Username) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_identifier",
			"message": "username must be alphanumeric with . _ @ - only",
		})
		return
	}

	if !s.verifier.VerifyPassword(req.Username, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_credentials",
			"message": "username or password incorrect",
		})
		return
	}

	pair, err := s.guard.Issue(ctx, req.Username)
	if err != nil {
		logging.L(ctx).Error("token issuance failed", "user_id", req.Username, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to issue tokens",
		})
		return
	}

	meta := session.DeviceMeta{
		IP:      c.ClientIP(),
		Device:  validation.SanitizeString(req.Device, 200),
		Country: validation.SanitizeString(req.Country, 10),
		AppName: validation.SanitizeString(req.AppName, 200),
	}
	if err := s.registry.Register(ctx, req.Username, pair.JTI, meta); err != nil {
		logging.L(ctx).Error("session registration failed", "user_id", req.Username, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to register session",
		})
		return
	}

	ev, err := s.enforcer.EvaluateSession(ctx, nil, req.Username, pair.JTI, meta)
	if err != nil {
		logging.L(ctx).Error("login evaluation failed", "user_id", req.Username, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to evaluate session",
		})
		return
	}
	if policy.Destructive(ev.Action) {
		// A fresh lockdown revoked the pair minted above; a lockdown deduped
		// inside the marker window did not. Retire it explicitly either way
		// so the denial never leaves a live credential behind.
		if err := s.guard.Revoke(ctx, req.Username, pair.JTI); err != nil {
			logging.L(ctx).Error("revoke of denied login pair failed", "user_id", req.Username, "error", err)
		}
		if err := s.registry.Remove(ctx, req.Username, pair.JTI); err != nil {
			logging.L(ctx).Error("removal of denied login session failed", "user_id", req.Username, "error", err)
		}
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "login_denied",
			"message": "login rejected by risk policy",
			"action":  ev.Action,
			"score":   ev.Score,
			"reasons": ev.Reasons,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tokens":    pair,
		"sessionId": pair.JTI,
		"risk": gin.H{
			"score":   ev.Score,
			"reasons": ev.Reasons,
			"action":  ev.Action,
		},
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// refreshHandler handles POST /v1/auth/refresh. Replay of a retired
// credential comes back 401 and has already triggered enforcement; a risk
// gate rejection comes back 403 with re-auth guidance.
func (s *Server) refreshHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "refresh_token is required",
		})
		return
	}

	pair, err := s.guard.Refresh(ctx, req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrReplayDetected):
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "replay_detected",
				"message": "refresh token already used; all sessions revoked",
			})
		case errors.Is(err, token.ErrRefreshDenied):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "refresh_denied",
				"message": "refresh blocked by risk policy; re-authentication required",
			})
		case errors.Is(err, token.ErrExpired),
			errors.Is(err, token.ErrInvalidSignature),
			errors.Is(err, token.ErrMalformed):
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_token",
				"message": "refresh token is invalid or expired",
			})
		default:
			logging.L(ctx).Error("refresh failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "failed to refresh tokens",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tokens":    pair,
		"sessionId": pair.JTI,
	})
}

// revokeHandler handles POST /v1/auth/revoke: the caller retires its own
// credential and session.
func (s *Server) revokeHandler(c *gin.Context) {
	ctx := c.Request.Context()

	claims, ok := s.authenticate(c)
	if !ok {
		return
	}

	if err := s.guard.Revoke(ctx, claims.UserID, claims.JTI); err != nil {
		logging.L(ctx).Error("revoke failed", "user_id", claims.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to revoke token",
		})
		return
	}
	if err := s.registry.Remove(ctx, claims.UserID, claims.JTI); err != nil {
		logging.L(ctx).Error("session removal failed", "user_id", claims.UserID, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"revoked":   true,
		"sessionId": claims.JTI,
	})
}

// globalRevokeHandler handles POST /v1/auth/global-revoke: the REST
// equivalent of the WebSocket panic button.
func (s *Server) globalRevokeHandler(c *gin.Context) {
	ctx := c.Request.Context()

	claims, ok := s.authenticate(c)
	if !ok {
		return
	}

	if err := s.enforcer.Lockdown(ctx, claims.UserID, "user requested global logout", claims.UserID); err != nil {
		logging.L(ctx).Error("global revoke failed", "user_id", claims.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to revoke sessions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"revoked": true,
		"userId":  claims.UserID,
	})
}

// authenticate extracts and checks the bearer access token. Writes the error
// response itself; callers bail out when ok is false.
func (s *Server) authenticate(c *gin.Context) (*token.Claims, bool) {
	header := c.GetHeader("Authorization")
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "missing_token",
			"message": "Authorization: Bearer <token> header required",
		})
		return nil, false
	}

	claims, err := s.guard.Check(c.Request.Context(), raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_token",
			"message": "access token is invalid, expired, or revoked",
		})
		return nil, false
	}
	return claims, true
}
