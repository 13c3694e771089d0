package session

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes registry reads over HTTP.
type Handler struct {
	registry *Registry
}

// NewHandler creates a session HTTP handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// List handles GET /v1/users/:user_id/sessions
func (h *Handler) List(c *gin.Context) {
	userID := c.Param("user_id")

	sessions, err := h.registry.ActiveSessions(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to enumerate sessions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":   userID,
		"count":    len(sessions),
		"sessions": sessions,
	})
}
