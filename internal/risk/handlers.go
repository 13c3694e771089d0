package risk

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the manual risk override over HTTP.
type Handler struct {
	scorer *Scorer
}

// NewHandler creates a risk HTTP handler.
func NewHandler(scorer *Scorer) *Handler {
	return &Handler{scorer: scorer}
}

type overrideRequest struct {
	Delta int64 `json:"delta" binding:"required"`
}

// Override handles POST /v1/users/:user_id/sessions/:session_id/risk.
// It applies a cumulative adjustment on top of the last computed score.
func (h *Handler) Override(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "delta is required",
		})
		return
	}

	score, err := h.scorer.Increment(
		c.Request.Context(),
		c.Param("user_id"),
		c.Param("session_id"),
		req.Delta,
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to adjust risk score",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":    c.Param("user_id"),
		"sessionId": c.Param("session_id"),
		"riskScore": score,
	})
}
