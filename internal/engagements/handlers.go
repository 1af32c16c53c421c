package engagements

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for engagement operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new engagement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up engagement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/engagements/:id", h.GetEngagement)
	r.POST("/engagements/:id/complete", h.CompleteEngagement)
}

// GetEngagement handles GET /v1/engagements/:id
func (h *Handler) GetEngagement(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"engagement": e})
}

// CompleteRequest contains the parameters for completing an engagement.
type CompleteRequest struct {
	Verified bool `json:"verified"`
}

// CompleteEngagement handles POST /v1/engagements/:id/complete
func (h *Handler) CompleteEngagement(c *gin.Context) {
	actorID := c.GetHeader("X-Actor-Id")
	if actorID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Missing caller identity",
		})
		return
	}

	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if actorID != e.CompanyID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only the company can mark an engagement complete",
		})
		return
	}

	updated, err := h.service.Complete(c.Request.Context(), e.ID, req.Verified)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"engagement": updated})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Engagement not found",
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Engagement status changed, re-fetch the latest state",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Engagement operation failed",
		})
	}
}
