package offers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pactline/pactline/internal/validation"
)

// Handler provides HTTP endpoints for offer operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up offer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.GET("/offers/:id", h.GetOffer)
	r.PATCH("/offers/:id", h.RespondToOffer)
	r.POST("/offers/:id/cancel", h.CancelOffer)
	r.GET("/requests/:requestId/offers", h.ListByRequest)
	r.GET("/talent/:talentId/offers", h.ListByTalent)
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	actorID := c.GetHeader("X-Actor-Id")
	if actorID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Missing caller identity",
		})
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	offer, err := h.service.Create(c.Request.Context(), actorID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// RespondToOffer handles PATCH /v1/offers/:id
func (h *Handler) RespondToOffer(c *gin.Context) {
	actorID := c.GetHeader("X-Actor-Id")
	if actorID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Missing caller identity",
		})
		return
	}

	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.Respond(c.Request.Context(), c.Param("id"), actorID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := gin.H{"offer": result.Offer}
	if result.EngagementID != "" {
		resp["engagementId"] = result.EngagementID
	}
	c.JSON(http.StatusOK, resp)
}

// CancelOffer handles POST /v1/offers/:id/cancel
func (h *Handler) CancelOffer(c *gin.Context) {
	actorID := c.GetHeader("X-Actor-Id")
	if actorID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Missing caller identity",
		})
		return
	}

	offer, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// ListByRequest handles GET /v1/requests/:requestId/offers
func (h *Handler) ListByRequest(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50)
	list, err := h.service.ListByRequest(c.Request.Context(), c.Param("requestId"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": list, "count": len(list)})
}

// ListByTalent handles GET /v1/talent/:talentId/offers
func (h *Handler) ListByTalent(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50)
	list, err := h.service.ListByTalent(c.Request.Context(), c.Param("talentId"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": list, "count": len(list)})
}

// writeError maps service errors to HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Offer not found",
		})
	case errors.Is(err, ErrExpired):
		// Distinct from a generic conflict so clients can show a clear
		// "this offer expired" message.
		c.JSON(http.StatusConflict, gin.H{
			"error":   "offer_expired",
			"message": "This offer has expired and can no longer be acted on",
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Offer status changed, re-fetch the latest state",
		})
	case errors.Is(err, ErrDuplicateActive):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_offer",
			"message": "An active offer already exists for this request and talent",
		})
	case errors.Is(err, ErrCounterDepth):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "counter_depth_exceeded",
			"message": "Maximum counter-offer rounds reached",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this offer operation",
		})
	case errors.Is(err, ErrInvalidAction):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_action",
			"message": "Action must be accept, decline, or counter",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Offer operation failed",
		})
	}
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 200 {
		return def
	}
	return n
}
