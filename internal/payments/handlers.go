package payments

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow payment operations.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new payment handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payments/:engagementId", h.GetPayment)
	r.POST("/payments/:engagementId/hold", h.CreateHold)
	r.POST("/payments/:engagementId/release", h.Release)
	r.POST("/payments/:engagementId/refund", h.Refund)
}

// GetPayment handles GET /v1/payments/:engagementId
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.coordinator.Get(c.Request.Context(), c.Param("engagementId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// CreateHold handles POST /v1/payments/:engagementId/hold
func (h *Handler) CreateHold(c *gin.Context) {
	if !requireActor(c) {
		return
	}

	var req HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "paymentMethodRef is required",
		})
		return
	}

	p, err := h.coordinator.CreateHold(c.Request.Context(), c.Param("engagementId"), req.PaymentMethodRef)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// Release handles POST /v1/payments/:engagementId/release
func (h *Handler) Release(c *gin.Context) {
	if !requireActor(c) {
		return
	}

	p, err := h.coordinator.Release(c.Request.Context(), c.Param("engagementId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// Refund handles POST /v1/payments/:engagementId/refund
func (h *Handler) Refund(c *gin.Context) {
	if !requireActor(c) {
		return
	}

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required (cancelled, mutual, or dispute)",
		})
		return
	}

	p, err := h.coordinator.Refund(c.Request.Context(), c.Param("engagementId"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

func requireActor(c *gin.Context) bool {
	if c.GetHeader("X-Actor-Id") == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Missing caller identity",
		})
		return false
	}
	return true
}

// writeError maps coordinator errors to HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var perr *ProviderError
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Payment or engagement not found",
		})
	case errors.Is(err, ErrNotHoldable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_holdable",
			"message": "Engagement is past the point where a hold can be placed",
		})
	case errors.Is(err, ErrNotVerified):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "completion_not_verified",
			"message": "Funds release requires verified engagement completion",
		})
	case errors.Is(err, ErrDuplicateActive):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_payment",
			"message": "An active escrow payment already exists for this engagement",
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Payment status changed, re-fetch the latest state",
		})
	case errors.Is(err, ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "provider_unavailable",
			"message": "Payment provider is temporarily unavailable, try again later",
		})
	case errors.As(err, &perr):
		status := http.StatusBadGateway
		if !perr.Retryable {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{
			"error":   "provider_error",
			"message": perr.Message,
			"code":    perr.Code,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Payment operation failed",
		})
	}
}
