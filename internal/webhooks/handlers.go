package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxPayloadBytes bounds a webhook body; provider events are small.
const maxPayloadBytes = 256 * 1024

// Handler exposes the provider webhook endpoint.
type Handler struct {
	processor *Processor
}

func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor}
}

// RegisterRoutes sets up webhook routes. These sit outside the
// authenticated v1 group: the signature is the authentication.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhooks/payments", h.Receive)
}

// Receive handles POST /webhooks/payments
func (h *Handler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read webhook payload",
		})
		return
	}

	err = h.processor.Handle(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, ErrBadSignature):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_signature",
			"message": "Webhook signature verification failed",
		})
	default:
		// Transient failure; the provider will redeliver.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Webhook processing failed",
		})
	}
}
