package notify

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pactline/pactline/internal/idgen"
)

// SubscribeRequest registers a notification endpoint for the caller.
type SubscribeRequest struct {
	URL    string `json:"url" binding:"required"`
	Secret string `json:"secret"`
}

// Handler provides HTTP endpoints for managing notification
// subscriptions.
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{store: store, dispatcher: dispatcher}
}

// RegisterRoutes sets up subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/subscriptions", h.Subscribe)
	r.GET("/notifications/subscriptions", h.List)
	r.DELETE("/notifications/subscriptions/:id", h.Unsubscribe)
}

// Subscribe handles POST /v1/notifications/subscriptions
func (h *Handler) Subscribe(c *gin.Context) {
	actorID := c.GetHeader("X-Actor-Id")
	if actorID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Missing caller identity",
		})
		return
	}

	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url is required",
		})
		return
	}
	if err := h.dispatcher.urlValidator(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	sub := &Subscription{
		ID:          idgen.WithPrefix("sub_"),
		RecipientID: actorID,
		URL:         req.URL,
		Secret:      req.Secret,
		Active:      true,
		CreatedAt:   time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create subscription",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// List handles GET /v1/notifications/subscriptions
func (h *Handler) List(c *gin.Context) {
	actorID := c.GetHeader("X-Actor-Id")
	if actorID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Missing caller identity",
		})
		return
	}

	subs, err := h.store.GetByRecipient(c.Request.Context(), actorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list subscriptions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// Unsubscribe handles DELETE /v1/notifications/subscriptions/:id
func (h *Handler) Unsubscribe(c *gin.Context) {
	actorID := c.GetHeader("X-Actor-Id")
	if actorID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Missing caller identity",
		})
		return
	}

	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Subscription not found",
		})
		return
	}
	if sub.RecipientID != actorID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not your subscription",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete subscription",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
