package webhooks

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/steamtrader/internal/apperr"
	"github.com/mbd888/steamtrader/internal/auth"
	"github.com/mbd888/steamtrader/internal/idgen"
	"github.com/mbd888/steamtrader/internal/security"
	"github.com/mbd888/steamtrader/internal/trade"
)

// maxPerParty bounds how many callbacks one party may register.
const maxPerParty = 10

var deliverable = map[trade.EventType]bool{
	trade.EventTradeCreated:    true,
	trade.EventFundingSecured:  true,
	trade.EventSaleLocked:      true,
	trade.EventRefundRequested: true,
	trade.EventSellerHasItem:   true,
	trade.EventBuyerHasItem:    true,
	trade.EventSaleCompleted:   true,
	trade.EventRefundGranted:   true,
}

// Handler serves the caller's own webhook subscriptions.
type Handler struct {
	store        Store
	logger       *slog.Logger
	urlValidator func(string) error
}

func NewHandler(store Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger, urlValidator: security.ValidateCallbackURL}
}

// RegisterRoutes mounts the routes. r must already require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
}

type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/webhooks. The secret is returned once.
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "url is required"})
		return
	}
	if err := h.urlValidator(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	events := make([]trade.EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := trade.EventType(e)
		if !deliverable[et] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": "unknown event type: " + e})
			return
		}
		events = append(events, et)
	}

	ctx := c.Request.Context()
	party := auth.Party(c)
	existing, err := h.store.ListByParty(ctx, party)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if len(existing) >= maxPerParty {
		c.JSON(http.StatusConflict, gin.H{"error": "limit_reached", "message": "too many webhooks for this party"})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Party:     party,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret,
		"usage": gin.H{
			"signature": "hex(HMAC-SHA256(body, secret))",
			"header":    "X-Steamtrader-Signature",
		},
	})
}

func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByParty(c.Request.Context(), auth.Party(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id. Another party's webhook
// reads as not found.
func (h *Handler) DeleteWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("id"))
	if err == nil && sub.Party != auth.Party(c) {
		err = ErrNotFound
	}
	if err == nil {
		err = h.store.Delete(ctx, sub.ID)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": sub.ID})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	code, status := apperr.Code(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("webhook request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
