package trade

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/steamtrader/internal/apperr"
	"github.com/mbd888/steamtrader/internal/auth"
	"github.com/mbd888/steamtrader/internal/pagination"
	"github.com/mbd888/steamtrader/internal/requests"
	"github.com/mbd888/steamtrader/internal/validation"
)

// Handler serves the trade endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts the public read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades", h.ListTrades)
	r.GET("/trades/:id", h.GetTrade)
	r.GET("/trades/:id/requests", h.ListRequests)
}

// RegisterProtectedRoutes mounts the routes that act as the authenticated party.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.POST("/trades/:id/fund", h.FundTrade)
	r.POST("/trades/:id/lock", h.LockSale)
	r.POST("/trades/:id/refund", h.RequestRefund)
	r.POST("/trades/:id/confirmation", h.RequestTradeConfirmation)
	r.POST("/trades/:id/seller-check", h.RequestSellerCheck)
	r.POST("/trades/:id/item-validation", h.RequestTradeItemValidation)
	r.DELETE("/requests/:correlationId", h.CancelRequest)
}

// CreateTrade handles POST /v1/trades.
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "id, sellerSteamId, askingPrice and item are required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidTradeID("id", req.ID),
		validation.ValidSteamID("sellerSteamId", req.SellerSteamID),
		validation.ValidAmount("askingPrice", req.AskingPrice),
		validation.Numeric("item.appId", req.Item.AppID),
		validation.Numeric("item.contextId", req.Item.ContextID),
		validation.Numeric("item.assetId", req.Item.AssetID),
		validation.Numeric("item.classId", req.Item.ClassID),
		validation.Numeric("item.instanceId", req.Item.InstanceID),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	t, err := h.service.CreateTrade(c.Request.Context(), auth.Party(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// FundTrade handles POST /v1/trades/:id/fund.
func (h *Handler) FundTrade(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "buyerSteamId and amount are required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidSteamID("buyerSteamId", req.BuyerSteamID),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidTxHash("fundingRef", req.FundingRef),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	t, err := h.service.FundTrade(c.Request.Context(), auth.Party(c), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

func (h *Handler) LockSale(c *gin.Context) {
	h.transition(c, h.service.LockSale)
}

func (h *Handler) RequestRefund(c *gin.Context) {
	h.transition(c, h.service.RequestRefund)
}

func (h *Handler) transition(c *gin.Context, fn func(ctx context.Context, caller, id string) (*Trade, error)) {
	t, err := fn(c.Request.Context(), auth.Party(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

func (h *Handler) RequestTradeConfirmation(c *gin.Context) {
	h.query(c, h.service.RequestTradeConfirmation)
}

func (h *Handler) RequestSellerCheck(c *gin.Context) {
	h.query(c, h.service.RequestSellerCheck)
}

func (h *Handler) RequestTradeItemValidation(c *gin.Context) {
	h.query(c, h.service.RequestTradeItemValidation)
}

// query answers 202: the oracle's verdict arrives later.
func (h *Handler) query(c *gin.Context, fn func(ctx context.Context, caller, id string) (*requests.Record, error)) {
	rec, err := fn(c.Request.Context(), auth.Party(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request": rec})
}

// CancelRequest handles DELETE /v1/requests/:correlationId.
func (h *Handler) CancelRequest(c *gin.Context) {
	rec, err := h.service.CancelRequest(c.Request.Context(), auth.Party(c), c.Param("correlationId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "request": rec})
}

func (h *Handler) GetTrade(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ListTrades handles GET /v1/trades?party=&status=&limit=&cursor=.
func (h *Handler) ListTrades(c *gin.Context) {
	params, err := pagination.FromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	status := Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown status"})
		return
	}

	trades, next, err := h.service.List(c.Request.Context(), ListFilter{
		Party:  c.Query("party"),
		Status: status,
		Limit:  params.Limit,
		Cursor: params.Cursor,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if trades == nil {
		trades = []*Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "nextCursor": next, "hasMore": next != ""})
}

func (h *Handler) ListRequests(c *gin.Context) {
	recs, err := h.service.ListRequests(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if recs == nil {
		recs = []*requests.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": recs})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	code, status := apperr.Code(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("trade request failed", "path", c.FullPath(), "tradeId", c.Param("id"), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
