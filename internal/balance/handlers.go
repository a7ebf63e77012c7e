package balance

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/steamtrader/internal/apperr"
	"github.com/mbd888/steamtrader/internal/auth"
	"github.com/mbd888/steamtrader/internal/pagination"
	"github.com/mbd888/steamtrader/internal/validation"
)

// Handler serves balance and fee endpoints.
type Handler struct {
	ledger *Ledger
	fees   *FeeAccount
	logger *slog.Logger
}

func NewHandler(ledger *Ledger, fees *FeeAccount, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, fees: fees, logger: logger}
}

// RegisterRoutes mounts the public read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balances/:address", validation.AddressParamMiddleware(), h.GetBalance)
	r.GET("/balances/:address/history", validation.AddressParamMiddleware(), h.GetHistory)
	r.GET("/fees", h.GetFees)
}

// RegisterProtectedRoutes mounts the routes that act as the authenticated party.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/balances/deposit", h.Deposit)
	r.POST("/balances/withdraw", h.Withdraw)
	r.POST("/fees/withdraw", h.WithdrawFees)
}

// AmountRequest carries a base-unit integer amount.
type AmountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.GetBalance(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

func (h *Handler) GetHistory(c *gin.Context) {
	params, err := pagination.FromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	entries, next, err := h.ledger.History(c.Request.Context(), c.Param("address"), params)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "nextCursor": next, "hasMore": next != ""})
}

// Deposit handles POST /v1/balances/deposit. The caller must have approved
// the platform to pull the amount.
func (h *Handler) Deposit(c *gin.Context) {
	req, ok := bindAmount(c)
	if !ok {
		return
	}
	bal, err := h.ledger.Deposit(c.Request.Context(), auth.Party(c), req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

func (h *Handler) Withdraw(c *gin.Context) {
	req, ok := bindAmount(c)
	if !ok {
		return
	}
	txHash, err := h.ledger.Withdraw(c.Request.Context(), auth.Party(c), req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "withdrawn", "amount": req.Amount, "txHash": txHash})
}

func (h *Handler) GetFees(c *gin.Context) {
	fees, err := h.fees.Total(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fees": fees})
}

func (h *Handler) WithdrawFees(c *gin.Context) {
	req, ok := bindAmount(c)
	if !ok {
		return
	}
	txHash, err := h.fees.Withdraw(c.Request.Context(), auth.Party(c), req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "withdrawn", "amount": req.Amount, "txHash": txHash})
}

func bindAmount(c *gin.Context) (AmountRequest, bool) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return req, false
	}
	if errs := validation.Validate(validation.ValidAmount("amount", req.Amount)); len(errs) > 0 {
		validation.Abort(c, errs)
		return req, false
	}
	return req, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	code, status := apperr.Code(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("balance request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
