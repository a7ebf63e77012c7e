// Package admin provides operator-only endpoints for inspecting stuck oracle
// requests and running reconciliation on demand.
package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/steamtrader/internal/reconciliation"
	"github.com/mbd888/steamtrader/internal/requests"
)

// ExpiredLister lists correlation records past their cancellation window.
type ExpiredLister interface {
	ListExpired(ctx context.Context, limit int) ([]*requests.Record, error)
	Live(ctx context.Context) (int, error)
}

// Reconciler runs an on-demand reconciliation.
type Reconciler interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// Handler serves /admin routes. r must already require the admin secret.
type Handler struct {
	requests   ExpiredLister
	reconciler Reconciler
}

func NewHandler(reqs ExpiredLister, reconciler Reconciler) *Handler {
	return &Handler{requests: reqs, reconciler: reconciler}
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/requests/expired", h.listExpired)
	r.POST("/admin/reconcile", h.triggerReconciliation)
}

// listExpired returns live oracle requests whose requester may now cancel.
func (h *Handler) listExpired(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	ctx := c.Request.Context()
	recs, err := h.requests.ListExpired(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	live, err := h.requests.Live(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"requests": recs, "count": len(recs), "live": live})
}

func (h *Handler) triggerReconciliation(c *gin.Context) {
	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
