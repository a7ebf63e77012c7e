package oracle

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/steamtrader/internal/apperr"
	"github.com/mbd888/steamtrader/internal/requests"
)

// Adapter job run statuses.
const (
	StatusCompleted = "completed"
	StatusErrored   = "errored"
)

// Fulfillment is the callback body an adapter posts when a job finishes.
type Fulfillment struct {
	JobRunID string          `json:"jobRunID"`
	Status   string          `json:"status"`
	Data     FulfillmentData `json:"data"`
	Error    string          `json:"error,omitempty"`
}

type FulfillmentData struct {
	ItemFound *bool `json:"item_found"`
}

// Handler receives signed fulfilments. Requests are authenticated by the
// shared secret; the service then sees the configured oracle authority as
// the caller.
type Handler struct {
	fulfiller Fulfiller
	authority string
	secret    string
	logger    *slog.Logger
}

func NewHandler(f Fulfiller, authority, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{fulfiller: f, authority: authority, secret: secret, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/oracle/fulfill", h.Fulfill)
}

// Fulfill handles POST /v1/oracle/fulfill.
func (h *Handler) Fulfill(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}
	if h.secret == "" || !Verify(body, h.secret, c.GetHeader(SignatureHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "fulfilment signature does not match"})
		return
	}

	var f Fulfillment
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&f); err != nil || f.JobRunID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "jobRunID is required"})
		return
	}

	log := h.logger.With("correlationId", f.JobRunID)
	if f.Status == StatusErrored {
		// The record stays live; its requester may cancel after expiry.
		log.Warn("oracle job errored", "error", f.Error)
		c.JSON(http.StatusOK, gin.H{"status": "errored"})
		return
	}
	if f.Data.ItemFound == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "data.item_found is required"})
		return
	}

	t, err := h.fulfiller.Fulfill(c.Request.Context(), h.authority, f.JobRunID, *f.Data.ItemFound)
	if errors.Is(err, requests.ErrUnknownCorrelation) {
		log.Info("fulfilment for unknown correlation ignored")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		code, status := apperr.Code(err)
		if status >= http.StatusInternalServerError {
			log.Error("fulfilment failed", "error", err)
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "applied", "tradeId": t.ID, "tradeStatus": t.Status})
}
