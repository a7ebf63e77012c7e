package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/steamtrader/internal/validation"
)

// Handler serves key management endpoints.
type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the self-service routes; r must already require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/keys", h.ListKeys)
	r.DELETE("/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes mounts issuance; r must already require the admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/keys", h.IssueKey)
}

// IssueKeyRequest binds a new key to a party address.
type IssueKeyRequest struct {
	Party string `json:"party" binding:"required"`
	Name  string `json:"name"`
}

// IssueKey handles POST /v1/admin/keys.
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "party is required"})
		return
	}
	if errs := validation.Validate(validation.ValidAddress("party", req.Party)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	if req.Name == "" {
		req.Name = "default"
	}

	raw, key, err := h.manager.GenerateKey(c.Request.Context(), req.Party, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create API key"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  raw,
		"keyId":   key.ID,
		"party":   key.Party,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /v1/keys.
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), Party(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey handles DELETE /v1/keys/:keyId. The key in use cannot revoke itself.
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")
	if current, ok := GetAPIKey(c); ok && current.ID == keyID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}
	if err := h.manager.RevokeKey(c.Request.Context(), keyID, Party(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Key not found or already revoked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keyId": keyID, "revoked": true})
}
