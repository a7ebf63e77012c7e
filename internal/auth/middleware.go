package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey holds the validated *APIKey.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyParty holds the lowercased address the key is bound to.
	ContextKeyParty = "authParty"

	// AdminHeader carries the operator secret for key issuance.
	AdminHeader = "X-Admin-Secret"
)

// Middleware resolves an API key from Authorization or X-API-Key and, when
// valid, stores the key and its party in the context. It never aborts;
// RequireAuth does that for protected routes.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}
		if raw != "" {
			if key, err := m.ValidateKey(c.Request.Context(), raw); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyParty, key.Party)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that carry no valid key.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextKeyAPIKey); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards operator routes with a shared secret. An empty secret
// disables them.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin secret required",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the validated key, if any.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// Party returns the authenticated party address, or "".
func Party(c *gin.Context) string {
	return c.GetString(ContextKeyParty)
}
