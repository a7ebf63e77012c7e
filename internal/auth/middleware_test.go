package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mgr *Manager, adminSecret string) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(mgr))
	h := NewHandler(mgr)

	protected := r.Group("/v1", RequireAuth())
	protected.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"party": Party(c)})
	})
	h.RegisterRoutes(protected)
	h.RegisterAdminRoutes(r.Group("/v1", RequireAdmin(adminSecret)))
	return r
}

func do(r http.Handler, method, path, key string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_SetsParty(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	raw, _, err := mgr.GenerateKey(context.Background(), party, "desk")
	require.NoError(t, err)
	r := newRouter(mgr, "")

	w := do(r, "GET", "/v1/whoami", raw, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), strings.ToLower(party))

	// X-API-Key works too
	w = do(r, "GET", "/v1/whoami", "", nil, "X-API-Key", raw)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAuth_RejectsMissingAndInvalid(t *testing.T) {
	r := newRouter(NewManager(NewMemoryStore()), "")

	assert.Equal(t, http.StatusUnauthorized, do(r, "GET", "/v1/whoami", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "GET", "/v1/whoami", "sk_bogus", nil).Code)
}

func TestAdminIssue(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	r := newRouter(mgr, "s3cret")
	body := IssueKeyRequest{Party: party, Name: "seller desk"}

	assert.Equal(t, http.StatusForbidden, do(r, "POST", "/v1/admin/keys", "", body).Code)
	assert.Equal(t, http.StatusForbidden, do(r, "POST", "/v1/admin/keys", "", body, AdminHeader, "wrong").Code)

	w := do(r, "POST", "/v1/admin/keys", "", body, AdminHeader, "s3cret")
	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		APIKey string `json:"apiKey"`
		Party  string `json:"party"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, strings.ToLower(party), resp.Party)

	w = do(r, "GET", "/v1/whoami", resp.APIKey, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	bad := do(r, "POST", "/v1/admin/keys", "", IssueKeyRequest{Party: "nope"}, AdminHeader, "s3cret")
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestRequireAdmin_EmptySecretDisables(t *testing.T) {
	r := newRouter(NewManager(NewMemoryStore()), "")
	w := do(r, "POST", "/v1/admin/keys", "", IssueKeyRequest{Party: party}, AdminHeader, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListAndRevokeKeys(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore())
	current, _, err := mgr.GenerateKey(ctx, party, "current")
	require.NoError(t, err)
	_, spare, err := mgr.GenerateKey(ctx, party, "spare")
	require.NoError(t, err)
	r := newRouter(mgr, "")

	w := do(r, "GET", "/v1/keys", current, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)
	assert.NotContains(t, w.Body.String(), "hash")

	currentKey, err := mgr.ValidateKey(ctx, current)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, do(r, "DELETE", "/v1/keys/"+currentKey.ID, current, nil).Code)

	assert.Equal(t, http.StatusOK, do(r, "DELETE", "/v1/keys/"+spare.ID, current, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, "DELETE", "/v1/keys/"+spare.ID, current, nil).Code)
}
