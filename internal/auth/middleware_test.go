package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest(t *testing.T) (*Manager, string) {
	t.Helper()
	mgr := NewManager(NewMemoryStore())
	rawKey, _, err := mgr.GenerateKey(context.Background(), "0xPartyABC", "test-key")
	require.NoError(t, err)
	return mgr, rawKey
}

func TestMiddleware_ValidKey_SetsContext(t *testing.T) {
	mgr, rawKey := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer "+rawKey)

	Middleware(mgr)(c)

	assert.Equal(t, "0xpartyabc", GetAuthenticatedParty(c))
	key, ok := GetAPIKey(c)
	require.True(t, ok)
	assert.Equal(t, "test-key", key.Name)
}

func TestMiddleware_ValidKeyViaXAPIKey(t *testing.T) {
	mgr, rawKey := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("X-API-Key", rawKey)

	Middleware(mgr)(c)

	assert.Equal(t, "0xpartyabc", GetAuthenticatedParty(c))
}

func TestMiddleware_InvalidKey_DoesNotAbort(t *testing.T) {
	mgr, _ := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "sk_invalidkey000000000000000000000000000000000000000000000000000000")

	Middleware(mgr)(c)

	assert.False(t, c.IsAborted())
	assert.Empty(t, GetAuthenticatedParty(c))
}

func TestRequireAuth(t *testing.T) {
	mgr, rawKey := setupMiddlewareTest(t)

	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/private", RequireAuth(), func(c *gin.Context) {
		c.String(http.StatusOK, GetAuthenticatedParty(c))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/private", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("GET", "/private", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0xpartyabc", w.Body.String())
}

func TestRequireOwnership(t *testing.T) {
	mgr, rawKey := setupMiddlewareTest(t)

	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/parties/:address", RequireOwnership("address"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name   string
		path   string
		auth   bool
		status int
	}{
		{"owner", "/parties/0xPARTYABC", true, http.StatusOK},
		{"other party", "/parties/0xother", true, http.StatusForbidden},
		{"anonymous", "/parties/0xpartyabc", false, http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			if tc.auth {
				req.Header.Set("Authorization", rawKey)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}
