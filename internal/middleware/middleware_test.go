package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemed/internal/config"
	"telemed/internal/metrics"
	"telemed/internal/models"
	"telemed/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newIdentity() *services.JWTIdentityProvider {
	return services.NewJWTIdentityProvider("mw-secret", "telemed", time.Hour, time.Hour, nil)
}

func perform(r http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	identity := newIdentity()
	r := gin.New()
	r.GET("/me", AuthMiddleware(identity), func(c *gin.Context) {
		id, ok := CurrentIdentity(c)
		require.True(t, ok)
		roles, _ := c.Get(ContextRoles)
		c.JSON(http.StatusOK, gin.H{"user_id": CurrentUserID(c), "role": id.Role, "roles": roles})
	})

	w := perform(r, http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Unauthorized","message":"missing bearer token"}`, w.Body.String())

	w = perform(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok, err := identity.IssueAccessToken(context.Background(), "doctor-2", models.RoleDoctor)
	require.NoError(t, err)
	w = perform(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "doctor-2", body["user_id"])
	assert.Equal(t, "doctor", body["role"])
	assert.Equal(t, []interface{}{"doctor"}, body["roles"])
}

func TestAuthMiddleware_RevokedToken(t *testing.T) {
	identity := newIdentity()
	r := gin.New()
	r.GET("/me", AuthMiddleware(identity), func(c *gin.Context) { c.Status(http.StatusOK) })

	tok, err := identity.IssueAccessToken(context.Background(), "patient-1", models.RolePatient)
	require.NoError(t, err)
	id, err := identity.Authenticate(context.Background(), tok)
	require.NoError(t, err)
	require.NoError(t, identity.Revoke(context.Background(), id))

	w := perform(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + tok})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRolesAny(t *testing.T) {
	identity := newIdentity()
	r := gin.New()
	r.POST("/availability", AuthMiddleware(identity), RequireRolesAny(models.RoleDoctor), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	patient, _ := identity.IssueAccessToken(context.Background(), "patient-1", models.RolePatient)
	doctor, _ := identity.IssueAccessToken(context.Background(), "doctor-2", models.RoleDoctor)

	w := perform(r, http.MethodPost, "/availability", map[string]string{"Authorization": "Bearer " + patient})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient role")

	w = perform(r, http.MethodPost, "/availability", map[string]string{"Authorization": "Bearer " + doctor})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	r := gin.New()
	r.Use(RateLimitMiddleware(config.RateLimitingConfig{Enabled: false}))
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 100; i++ {
		w := perform(r, http.MethodGet, "/test", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}
}

func TestRateLimitMiddleware_GlobalAndPath(t *testing.T) {
	metrics.Reset()
	r := gin.New()
	r.Use(RateLimitMiddleware(config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		Burst:             3,
		Paths: []config.PathLimitConfig{
			{Enabled: true, Prefix: "/api/login", RequestsPerMinute: 1, Burst: 1},
		},
	}))
	r.POST("/api/login", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/doctors", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, perform(r, http.MethodPost, "/api/login", nil).Code)
	w := perform(r, http.MethodPost, "/api/login", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Too Many Requests")

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, perform(r, http.MethodGet, "/api/doctors", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, perform(r, http.MethodGet, "/api/doctors", nil).Code)

	total, by := metrics.RateLimitSnapshot()
	assert.Equal(t, uint64(2), total)
	assert.Equal(t, uint64(1), by["/api/login"])
	assert.Equal(t, uint64(1), by["global"])
}

func TestRateLimitMiddleware_Whitelist(t *testing.T) {
	r := gin.New()
	r.Use(RateLimitMiddleware(config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		Burst:             1,
		WhitelistIPs:      []string{"192.0.2.1"},
	}))
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	// httptest.NewRequest 的 RemoteAddr 为 192.0.2.1:1234
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, perform(r, http.MethodGet, "/test", nil).Code)
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	b := newBucket(60, 1)
	assert.True(t, b.allow())
	assert.False(t, b.allow())
	b.lastRefill = b.lastRefill.Add(-2 * time.Second)
	assert.True(t, b.allow())
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := perform(r, http.MethodOptions, "/x", map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST", w.Header().Get("Access-Control-Allow-Methods"))

	w = perform(r, http.MethodGet, "/x", map[string]string{"Origin": "https://evil.example.com"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
