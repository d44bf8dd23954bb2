package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/nodeflow/nodeflow/config"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func get(r *gin.Engine, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestSecretKeyAuthMiddleware(t *testing.T) {
	config.MockConfig(&config.Configuration{Server: config.ServerConfig{Secure: true, SecretKey: "s3cret"}})
	r := newRouter(SecretKeyAuthMiddleware())

	tests := []struct {
		name   string
		header map[string]string
		code   int
	}{
		{name: "Valid key", header: map[string]string{SecretKeyHeader: "s3cret"}, code: http.StatusOK},
		{name: "Missing key", code: http.StatusUnauthorized},
		{name: "Wrong key", header: map[string]string{SecretKeyHeader: "guess"}, code: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, get(r, tt.header).Code)
		})
	}
}

func TestSecretKeyAuthMiddleware_NoKeyConfigured(t *testing.T) {
	config.MockConfig(&config.Configuration{Server: config.ServerConfig{Secure: true}})
	r := newRouter(SecretKeyAuthMiddleware())

	resp := get(r, map[string]string{SecretKeyHeader: "anything"})
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	rps, burst := 1.0, 1
	r := newRouter(RateLimitMiddleware(&config.Configuration{
		RateLimit: config.RateLimitConfig{RequestsPerSecond: &rps, Burst: &burst},
	}))

	assert.Equal(t, http.StatusOK, get(r, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, nil).Code)
}

func TestRateLimitMiddleware_DisabledByDefault(t *testing.T) {
	r := newRouter(RateLimitMiddleware(&config.Configuration{}))
	for i := 0; i < 20; i++ {
		assert.Equal(t, http.StatusOK, get(r, nil).Code)
	}
}
