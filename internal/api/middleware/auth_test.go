package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newEngine(h ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(h...)
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := AuthConfig{Enabled: true, APIKeys: []string{"secret-key-0001"}}
	tests := []struct {
		name   string
		cfg    AuthConfig
		header map[string]string
		query  string
		want   int
	}{
		{"未启用直接放行", AuthConfig{}, nil, "", http.StatusOK},
		{"缺少Key", cfg, nil, "", http.StatusUnauthorized},
		{"X-API-Key有效", cfg, map[string]string{"X-API-Key": "secret-key-0001"}, "", http.StatusOK},
		{"Bearer有效", cfg, map[string]string{"Authorization": "Bearer secret-key-0001"}, "", http.StatusOK},
		{"Query有效", cfg, nil, "?api_key=secret-key-0001", http.StatusOK},
		{"Key无效", cfg, map[string]string{"X-API-Key": "nope"}, "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newEngine(APIKeyAuth(tt.cfg, zap.NewNop()))
			req := httptest.NewRequest(http.MethodGet, "/x"+tt.query, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", maskAPIKey("short"))
	assert.Equal(t, "abcd****6789", maskAPIKey("abcdef0123456789"))
}

func TestRateLimit(t *testing.T) {
	r := newEngine(RateLimit(RateLimitConfig{Enabled: true, RequestsPerMin: 1, BurstSize: 2}))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCORS_Preflight(t *testing.T) {
	r := newEngine(CORS())
	r.OPTIONS("/x", func(c *gin.Context) {})
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/x", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
