package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		cfg        CORSConfig
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{
			name:       "any origin by default",
			cfg:        DefaultCORSConfig(),
			method:     http.MethodGet,
			origin:     "http://localhost:3000",
			wantStatus: http.StatusOK,
			wantAllow:  "*",
		},
		{
			name:       "preflight",
			cfg:        DefaultCORSConfig(),
			method:     http.MethodOptions,
			origin:     "http://localhost:3000",
			wantStatus: http.StatusNoContent,
			wantAllow:  "*",
		},
		{
			name:       "no origin header",
			cfg:        DefaultCORSConfig(),
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
		},
		{
			name: "listed origin",
			cfg: CORSConfig{
				AllowOrigins: []string{"https://skt.us"},
				AllowMethods: []string{"GET"},
				MaxAge:       time.Hour,
			},
			method:     http.MethodGet,
			origin:     "https://skt.us",
			wantStatus: http.StatusOK,
			wantAllow:  "https://skt.us",
		},
		{
			name: "unlisted origin",
			cfg: CORSConfig{
				AllowOrigins: []string{"https://skt.us"},
				AllowMethods: []string{"GET"},
			},
			method:     http.MethodGet,
			origin:     "https://evil.example",
			wantStatus: http.StatusForbidden,
		},
		{
			name: "origin configured with a path",
			cfg: CORSConfig{
				AllowOrigins: []string{"https://skt.us/dashboard.html"},
				AllowMethods: []string{"GET"},
			},
			method:     http.MethodGet,
			origin:     "https://skt.us",
			wantStatus: http.StatusOK,
			wantAllow:  "https://skt.us",
		},
		{
			name: "skipped path",
			cfg: CORSConfig{
				AllowOrigins: []string{"https://skt.us"},
				AllowMethods: []string{"GET"},
				SkipPaths:    []string{"/test"},
			},
			method:     http.MethodGet,
			origin:     "https://evil.example",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupTestRouter()
			router.Use(CORS(tt.cfg))
			router.GET("/test", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"message": "success"})
			})

			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.method == http.MethodOptions {
				req.Header.Set("Access-Control-Request-Method", http.MethodGet)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestRateLimit(t *testing.T) {
	router := setupTestRouter()
	router.Use(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	hit := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, hit("192.168.1.1"))
	assert.Equal(t, http.StatusOK, hit("192.168.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit("192.168.1.1"))
	assert.Equal(t, http.StatusOK, hit("192.168.1.2"), "clients are limited separately")
}

func TestRateLimitEvictsIdleClients(t *testing.T) {
	now := time.Unix(1000, 0)
	l := newLimiters(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, IdleTTL: time.Minute})
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("b"))
	assert.False(t, l.allow("a"))
	assert.Equal(t, 2, l.size())

	now = now.Add(2 * time.Minute)
	assert.True(t, l.allow("c"))
	assert.Equal(t, 1, l.size())
}

func TestRequestID(t *testing.T) {
	router := setupTestRouter()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
		rid := w.Header().Get(RequestIDHeader)
		_, err := uuid.Parse(rid)
		require.NoError(t, err)
		assert.Equal(t, rid, w.Body.String())
	})

	t.Run("propagated", func(t *testing.T) {
		sent := uuid.NewString()
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(RequestIDHeader, sent)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, sent, w.Header().Get(RequestIDHeader))
	})

	t.Run("garbage replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(RequestIDHeader, "<script>")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.NotEqual(t, "<script>", w.Header().Get(RequestIDHeader))
	})
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	router := setupTestRouter()
	router.Use(RequestID(), AccessLog(zap.New(core)))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "Request served", entries[0].Message)
	assert.Equal(t, "Request rejected", entries[1].Message)
	assert.NotEmpty(t, entries[1].ContextMap()["request_id"])
}

func TestDashboardOnly(t *testing.T) {
	router := setupTestRouter()
	router.Use(DashboardOnly([]string{"https://skt.us", "http://kernel.skynet/dashboard.html"}))
	router.POST("/session/logout", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	tests := []struct {
		name   string
		origin string
		want   int
	}{
		{"dashboard", "https://skt.us", http.StatusNoContent},
		{"configured with a path", "http://kernel.skynet", http.StatusNoContent},
		{"other scheme", "http://skt.us", http.StatusForbidden},
		{"other page", "https://evil.example", http.StatusForbidden},
		{"no origin", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/session/logout", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	assert.Equal(t, 100, cfg.RequestsPerSecond)
	assert.Equal(t, 200, cfg.Burst)
	assert.Equal(t, 10*time.Minute, cfg.IdleTTL)
}

func BenchmarkRateLimit(b *testing.B) {
	router := setupTestRouter()
	router.Use(RateLimit(DefaultRateLimitConfig()))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "192.168.1.1:1234"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}
