package middleware

import (
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/skykernel/internal/shared/origin"
)

// CORSConfig defines CORS configuration options.
type CORSConfig struct {
	// AllowOrigins lists permitted origins. Empty or "*" allows any origin
	// without credentials.
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	AllowCredentials bool
	MaxAge           time.Duration

	// SkipPaths are served without CORS handling. The kernel WebSocket
	// endpoint is listed here because it takes calls from any page and
	// applies its own origin policy.
	SkipPaths []string
}

// DefaultCORSConfig returns the operator surface's CORS configuration.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Content-Type",
			"Content-Length",
			"Accept",
			"Origin",
			"Cache-Control",
			RequestIDHeader,
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
}

// CORS creates a CORS middleware with the provided configuration.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:  cfg.AllowMethods,
		AllowHeaders:  cfg.AllowHeaders,
		ExposeHeaders: []string{RequestIDHeader},
		MaxAge:        cfg.MaxAge,
	}
	if len(cfg.AllowOrigins) == 0 || slices.Contains(cfg.AllowOrigins, "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origin.NormalizeAll(cfg.AllowOrigins)
		c.AllowCredentials = cfg.AllowCredentials
	}
	handler := cors.New(c)
	if len(cfg.SkipPaths) == 0 {
		return handler
	}

	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}
	return func(ctx *gin.Context) {
		if _, ok := skip[ctx.Request.URL.Path]; ok {
			ctx.Next()
			return
		}
		handler(ctx)
	}
}
