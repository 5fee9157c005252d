package http

import (
	"github.com/gin-gonic/gin"
)

// Register mounts the handlers on r. restricted guards the session and
// override endpoints.
func (h *Handlers) Register(r gin.IRouter, restricted gin.HandlerFunc) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/version", h.Version)
	r.GET("/stats", h.Stats)
	r.GET("/errors", h.Errors)

	r.GET("/content/:address", h.GetContent)

	dash := r.Group("/", restricted)
	dash.POST("/session/login", h.Login)
	dash.POST("/session/logout", h.Logout)
	dash.GET("/overrides", h.Overrides)
	dash.POST("/content", h.AddContent)

	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
}
