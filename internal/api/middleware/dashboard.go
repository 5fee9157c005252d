package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/skykernel/internal/shared/origin"
)

// DashboardOnly admits requests whose Origin is one of the dashboard
// origins, compared as scheme://host. Everything else gets 403, including
// requests with no Origin.
func DashboardOnly(origins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !origin.Allowed(origins, c.GetHeader("Origin")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "this page is not allowed to call the restricted endpoint",
			})
			return
		}
		c.Next()
	}
}
