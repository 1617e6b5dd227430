package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const checkTimeout = 5 * time.Second

// GinHandler serves the report; unhealthy maps to 503.
func (c *Checker) GinHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		checkCtx, cancel := context.WithTimeout(ctx.Request.Context(), checkTimeout)
		defer cancel()

		report := c.Check(checkCtx)
		code := http.StatusOK
		if report.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		ctx.JSON(code, report)
	}
}

// RegisterRoutes mounts /health (dependency checks) and /health/live (process only).
func RegisterRoutes(router gin.IRoutes, checker *Checker) {
	router.GET("/health", checker.GinHandler())
	router.GET("/health/live", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
}
