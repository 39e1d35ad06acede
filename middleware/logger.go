package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"microlearn/utils"

	"github.com/gin-gonic/gin"
)

func Logger(log *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		fields := []interface{}{
			"method", strings.ToUpper(c.Request.Method),
			"path", path,
			"status", status,
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		}
		if id, ok := Identity(c); ok {
			fields = append(fields, "identity", id)
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			log.Error("HTTP request", fields...)
		case status >= 400:
			log.Warn("HTTP request", fields...)
		default:
			log.Info("HTTP request", fields...)
		}
	}
}

// ErrorHandler recovers panics into a 500 JSON response. Panic detail is only exposed in
// development.
func ErrorHandler(log *utils.Logger, development bool) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error("panic recovered", "path", c.Request.URL.Path, "panic", fmt.Sprint(recovered))
		body := gin.H{"error": "An unexpected error occurred. Please try again.", "kind": "internal"}
		if development {
			body["details"] = fmt.Sprint(recovered)
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, body)
	})
}
