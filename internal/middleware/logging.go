package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"clinical-rag-go/pkg/log"
)

// RequestLogger 记录每个 HTTP 请求的方法、路径、状态码和耗时。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infow("HTTP 请求",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"clientIP", c.ClientIP(),
		)
	}
}
