package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"clinical-rag-go/pkg/log"
)

// OrgIDKey 是 org 标识在 Gin 上下文中的键名。
const OrgIDKey = "orgID"

// OrgScope 从 X-Org-ID 请求头中提取 org 标识并写入上下文。
// 所有数据访问都以该标识做隔离，缺失时直接拒绝请求。
func OrgScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := c.GetHeader("X-Org-ID")
		if orgID == "" {
			log.Warnf("[Middleware] 请求缺少 X-Org-ID 头, path: %s", c.Request.URL.Path)
			c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 X-Org-ID 请求头"})
			c.Abort()
			return
		}
		c.Set(OrgIDKey, orgID)
		c.Next()
	}
}

// OrgID 从 Gin 上下文中取出 org 标识。
func OrgID(c *gin.Context) string {
	return c.GetString(OrgIDKey)
}
