package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"mailflow/backend/internal/service"
)

// APIKeyAuth API Key认证中间件
type APIKeyAuth struct {
	keys         *service.APIKeyService
	bootstrapKey string
}

// NewAPIKeyAuth 创建API Key认证中间件。
// bootstrapKey 来自配置，用于首次部署时存储中还没有任何密钥的场景，留空表示禁用。
func NewAPIKeyAuth(keys *service.APIKeyService, bootstrapKey string) *APIKeyAuth {
	return &APIKeyAuth{
		keys:         keys,
		bootstrapKey: bootstrapKey,
	}
}

// RequireAPIKey 要求请求携带有效的 X-API-Key 头
func (m *APIKeyAuth) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			// 浏览器的 WebSocket 连接无法自定义请求头，允许从查询参数读取
			apiKey = c.Query("apiKey")
		}
		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing API key",
			})
			c.Abort()
			return
		}

		// 引导密钥只做常数时间比较，不查存储
		if m.bootstrapKey != "" &&
			subtle.ConstantTimeCompare([]byte(apiKey), []byte(m.bootstrapKey)) == 1 {
			c.Set("apiKeyName", "bootstrap")
			c.Next()
			return
		}

		// 验证API Key并自动更新最后使用时间
		key, err := m.keys.Verify(apiKey)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid API key",
			})
			c.Abort()
			return
		}

		// 将密钥信息存入上下文
		c.Set("apiKeyID", key.ID)
		c.Set("apiKeyName", key.Name)

		c.Next()
	}
}
