package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mailflow/backend/internal/monitoring"
)

// HTTPMetrics HTTP 指标中间件
func HTTPMetrics(metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// 处理请求
		c.Next()

		// 记录指标
		duration := time.Since(start)
		statusCode := strconv.Itoa(c.Writer.Status())

		metrics.RecordHTTPRequest(
			c.Request.Method,
			c.FullPath(),
			statusCode,
			duration,
		)

		// 记录错误
		if c.Writer.Status() >= 400 {
			metrics.RecordError("http_error", "http")
		}
	}
}
