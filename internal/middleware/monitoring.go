package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"relaymail/backend/internal/monitoring"
)

// HTTPMetrics 记录请求计数与耗时，endpoint 使用路由模板避免高基数
func HTTPMetrics(metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
