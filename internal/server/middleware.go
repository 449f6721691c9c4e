package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/InRunning/click-translate/internal/observability/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxRequestIDLength = 128

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

func metricsMiddleware(collectors *metrics.Metrics, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		duration := time.Since(start)
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		status := c.Writer.Status()

		collectors.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
		collectors.HTTPRequestDurationSeconds.WithLabelValues(method, path).Observe(duration.Seconds())

		logger.Debug("request completed",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
		)
	}
}
