package app

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Meesho/BharatMLStack/control-plane/internal/api"
	"github.com/Meesho/BharatMLStack/control-plane/pkg/metric"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const requestIDHeader = "X-Request-ID"

var requestSeq uint64

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = fmt.Sprintf("req-%d-%d", time.Now().UnixNano(), atomic.AddUint64(&requestSeq, 1))
		}
		c.Header(requestIDHeader, requestID)
		c.Request = c.Request.WithContext(api.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// httpLogger records the access log line and the request count/latency metrics.
func httpLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)

		statusCode := c.Writer.Status()
		metric.ObserveAPIRequest(metric.APIRequest{
			Route:    c.FullPath(),
			Method:   c.Request.Method,
			Status:   statusCode,
			Replayed: c.Writer.Header().Get(api.ReplayedHeader) == "true",
			Latency:  latency,
		})
		log.Info().Msgf("[access] [%s] %s %s %d %v", c.ClientIP(), c.Request.Method, c.Request.URL.Path, statusCode, latency)
	}
}

func httpRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).Msg("recovered from panic in handler")
		c.AbortWithStatusJSON(http.StatusInternalServerError, api.ErrorResponse{Error: "internal error"})
	})
}
