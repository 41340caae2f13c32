package middleware

import (
	"fmt"

	"codesandbox/internal/dispatch/service"
	"codesandbox/internal/sandbox/observer"
	pkgerrors "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/logger"
	"codesandbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimitMiddleware enforces a per-client-IP limit on one route.
// A failing limit store lets requests through; the execution slots still
// bound the load.
func RateLimitMiddleware(limiter service.RateLimiter, routeKey string, metrics observer.MetricsRecorder) gin.HandlerFunc {
	metrics = observer.OrNoop(metrics)
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		key := fmt.Sprintf("sandbox:rate:ip:%s:%s", c.ClientIP(), routeKey)
		err := limiter.Allow(ctx, key)
		switch {
		case err == nil:
			c.Next()
		case pkgerrors.Is(err, pkgerrors.SubmitTooFrequently):
			metrics.ObserveRateLimited(ctx)
			response.AbortWithError(c, err)
		default:
			logger.Warn(ctx, "rate limit check failed, allowing request", zap.String("key", key), zap.Error(err))
			c.Next()
		}
	}
}
