package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relay/internal/apperror"
	"github.com/relaymesh/relay/internal/logger"
	"github.com/relaymesh/relay/internal/ratelimit"
	"github.com/relaymesh/relay/internal/resilience"
)

// checkTimeout bounds how long a request waits on the limiter before the
// middleware gives up and lets the request through.
const checkTimeout = 3 * time.Second

// Limit is a fixed-window quota for one endpoint.
type Limit struct {
	Requests      int64
	WindowSeconds int64
}

var endpointLimits = map[string]Limit{
	"sessions:create": {Requests: 30, WindowSeconds: 60},
	"sessions:join":   {Requests: 50, WindowSeconds: 60},
	"runs:create":     {Requests: 20, WindowSeconds: 60},
}

var defaultLimit = Limit{Requests: 100, WindowSeconds: 60}

func limitFor(endpoint string) Limit {
	if l, ok := endpointLimits[endpoint]; ok {
		return l
	}
	return defaultLimit
}

// RateLimit enforces the endpoint's quota per calling org.
//
// The limiter is advisory: any limiter failure, including the check timing
// out, fails open and admits the request. Only an explicit deny blocks.
func RateLimit(limiter *ratelimit.Manager, endpoint string) gin.HandlerFunc {
	limit := limitFor(endpoint)
	return func(c *gin.Context) {
		bucket, ok := GetOrgID(c)
		if !ok {
			bucket = c.ClientIP()
		}

		decision, err := resilience.WithTimeout(c.Request.Context(), checkTimeout,
			func(ctx context.Context) (ratelimit.Decision, error) {
				return limiter.Check(ctx, ratelimit.Params{
					Key:           fmt.Sprintf("org:%s:%s", bucket, endpoint),
					Limit:         limit.Requests,
					WindowSeconds: limit.WindowSeconds,
				})
			})
		if err != nil {
			logger.Warnf("[ratelimit] %s check failed for %s, failing open: %v", endpoint, bucket, err)
			c.Next()
			return
		}

		if !decision.Allowed {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.Reset, 10))
			apperror.Abort(c, apperror.New(http.StatusTooManyRequests, apperror.CodeRateLimited, "rate limit exceeded").
				WithDetails(map[string]any{
					"limit": decision.Limit,
					"reset": decision.Reset,
				}))
			return
		}

		c.Next()
	}
}
