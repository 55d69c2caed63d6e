package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relay/internal/apperror"
)

// orgIDHeader carries the caller's tenant id for rate-limit bucketing.
const orgIDHeader = "X-Org-ID"

// ServiceAuth validates the static service bearer token on REST requests.
// The websocket handshake has its own token scheme and does not use this.
func ServiceAuth(apiToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			apperror.Abort(c, apperror.New(http.StatusUnauthorized, apperror.CodeUnauthorized, "missing authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			apperror.Abort(c, apperror.New(http.StatusUnauthorized, apperror.CodeUnauthorized, "invalid authorization header format"))
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(apiToken)) != 1 {
			apperror.Abort(c, apperror.New(http.StatusUnauthorized, apperror.CodeUnauthorized, "invalid token"))
			return
		}

		if org := c.GetHeader(orgIDHeader); org != "" {
			c.Set("orgID", org)
		}

		c.Next()
	}
}

// GetOrgID extracts the caller's org id from the Gin context.
func GetOrgID(c *gin.Context) (string, bool) {
	org, exists := c.Get("orgID")
	if !exists {
		return "", false
	}
	return org.(string), true
}
