package middleware

import (
	"crypto/subtle"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/psiphi75/SwirlVPN/internal/api/response"
)

// InternalTokenAuth guards operator surfaces: metrics scrapes and the
// account API. Loopback callers skip the token.
func InternalTokenAuth(token string) gin.HandlerFunc {
	want := []byte(strings.TrimSpace(token))

	return func(c *gin.Context) {
		if clientIsLoopback(c.ClientIP()) {
			c.Next()
			return
		}

		got := []byte(extractInternalToken(c))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			response.Fail(c, 401, response.ErrUnauthorized, "unauthorized")
			c.Abort()
			return
		}

		c.Next()
	}
}

// Header first, then query param (Prometheus scrape configs can only
// set one or the other), then a bearer token.
func extractInternalToken(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader("X-Internal-Token")); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.Query("internal_token")); v != "" {
		return v
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(auth) >= 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func clientIsLoopback(clientIP string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(clientIP))
	if err != nil {
		return false
	}
	return addr.IsLoopback()
}
