package middleware

import (
	"crypto/subtle"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
)

// GatewayAuth protects the gateway-facing boundary with a shared
// secret header and a source allowlist. Failures are a silent drop: a
// bare 401 with no body, so a probe learns nothing about which check
// tripped or whether the endpoint is live at all.
func GatewayAuth(sharedKey string, allowedCIDRs []string) gin.HandlerFunc {
	expected := strings.TrimSpace(sharedKey)

	prefixes := make([]netip.Prefix, 0, len(allowedCIDRs))
	for _, raw := range allowedCIDRs {
		cidr := strings.TrimSpace(raw)
		if cidr == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(cidr); err == nil {
			prefixes = append(prefixes, prefix)
			continue
		}
		// Bare addresses are accepted as /32 (or /128).
		if addr, err := netip.ParseAddr(cidr); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}

	return func(c *gin.Context) {
		if !sourceAllowed(c.ClientIP(), prefixes) {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		provided := strings.TrimSpace(c.GetHeader("X-Gateway-Key"))
		if expected == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		c.Next()
	}
}

func sourceAllowed(clientIP string, prefixes []netip.Prefix) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(clientIP))
	if err != nil {
		return false
	}
	if addr.IsLoopback() {
		return true
	}
	for _, prefix := range prefixes {
		if prefix.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}
