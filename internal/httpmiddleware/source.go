package httpmiddleware

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	sourceKey      = "source"
	fallbackSource = "127.0.0.1"
)

// ClientSource resolves the network source of each request and stores it
// on the context. With trustProxy the first X-Forwarded-For hop wins;
// otherwise the peer address is used.
func ClientSource(trustProxy bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(sourceKey, resolveSource(c, trustProxy))
		c.Next()
	}
}

// Source returns the address resolved by ClientSource.
func Source(c *gin.Context) string {
	if v, ok := c.Get(sourceKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return resolveSource(c, false)
}

func resolveSource(c *gin.Context, trustProxy bool) string {
	if trustProxy {
		if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	addr := c.Request.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if addr == "" {
		return fallbackSource
	}
	return addr
}
