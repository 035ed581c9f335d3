package httpmiddleware

import (
	"github.com/gin-gonic/gin"

	"qrattend/internal/apperr"
	"qrattend/internal/guard"
)

// RateLimit applies a fixed-window limit per source using g. Requests whose
// path is in skip pass through untouched; the check-in route is guarded by
// the engine itself.
func RateLimit(g *guard.Guard, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := skipped[c.FullPath()]; ok {
			c.Next()
			return
		}
		if err := g.Admit(Source(c)); err != nil {
			kind, msg := apperr.Public(err)
			c.AbortWithStatusJSON(kind.HTTPStatus(), gin.H{"error": gin.H{"kind": kind, "message": msg}})
			return
		}
		c.Next()
	}
}
