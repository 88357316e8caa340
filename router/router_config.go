package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opentuwa/mediagate/router/middleware"
	"github.com/opentuwa/mediagate/router/tokens"
)

// getConfig tells the client application whether this session may request
// media tokens, and for which types.
func getConfig(s *tokens.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, gin.H{
			"premium":     middleware.ExtractRequestContext(c).Premium,
			"media_types": tokens.ResourceTypes,
			"token_ttl":   int(s.TTL().Seconds()),
		})
	}
}
