package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opentuwa/mediagate/router/middleware"
	"github.com/opentuwa/mediagate/router/session"
)

// postLogin marks the caller as premium by setting the session cookie. The
// route sits behind the issuer bearer token, so only the identity service
// that authenticated the user can reach it.
func postLogin(m *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := middleware.ExtractRequestContext(c)
		if err := m.Grant(c.Writer, rc.Secure); err != nil {
			middleware.CaptureAndAbort(c, err)
			return
		}
		middleware.ExtractLogger(c).WithField("ip", rc.IP).Info("premium session established")

		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, gin.H{"status": "activated"})
	}
}
