package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/opentuwa/mediagate/metrics"
	"github.com/opentuwa/mediagate/router/middleware"
	"github.com/opentuwa/mediagate/router/tokens"
)

type mediaTokenRequest struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// postMediaToken issues a capability token bound to the calling client for a
// single resource.
func postMediaToken(s *tokens.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")

		var data mediaTokenRequest
		if err := json.NewDecoder(c.Request.Body).Decode(&data); err != nil {
			c.String(http.StatusBadRequest, middleware.MessageBadRequest)
			return
		}

		rc := middleware.ExtractRequestContext(c)
		if !rc.Premium {
			c.String(http.StatusUnauthorized, middleware.MessageUnauthorized)
			return
		}

		t, ok := tokens.ParseResourceType(data.Type)
		if !ok || data.Filename == "" {
			c.String(http.StatusBadRequest, "Invalid Params")
			return
		}

		token, err := s.Issue(t, data.Filename, rc.Requester())
		if err != nil {
			middleware.CaptureAndAbort(c, err)
			return
		}
		metrics.TokensIssued.WithLabelValues(string(t)).Inc()
		middleware.ExtractLogger(c).WithField("type", t).WithField("filename", data.Filename).Debug("issued media token")

		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}
