package router

import (
	"net/http"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"github.com/opentuwa/mediagate/metrics"
	"github.com/opentuwa/mediagate/remote"
	"github.com/opentuwa/mediagate/router/middleware"
	"github.com/opentuwa/mediagate/router/policy"
	"github.com/opentuwa/mediagate/router/tokens"
)

// mediaRequest is a parsed /media/{type}/{token}/{filename} path.
type mediaRequest struct {
	Type     tokens.ResourceType
	Token    string
	Filename string
}

// parseMediaPath splits the cleaned request path. The token and filename keep
// their case; only the type segment is lower-cased. Empty segments are
// ignored and everything after the token is the filename.
func parseMediaPath(p string) (mediaRequest, bool) {
	var parts []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) < 4 || !strings.EqualFold(parts[0], strings.Trim(policy.TunnelPrefix, "/")) {
		return mediaRequest{}, false
	}
	return mediaRequest{
		Type:     tokens.ResourceType(strings.ToLower(parts[1])),
		Token:    parts[2],
		Filename: strings.Join(parts[3:], "/"),
	}, true
}

// getMedia returns the media tunnel handler. The access policy has already
// checked the session and rejected direct navigations by the time it runs.
// The token is verified, and its nonce consumed, before the origin is ever
// contacted.
func getMedia(v *tokens.Verifier, p *remote.Proxy) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := middleware.ExtractRequestContext(c)
		logger := middleware.ExtractLogger(c)

		req, ok := parseMediaPath(rc.Path)
		if !ok {
			c.Header("Cache-Control", "no-store")
			c.String(http.StatusBadRequest, "Invalid Request")
			return
		}

		if _, err := v.Verify(c.Request.Context(), req.Token, rc.Requester(), req.Type, req.Filename); err != nil {
			var verr *tokens.VerificationError
			if !errors.As(err, &verr) {
				metrics.Verifications.WithLabelValues("error").Inc()
				middleware.NewError(err).Abort(c, http.StatusInternalServerError)
				return
			}
			metrics.Verifications.WithLabelValues(string(verr.Reason)).Inc()
			logger.WithFields(log.Fields{
				"reason": verr.Reason,
				"nonce":  verr.Nonce,
				"ip":     rc.IP,
				"error":  verr.Error(),
			}).Info("tunnel: rejected media token")
			middleware.NewError(err).SetMessage(middleware.MessageForbidden).Abort(c, http.StatusForbidden)
			return
		}
		metrics.Verifications.WithLabelValues("accepted").Inc()

		res, err := p.Open(c.Request.Context(), req.Type, req.Filename)
		if err != nil {
			status := remote.StatusFor(err)
			metrics.UpstreamResponses.WithLabelValues(string(req.Type), outcomeFor(status)).Inc()
			re := middleware.NewError(err)
			if status == http.StatusNotFound {
				re.SetMessage("Media Error")
			}
			re.Abort(c, status)
			return
		}
		metrics.UpstreamResponses.WithLabelValues(string(req.Type), "ok").Inc()

		if n, err := p.Write(c.Writer, res); err != nil {
			logger.WithFields(log.Fields{"error": err, "written": n}).Warn("tunnel: failed while streaming media")
		}
	}
}

func outcomeFor(status int) string {
	if status == http.StatusNotFound {
		return "not_found"
	}
	return "unavailable"
}
