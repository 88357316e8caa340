package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/opentuwa/mediagate/loggers/cli"
	"github.com/opentuwa/mediagate/metrics"
	"github.com/opentuwa/mediagate/router/policy"
	"github.com/opentuwa/mediagate/router/session"
)

// OverrideParameter is the query parameter carrying the operator override key.
const OverrideParameter = "debug_key"

// AttachRequestID attaches a unique ID to the incoming HTTP request so that any
// errors that are generated or returned to the client will include this reference
// allowing for an easier time identifying the specific request that failed.
func AttachRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set("request_id", id)
		c.Set("logger", log.WithField("request_id", id))
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// RequestLogger writes one debug line per completed request through apex/log
// instead of gin's default writer.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ExtractLogger(c).WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     RedactPath(c.Request.URL.Path),
			"status":   c.Writer.Status(),
			"ip":       c.ClientIP(),
			"duration": time.Since(start).String(),
		}).Debug("http: handled request")
	}
}

// RedactPath returns the cleaned request path for logging. Under the media
// tunnel the token segment is shortened, since an unconsumed token is still a
// working capability.
func RedactPath(p string) string {
	p = policy.CleanPath(p)
	parts := strings.SplitN(p, "/", 5)
	if len(parts) < 4 || !strings.EqualFold("/"+parts[1]+"/", policy.TunnelPrefix) {
		return p
	}
	parts[3] = cli.Redact(parts[3])
	return strings.Join(parts, "/")
}

// AttachRequestContext builds the policy.RequestContext for the request and
// stores it on the gin context. A valid session cookie makes the request
// premium, as does the operator override key when one is configured; in the
// latter case a session cookie is granted on the response.
func AttachRequestContext(m *session.Manager, overrideKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := policy.NewRequestContext(
			c.ClientIP(),
			c.Request.UserAgent(),
			c.Request.URL.Path,
			m.Premium(c.Request),
			c.GetHeader("Sec-Fetch-Dest") == "document",
		)
		rc.Secure = isSecure(c.Request)
		if !rc.Premium && overrideKey != "" {
			if v := c.Query(OverrideParameter); v != "" && subtle.ConstantTimeCompare([]byte(v), []byte(overrideKey)) == 1 {
				rc.Premium = true
				rc.Override = true
				if err := m.Grant(c.Writer, rc.Secure); err != nil {
					ExtractLogger(c).WithField("error", err).Warn("failed to grant session through override")
				} else {
					ExtractLogger(c).WithField("ip", rc.IP).Info("premium session granted through operator override")
				}
			}
		}
		c.Set("request_context", rc)
		c.Next()
	}
}

// PolicyHandlers are the handlers the policy gate delegates to.
type PolicyHandlers struct {
	// Tunnel serves requests under the media tunnel prefix.
	Tunnel gin.HandlerFunc
	// Entry serves the named entry document.
	Entry func(c *gin.Context, document string)
}

// EnforcePolicy evaluates the access policy for every request before any
// route is matched. Rejections are answered here and never reach a route.
func EnforcePolicy(g *policy.Gate, h PolicyHandlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := ExtractRequestContext(c)
		d := g.Evaluate(rc)
		metrics.PolicyDecisions.WithLabelValues(d.Rule).Inc()

		switch d.Action {
		case policy.Pass:
			c.Next()
		case policy.Tunnel:
			h.Tunnel(c)
			c.Abort()
		case policy.Entry:
			h.Entry(c, d.Target)
			c.Abort()
		case policy.Redirect:
			c.Redirect(http.StatusFound, d.Target)
			c.Abort()
		case policy.Forbidden:
			ExtractLogger(c).WithField("rule", d.Rule).Debug("policy: request forbidden")
			c.Header("Cache-Control", "no-store")
			c.Abort()
			c.String(http.StatusForbidden, MessageForbidden)
		default:
			c.Header("Cache-Control", "no-store")
			c.Abort()
			c.String(http.StatusNotFound, MessageNotFound)
		}
	}
}

// RequireBearer rejects requests that do not carry the given bearer token.
// When the token is empty the protected routes do not exist at all.
func RequireBearer(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Header("Cache-Control", "no-store")
			c.Abort()
			c.String(http.StatusNotFound, MessageNotFound)
			return
		}
		// We don't put this value outside this function since the token can change
		// between requests.
		auth := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(auth) != 2 || auth[0] != "Bearer" {
			c.Header("WWW-Authenticate", "Bearer")
			c.Abort()
			c.String(http.StatusUnauthorized, MessageUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(auth[1]), []byte(token)) != 1 {
			c.Abort()
			c.String(http.StatusForbidden, MessageForbidden)
			return
		}
		c.Next()
	}
}

// ThrottleIssuance limits how many tokens a single client address may request.
// Limiters are kept per IP and forgotten once unused for ten minutes.
func ThrottleIssuance(r rate.Limit, burst int) gin.HandlerFunc {
	limiters := cache.New(10*time.Minute, 15*time.Minute)
	return func(c *gin.Context) {
		if r <= 0 {
			c.Next()
			return
		}
		ip := ExtractRequestContext(c).IP
		var l *rate.Limiter
		if v, ok := limiters.Get(ip); ok {
			l = v.(*rate.Limiter)
		} else {
			l = rate.NewLimiter(r, burst)
			// Another request may have raced us; prefer whichever limiter was stored first.
			if err := limiters.Add(ip, l, cache.DefaultExpiration); err != nil {
				if v, ok := limiters.Get(ip); ok {
					l = v.(*rate.Limiter)
				}
			}
		}
		limiters.SetDefault(ip, l)
		if !l.Allow() {
			c.Header("Retry-After", "1")
			c.Header("Cache-Control", "no-store")
			c.Abort()
			c.String(http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		c.Next()
	}
}

// CaptureAndAbort aborts the request and attaches the provided error to the gin
// context, so it can be reported properly. If the error is missing a stacktrace
// at the time it is called the stack will be attached.
func CaptureAndAbort(c *gin.Context, err error) {
	c.Abort()
	c.Error(errors.WithStackDepthIf(err, 1))
}

// CaptureErrors is custom handler function allowing for errors bubbled up by
// c.Error() to be returned with one of the fixed response bodies while the
// real cause is logged against the request ID.
func CaptureErrors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		err := c.Errors.Last()
		if err == nil || err.Err == nil {
			return
		}

		status := http.StatusInternalServerError
		var re *RequestError
		if errors.As(err.Err, &re) {
			re.Abort(c, re.Status())
			return
		}
		if c.Writer.Status() != http.StatusOK {
			status = c.Writer.Status()
		}
		NewError(err.Err).Abort(c, status)
	}
}

// ExtractLogger pulls the logger out of the request context and returns it. By
// default this will include the request ID, but may also contain other
// information depending on the middleware that has been run.
func ExtractLogger(c *gin.Context) *log.Entry {
	v, ok := c.Get("logger")
	if !ok {
		panic("middleware/middleware: cannot extract logger: not present in request context")
	}
	return v.(*log.Entry)
}

// ExtractRequestContext returns the policy.RequestContext built by
// AttachRequestContext.
func ExtractRequestContext(c *gin.Context) *policy.RequestContext {
	v, ok := c.Get("request_context")
	if !ok {
		panic("middleware/middleware: cannot extract request context: not present in request context")
	}
	return v.(*policy.RequestContext)
}

func isSecure(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
