package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"emperror.dev/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/opentuwa/mediagate/router/policy"
)

func createTestEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.Use(AttachRequestID(), CaptureErrors(), func(c *gin.Context) {
		c.Set("request_context", policy.NewRequestContext(c.ClientIP(), c.Request.UserAgent(), c.Request.URL.Path, true, false))
		c.Next()
	})
	e.Use(handlers...)
	e.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	e.GET("/fail", func(c *gin.Context) {
		CaptureAndAbort(c, errors.New("database is on fire"))
	})
	e.GET("/gone", func(c *gin.Context) {
		c.Error(NewError(errors.New("missing")).SetStatus(http.StatusNotFound))
	})
	return e
}

func serve(e *gin.Engine, target string, headers ...string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, r)
	return rec
}

func TestCaptureErrors(t *testing.T) {
	e := createTestEngine()

	rec := serve(e, "/fail")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, MessageInternal, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = serve(e, "/gone")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, MessageNotFound, rec.Body.String())
}

func TestRequireBearer(t *testing.T) {
	t.Run("hides the route when no token is configured", func(t *testing.T) {
		rec := serve(createTestEngine(RequireBearer("")), "/", "Authorization", "Bearer ")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("checks the presented token", func(t *testing.T) {
		e := createTestEngine(RequireBearer("secret"))

		assert.Equal(t, http.StatusUnauthorized, serve(e, "/").Code)
		assert.Equal(t, http.StatusUnauthorized, serve(e, "/", "Authorization", "Basic c2VjcmV0").Code)
		assert.Equal(t, http.StatusForbidden, serve(e, "/", "Authorization", "Bearer secreT").Code)
		assert.Equal(t, http.StatusOK, serve(e, "/", "Authorization", "Bearer secret").Code)
	})
}

func TestThrottleIssuance(t *testing.T) {
	e := createTestEngine(ThrottleIssuance(1, 2))

	assert.Equal(t, http.StatusOK, serve(e, "/").Code)
	assert.Equal(t, http.StatusOK, serve(e, "/").Code)
	rec := serve(e, "/")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	unlimited := createTestEngine(ThrottleIssuance(0, 0))
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, serve(unlimited, "/").Code)
	}
}

func TestEnforcePolicy(t *testing.T) {
	gate := policy.NewGate(policy.Tables{PremiumDocument: "app.html", GuestDocument: "landing.html"})
	var tunneled, entry string
	e := createTestEngine(EnforcePolicy(gate, PolicyHandlers{
		Tunnel: func(c *gin.Context) {
			tunneled = c.Request.URL.Path
			c.Status(http.StatusNoContent)
		},
		Entry: func(c *gin.Context, document string) {
			entry = document
			c.Status(http.StatusNoContent)
		},
	}))

	rec := serve(e, "/media/audio/t/f.mp3", "Sec-Fetch-Dest", "document")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, MessageForbidden, rec.Body.String())
	assert.Empty(t, tunneled)

	serve(e, "/media/audio/t/f.mp3")
	assert.Equal(t, "/media/audio/t/f.mp3", tunneled)

	serve(e, "/")
	assert.Equal(t, "app.html", entry)

	rec = serve(e, "/app.html")
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestRedactPath(t *testing.T) {
	token := "eyJ0eXBlIjoiYXVkaW8ifQ.c2lnbmF0dXJl"

	t.Run("shortens the tunnel token", func(t *testing.T) {
		p := RedactPath("/media/audio/" + token + "/001001.mp3")
		assert.NotContains(t, p, token)
		assert.Equal(t, "/media/audio/eyJ0eXBl…[redacted]/001001.mp3", p)

		p = RedactPath("/MEDIA//audio/" + token)
		assert.NotContains(t, p, token)
	})

	t.Run("shortens tokens reached through dot segments", func(t *testing.T) {
		p := RedactPath("/dist/../media/audio/" + token + "/x.mp3")
		assert.NotContains(t, p, token)
		assert.Equal(t, "/media/audio/eyJ0eXBl…[redacted]/x.mp3", p)
	})

	t.Run("leaves other paths alone", func(t *testing.T) {
		assert.Equal(t, "/src/app.js", RedactPath("/src/app.js"))
		assert.Equal(t, "/media/audio", RedactPath("/media/audio"))
		assert.Equal(t, "/", RedactPath(""))
	})
}
