package router

import (
	"net/http"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/opentuwa/mediagate/config"
	"github.com/opentuwa/mediagate/remote"
	"github.com/opentuwa/mediagate/router/middleware"
	"github.com/opentuwa/mediagate/router/policy"
	"github.com/opentuwa/mediagate/router/session"
	"github.com/opentuwa/mediagate/router/tokens"
)

// Services are the long lived collaborators the routes are built around.
type Services struct {
	Signer   *tokens.Signer
	Verifier *tokens.Verifier
	Proxy    *remote.Proxy
	Sessions *session.Manager
	Gate     *policy.Gate
}

// Configure configures the routing infrastructure for this instance. Every
// request passes the access policy before any route is matched, so the
// routes registered below only ever see requests the policy let through.
func Configure(s Services) *gin.Engine {
	cfg := config.Get()

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(cfg.Api.TrustedProxies); err != nil {
		log.WithField("error", err).Error("router: failed to configure trusted proxies")
	}
	router.RemoteIPHeaders = cfg.Api.RemoteIPHeaders
	router.Use(middleware.AttachRequestID(), middleware.RequestLogger(), middleware.CaptureErrors())
	router.Use(middleware.AttachRequestContext(s.Sessions, cfg.Session.DebugOverrideKey))

	assets := newAssetHandler(cfg.System.PublicDirectory)
	router.Use(middleware.EnforcePolicy(s.Gate, middleware.PolicyHandlers{
		Tunnel: getMedia(s.Verifier, s.Proxy),
		Entry:  assets.serveEntry,
	}))

	router.NoRoute(assets.serve)
	router.NoMethod(func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.String(http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	api := router.Group("/api")
	{
		api.GET("/config", getConfig(s.Signer))
		api.POST("/media-token", middleware.ThrottleIssuance(rate.Limit(cfg.Tokens.IssueRate), cfg.Tokens.IssueBurst), postMediaToken(s.Signer))
	}

	// Session establishment is only reachable by the identity service holding the
	// issuer token.
	login := router.Group("/", middleware.RequireBearer(cfg.Session.IssuerToken))
	{
		login.POST("/login", postLogin(s.Sessions))
		login.POST("/login-google", postLogin(s.Sessions))
	}

	return router
}
