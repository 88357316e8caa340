package policy

import (
	"path"
	"strings"

	"github.com/opentuwa/mediagate/router/tokens"
)

// RequestContext is everything the access policy, the token signer and the
// token verifier need to know about a request. It is built once when the
// request enters the router and passed explicitly from there on.
type RequestContext struct {
	// IP is the client address as resolved through the trusted proxy chain.
	IP string
	// UserAgent is the raw User-Agent header.
	UserAgent string
	// UAHash is the truncated fingerprint of UserAgent.
	UAHash string
	// Premium is true when the request carries a valid session cookie or the
	// operator override.
	Premium bool
	// Override is true when Premium was granted through the operator override
	// on this request, in which case the response sets the session cookie.
	Override bool
	// DirectNavigation is true for top-level page loads (Sec-Fetch-Dest:
	// document) as opposed to subresource fetches.
	DirectNavigation bool
	// Path is the request path with dot segments and repeated slashes
	// resolved. Rules compare its lower-cased form and static files are served
	// from it, so both always see the same path.
	Path string
	// Secure is true when the request reached us over TLS, directly or
	// through a proxy that says so.
	Secure bool
}

// NewRequestContext builds a RequestContext, derives the user agent
// fingerprint and cleans the path.
func NewRequestContext(ip, userAgent, p string, premium, directNavigation bool) *RequestContext {
	return &RequestContext{
		IP:               ip,
		UserAgent:        userAgent,
		UAHash:           tokens.HashUserAgent(userAgent),
		Premium:          premium,
		DirectNavigation: directNavigation,
		Path:             CleanPath(p),
	}
}

// CleanPath resolves dot segments and repeated slashes in a request path. A
// trailing slash is kept.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	cp := path.Clean("/" + p)
	if cp != "/" && strings.HasSuffix(p, "/") {
		cp += "/"
	}
	return cp
}

// Requester returns the token binding for this request.
func (rc *RequestContext) Requester() tokens.Requester {
	return tokens.Requester{IP: rc.IP, UAHash: rc.UAHash}
}

// LowerPath returns the lower-cased request path.
func (rc *RequestContext) LowerPath() string {
	return strings.ToLower(rc.Path)
}
