package remote

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/juju/ratelimit"

	"github.com/opentuwa/mediagate/router/tokens"
)

// strippedHeaders are upstream response headers that reveal which origin or
// CDN served the content. Extend conservatively.
var strippedHeaders = []string{
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Credentials",
	"Access-Control-Expose-Headers",
	"Age",
	"Alt-Svc",
	"Cf-Cache-Status",
	"Cf-Ray",
	"Nel",
	"Report-To",
	"Server",
	"Set-Cookie",
	"Strict-Transport-Security",
	"Timing-Allow-Origin",
	"Via",
	"X-Amz-Cf-Id",
	"X-Amz-Cf-Pop",
	"X-Amz-Id-2",
	"X-Amz-Request-Id",
	"X-Cache",
	"X-Cache-Hits",
	"X-Fastly-Request-Id",
	"X-Github-Request-Id",
	"X-Jsd-Version",
	"X-Jsd-Version-Type",
	"X-Powered-By",
	"X-Request-Id",
	"X-Served-By",
	"X-Timer",
}

// hopHeaders are connection specific and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var droppedHeaders = func() map[string]bool {
	m := make(map[string]bool, len(hopHeaders)+len(strippedHeaders))
	for _, k := range append(append([]string(nil), hopHeaders...), strippedHeaders...) {
		m[http.CanonicalHeaderKey(k)] = true
	}
	return m
}()

// Proxy streams origin content to the client without revealing the origin.
type Proxy struct {
	client         Client
	resolver       *Resolver
	cacheMaxAge    int
	bytesPerSecond int64
}

// ProxyOption configures a Proxy.
type ProxyOption func(p *Proxy)

// WithCacheMaxAge sets the max-age of the private Cache-Control header.
func WithCacheMaxAge(seconds int) ProxyOption {
	return func(p *Proxy) {
		if seconds >= 0 {
			p.cacheMaxAge = seconds
		}
	}
}

// WithBandwidthLimit caps the bytes per second written for each response. A
// value of zero or less disables the cap.
func WithBandwidthLimit(bytesPerSecond int64) ProxyOption {
	return func(p *Proxy) {
		p.bytesPerSecond = bytesPerSecond
	}
}

// NewProxy returns a Proxy resolving origins with r and fetching them with c.
func NewProxy(c Client, r *Resolver, opts ...ProxyOption) *Proxy {
	p := &Proxy{client: c, resolver: r, cacheMaxAge: 86400}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolver returns the resolver used by the proxy.
func (p *Proxy) Resolver() *Resolver {
	return p.resolver
}

// Open resolves and fetches the resource. The caller owns the returned body.
func (p *Proxy) Open(ctx context.Context, t tokens.ResourceType, filename string) (*http.Response, error) {
	u, ok := p.resolver.Resolve(t, filename)
	if !ok {
		return nil, ErrNoOrigin
	}
	return p.client.Fetch(ctx, u)
}

// Write copies an upstream response to w with sanitized headers. The returned
// error only describes failures while streaming the body, at which point the
// status line has already been sent.
func (p *Proxy) Write(w http.ResponseWriter, res *http.Response) (int64, error) {
	defer res.Body.Close()

	// Only the upstream header set is filtered; headers the router already
	// set on w, such as the request ID, are left alone.
	h := w.Header()
	for k, v := range res.Header {
		if droppedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		h[k] = append([]string(nil), v...)
	}

	var body io.Reader = res.Body
	if h.Get("Content-Type") == "" {
		head := make([]byte, 3072)
		n, err := io.ReadFull(res.Body, head)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return 0, err
		}
		head = head[:n]
		h.Set("Content-Type", mimetype.Detect(head).String())
		body = io.MultiReader(bytes.NewReader(head), res.Body)
	}
	if p.bytesPerSecond > 0 {
		body = ratelimit.Reader(body, ratelimit.NewBucketWithRate(float64(p.bytesPerSecond), p.bytesPerSecond))
	}

	h.Set("Content-Disposition", "inline")
	h.Set("Cache-Control", "private, max-age="+strconv.Itoa(p.cacheMaxAge))
	w.WriteHeader(res.StatusCode)
	return io.Copy(w, body)
}
