package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"

	"github.com/opentuwa/mediagate/system"
)

// Client fetches media from an origin.
type Client interface {
	Fetch(ctx context.Context, url string) (*http.Response, error)
}

type ClientOption func(c *client)

type client struct {
	httpClient *http.Client
	timeout    time.Duration
	retries    uint64
}

// New returns a new HTTP client used to fetch tunneled media from the origins.
// Redirects are never followed. By default a single attempt is made per fetch.
func New(opts ...ClientOption) Client {
	c := client{
		httpClient: &http.Client{
			// Do not follow redirects. An origin redirecting elsewhere is treated
			// as an upstream failure rather than silently widening the set of
			// hosts the tunnel talks to.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: time.Second * 15,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// WithTimeout bounds the time spent waiting for the origin to send the
// response headers. Reading the body is not bounded.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetries allows n additional attempts when the origin cannot be reached
// at all. Responses, including error statuses, are never retried. Every
// attempt shares the header timeout of the fetch.
func WithRetries(n uint64) ClientOption {
	return func(c *client) {
		c.retries = n
	}
}

// WithHttpClient sets the underlying HTTP client instance to use when making
// requests to the origins.
func WithHttpClient(httpClient *http.Client) ClientOption {
	return func(c *client) {
		c.httpClient = httpClient
	}
}

// Fetch performs a single GET request against the URL. Non-2xx responses are
// drained, closed and returned as an *UpstreamStatusError; transport failures
// and timeouts are returned as ErrUpstreamUnavailable.
//
// The timeout only bounds the wait for the response headers. Once they have
// arrived the body streams for as long as the caller keeps reading, and must
// be closed by the caller.
func (c *client) Fetch(ctx context.Context, url string) (*http.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(c.timeout, cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, errors.WrapIf(err, "remote: failed to create request")
	}
	req.Header.Set("User-Agent", fmt.Sprintf("mediagate/%s", system.Version))

	log.WithField("method", req.Method).WithField("endpoint", url).Debug("making request to origin")
	var res *http.Response
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), c.retries), ctx)
	err = backoff.RetryNotify(func() error {
		var err error
		res, err = c.httpClient.Do(req)
		return err
	}, b, func(err error, d time.Duration) {
		log.WithField("endpoint", url).WithField("error", err).Debug("origin unreachable, retrying request")
	})
	if err != nil {
		timer.Stop()
		cancel()
		return nil, errors.WithStack(errors.WithMessage(ErrUpstreamUnavailable, err.Error()))
	}
	// The timer may have fired between Do returning and this point, in which
	// case the body is already cancelled.
	if !timer.Stop() {
		res.Body.Close()
		cancel()
		return nil, errors.WithStack(errors.WithMessage(ErrUpstreamUnavailable, context.DeadlineExceeded.Error()))
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64*1024))
		res.Body.Close()
		cancel()
		return nil, errors.WithStack(&UpstreamStatusError{StatusCode: res.StatusCode})
	}
	res.Body = &cancelOnClose{ReadCloser: res.Body, cancel: cancel}
	return res, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
