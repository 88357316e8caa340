package remote

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentuwa/mediagate/router/tokens"
)

func createTestProxy(t *testing.T, h http.HandlerFunc, opts ...ClientOption) (*Proxy, *httptest.Server) {
	s := httptest.NewServer(h)
	t.Cleanup(s.Close)
	c := New(opts...)
	return NewProxy(c, testResolver(t, s.URL), WithCacheMaxAge(600)), s
}

func TestProxy(t *testing.T) {
	t.Run("streams the origin response with sanitized headers", func(t *testing.T) {
		p, _ := createTestProxy(t, func(rw http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/cdn/001001.mp3", r.URL.Path)
			rw.Header().Set("Content-Type", "audio/mpeg")
			rw.Header().Set("X-GitHub-Request-Id", "ABCD:1234")
			rw.Header().Set("Access-Control-Allow-Origin", "*")
			rw.Header().Set("Server", "GitHub.com")
			rw.Header().Set("X-Cache", "HIT")
			rw.Header().Set("X-Served-By", "cache-fra")
			rw.Header().Set("Cache-Control", "public, max-age=31536000")
			rw.Header().Set("ETag", `"abc"`)
			_, _ = rw.Write([]byte("ID3 audio bytes"))
		})

		res, err := p.Open(context.Background(), tokens.ResourceAudio, "001001.mp3")
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		n, err := p.Write(rec, res)
		require.NoError(t, err)
		assert.Equal(t, int64(len("ID3 audio bytes")), n)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ID3 audio bytes", rec.Body.String())
		assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
		assert.Equal(t, "inline", rec.Header().Get("Content-Disposition"))
		assert.Equal(t, "private, max-age=600", rec.Header().Get("Cache-Control"))
		assert.Equal(t, `"abc"`, rec.Header().Get("ETag"))
		for _, k := range []string{"X-Github-Request-Id", "Access-Control-Allow-Origin", "Server", "X-Cache", "X-Served-By"} {
			assert.Empty(t, rec.Header().Get(k), k)
		}
	})

	t.Run("detects the content type when the origin omits it", func(t *testing.T) {
		png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
		p, _ := createTestProxy(t, func(rw http.ResponseWriter, r *http.Request) {
			rw.Header()["Content-Type"] = nil
			_, _ = rw.Write(png)
		})

		res, err := p.Open(context.Background(), tokens.ResourceImage, "web.png")
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		_, err = p.Write(rec, res)
		require.NoError(t, err)
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		assert.Equal(t, png, rec.Body.Bytes())
	})

	t.Run("reports non-2xx origin responses without their body", func(t *testing.T) {
		p, _ := createTestProxy(t, func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusNotFound)
			_, _ = rw.Write([]byte("origin path /secret/cdn missing"))
		})

		_, err := p.Open(context.Background(), tokens.ResourceAudio, "missing.mp3")
		require.Error(t, err)
		assert.True(t, IsUpstreamStatusError(err))
		assert.NotContains(t, err.Error(), "secret")
		assert.Equal(t, http.StatusNotFound, StatusFor(err))
	})

	t.Run("does not follow redirects", func(t *testing.T) {
		p, _ := createTestProxy(t, func(rw http.ResponseWriter, r *http.Request) {
			http.Redirect(rw, r, "https://elsewhere.example/", http.StatusFound)
		})

		_, err := p.Open(context.Background(), tokens.ResourceAudio, "001001.mp3")
		assert.True(t, IsUpstreamStatusError(err))
	})

	t.Run("fails unresolvable resources without a request", func(t *testing.T) {
		called := false
		p, _ := createTestProxy(t, func(rw http.ResponseWriter, r *http.Request) {
			called = true
		})

		_, err := p.Open(context.Background(), tokens.ResourceData, "en.txt")
		assert.ErrorIs(t, err, ErrNoOrigin)
		assert.Equal(t, http.StatusNotFound, StatusFor(err))
		assert.False(t, called)
	})

	t.Run("times out hung origins", func(t *testing.T) {
		done := make(chan struct{})
		p, _ := createTestProxy(t, func(rw http.ResponseWriter, r *http.Request) {
			select {
			case <-done:
			case <-r.Context().Done():
			}
		}, WithTimeout(50*time.Millisecond))
		defer close(done)

		_, err := p.Open(context.Background(), tokens.ResourceAudio, "001001.mp3")
		assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
		assert.Equal(t, http.StatusBadGateway, StatusFor(err))
	})

	t.Run("does not cut off streams that outlast the header timeout", func(t *testing.T) {
		chunk := bytes.Repeat([]byte("a"), 10000)
		s := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.Header().Set("Content-Type", "audio/mpeg")
			rw.WriteHeader(http.StatusOK)
			for i := 0; i < 4; i++ {
				_, _ = rw.Write(chunk)
				rw.(http.Flusher).Flush()
				time.Sleep(60 * time.Millisecond)
			}
		}))
		t.Cleanup(s.Close)
		p := NewProxy(New(WithTimeout(100*time.Millisecond)), testResolver(t, s.URL), WithBandwidthLimit(25000))

		res, err := p.Open(context.Background(), tokens.ResourceAudio, "001001.mp3")
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		start := time.Now()
		n, err := p.Write(rec, res)
		require.NoError(t, err)
		assert.Greater(t, time.Since(start), 100*time.Millisecond)
		assert.Equal(t, int64(40000), n)
		assert.Equal(t, 40000, rec.Body.Len())
	})

	t.Run("keeps response headers set by the router", func(t *testing.T) {
		p, _ := createTestProxy(t, func(rw http.ResponseWriter, r *http.Request) {
			rw.Header().Set("Content-Type", "audio/mpeg")
			rw.Header().Set("X-Request-Id", "cdn-request")
			rw.Header().Set("Connection", "close")
			_, _ = rw.Write([]byte("mp3"))
		})

		res, err := p.Open(context.Background(), tokens.ResourceAudio, "001001.mp3")
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		rec.Header().Set("X-Request-Id", "local-request")
		_, err = p.Write(rec, res)
		require.NoError(t, err)
		assert.Equal(t, []string{"local-request"}, rec.Header().Values("X-Request-Id"))
		assert.Empty(t, rec.Header().Get("Connection"))
		assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	})
}
