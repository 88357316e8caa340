package tokens

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Signer, *Verifier, *MemoryLedger, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	ledger := NewMemoryLedger()
	s, err := NewSigner(secret, WithClock(clock.Now))
	require.NoError(t, err)
	v, err := NewVerifier(secret, ledger, WithClock(clock.Now))
	require.NoError(t, err)
	return s, v, ledger, clock
}

func TestNewSigner_MissingSecret(t *testing.T) {
	_, err := NewSigner(nil)
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, err = NewVerifier([]byte{}, NewMemoryLedger())
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestIssue(t *testing.T) {
	s, _, _, clock := setup(t)
	r := NewRequester("1.2.3.4", "X")

	token, err := s.Issue(ResourceAudio, "001001.mp3", r)
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 2)
	assert.NotContains(t, token, "=")

	b, err := encoding.DecodeString(parts[0])
	require.NoError(t, err)

	var p Payload
	require.NoError(t, json.Unmarshal(b, &p))
	assert.Equal(t, ResourceAudio, p.Type)
	assert.Equal(t, "001001.mp3", p.Filename)
	assert.Equal(t, clock.Now().Add(time.Minute).UnixMilli(), p.Expires)
	assert.Equal(t, "1.2.3.4", p.IP)
	assert.Equal(t, "4b68ab38", p.UAHash)
	// 12 random bytes, hex encoded.
	assert.Len(t, p.Nonce, 24)

	t.Run("nonces are unique", func(t *testing.T) {
		other, err := s.Issue(ResourceAudio, "001001.mp3", r)
		require.NoError(t, err)
		assert.NotEqual(t, token, other)
	})

	t.Run("rejects invalid resources", func(t *testing.T) {
		_, err := s.Issue("video", "a.mp4", r)
		assert.ErrorIs(t, err, ErrInvalidResource)

		_, err = s.Issue(ResourceImage, "", r)
		assert.ErrorIs(t, err, ErrInvalidResource)
	})
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	r := NewRequester("1.2.3.4", "X")

	t.Run("accepts a fresh token exactly once", func(t *testing.T) {
		s, v, ledger, _ := setup(t)
		token, err := s.Issue(ResourceAudio, "001001.mp3", r)
		require.NoError(t, err)

		p, err := v.Verify(ctx, token, r, ResourceAudio, "001001.mp3")
		require.NoError(t, err)
		assert.Equal(t, "001001.mp3", p.Filename)

		used, _ := ledger.Has(ctx, p.Nonce)
		assert.True(t, used)

		_, err = v.Verify(ctx, token, r, ResourceAudio, "001001.mp3")
		assert.ErrorIs(t, err, ErrUsed)
		assert.Equal(t, ReasonUsed, ReasonOf(err))
	})

	t.Run("rejects expired tokens", func(t *testing.T) {
		s, v, ledger, clock := setup(t)
		token, err := s.Issue(ResourceAudio, "001001.mp3", r)
		require.NoError(t, err)

		clock.Advance(61 * time.Second)
		_, err = v.Verify(ctx, token, r, ResourceAudio, "001001.mp3")
		assert.ErrorIs(t, err, ErrExpired)
		assert.Equal(t, ReasonExpired, ReasonOf(err))
		assert.Equal(t, 0, ledger.Len())
	})

	t.Run("accepts a token at its exact expiry", func(t *testing.T) {
		s, v, _, clock := setup(t)
		token, err := s.Issue(ResourceAudio, "001001.mp3", r)
		require.NoError(t, err)

		clock.Advance(time.Minute)
		_, err = v.Verify(ctx, token, r, ResourceAudio, "001001.mp3")
		assert.NoError(t, err)
	})

	t.Run("rejects tokens presented by another requester", func(t *testing.T) {
		s, v, _, _ := setup(t)
		for _, other := range []Requester{NewRequester("5.6.7.8", "X"), NewRequester("1.2.3.4", "Y")} {
			token, err := s.Issue(ResourceAudio, "001001.mp3", r)
			require.NoError(t, err)

			_, err = v.Verify(ctx, token, other, ResourceAudio, "001001.mp3")
			assert.ErrorIs(t, err, ErrDeviceMismatch)
			assert.Equal(t, ReasonMismatch, ReasonOf(err))
		}
	})

	t.Run("rejects tokens used for another resource", func(t *testing.T) {
		s, v, ledger, _ := setup(t)
		token, err := s.Issue(ResourceAudio, "001001.mp3", r)
		require.NoError(t, err)

		_, err = v.Verify(ctx, token, r, ResourceAudio, "001002.mp3")
		assert.ErrorIs(t, err, ErrResourceMismatch)

		_, err = v.Verify(ctx, token, r, ResourceImage, "001001.mp3")
		assert.ErrorIs(t, err, ErrResourceMismatch)

		// Filenames are case sensitive.
		_, err = v.Verify(ctx, token, r, ResourceAudio, "001001.MP3")
		assert.ErrorIs(t, err, ErrResourceMismatch)
		assert.Equal(t, 0, ledger.Len())
	})

	t.Run("rejects any altered signature byte", func(t *testing.T) {
		s, v, _, _ := setup(t)
		token, err := s.Issue(ResourceData, "en.json", r)
		require.NoError(t, err)
		parts := strings.Split(token, ".")
		sig, err := encoding.DecodeString(parts[1])
		require.NoError(t, err)

		for i := range sig {
			altered := append([]byte(nil), sig...)
			altered[i] ^= 0x01
			_, err := v.Verify(ctx, parts[0]+"."+encoding.EncodeToString(altered), r, ResourceData, "en.json")
			assert.ErrorIs(t, err, ErrBadSignature, "byte %d", i)
		}
	})

	t.Run("rejects tokens signed with another secret", func(t *testing.T) {
		_, v, _, clock := setup(t)
		other, err := NewSigner([]byte("other-secret"), WithClock(clock.Now))
		require.NoError(t, err)
		token, err := other.Issue(ResourceImage, "x.png", r)
		require.NoError(t, err)

		_, err = v.Verify(ctx, token, r, ResourceImage, "x.png")
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("rejects malformed tokens", func(t *testing.T) {
		_, v, _, _ := setup(t)
		cases := []string{
			"",
			"abc",
			"a.b.c",
			".sig",
			"payload.",
			"!!!.###",
			encoding.EncodeToString([]byte("not json")) + ".c2ln",
			encoding.EncodeToString([]byte(`{"type":"audio"}`)) + ".c2ln",
		}
		for _, c := range cases {
			_, err := v.Verify(ctx, c, r, ResourceAudio, "001001.mp3")
			assert.ErrorIs(t, err, ErrMalformed, "token %q", c)
			assert.Equal(t, ReasonMalformed, ReasonOf(err))
		}
	})

	t.Run("checks expiry before the signature", func(t *testing.T) {
		s, v, _, clock := setup(t)
		token, err := s.Issue(ResourceAudio, "001001.mp3", r)
		require.NoError(t, err)
		parts := strings.Split(token, ".")

		clock.Advance(2 * time.Minute)
		_, err = v.Verify(ctx, parts[0]+".AAAA", r, ResourceAudio, "001001.mp3")
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("checks the signature before the binding", func(t *testing.T) {
		s, v, _, _ := setup(t)
		token, err := s.Issue(ResourceAudio, "001001.mp3", r)
		require.NoError(t, err)
		parts := strings.Split(token, ".")

		_, err = v.Verify(ctx, parts[0]+".AAAA", NewRequester("9.9.9.9", "Z"), ResourceImage, "x.png")
		assert.ErrorIs(t, err, ErrBadSignature)
	})
}

func TestVerify_Concurrent(t *testing.T) {
	ctx := context.Background()
	r := NewRequester("1.2.3.4", "X")

	for round := 0; round < 50; round++ {
		s, v, _, _ := setup(t)
		token, err := s.Issue(ResourceAudio, "001001.mp3", r)
		require.NoError(t, err)

		var accepted, used int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := v.Verify(ctx, token, r, ResourceAudio, "001001.mp3")
				if err == nil {
					atomic.AddInt32(&accepted, 1)
				} else if errors.Is(err, ErrUsed) {
					atomic.AddInt32(&used, 1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), accepted)
		assert.Equal(t, int32(7), used)
	}
}

func TestInspect(t *testing.T) {
	s, v, ledger, clock := setup(t)
	r := NewRequester("1.2.3.4", "X")
	token, err := s.Issue(ResourceImage, "x.png", r)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	p, err := v.Inspect(token)
	require.NoError(t, err)
	assert.Equal(t, "x.png", p.Filename)
	assert.Equal(t, 0, ledger.Len())

	parts := strings.Split(token, ".")
	_, err = v.Inspect(parts[0] + ".AAAA")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestParseResourceType(t *testing.T) {
	rt, ok := ParseResourceType("AUDIO")
	assert.True(t, ok)
	assert.Equal(t, ResourceAudio, rt)

	_, ok = ParseResourceType("video")
	assert.False(t, ok)
}
