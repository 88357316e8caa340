// Package tokens issues and verifies the signed, single-use capability tokens
// that authorize exactly one fetch through the media tunnel.
//
// A token is base64url(payload) "." base64url(HMAC-SHA256(payload)) where the
// payload is the JSON encoding of Payload. Tokens bind the resource type and
// filename, the requester address and user agent fingerprint, an expiry and a
// random nonce that is consumed in a NonceLedger the first time the token is
// accepted.
package tokens

import (
	"crypto/hmac"
	"encoding/base64"
	"strings"
	"time"

	"github.com/gbrlsnchs/jwt/v3"
)

const (
	DefaultTTL       = time.Minute
	DefaultNonceSize = 12
)

var encoding = base64.RawURLEncoding

type options struct {
	ttl       time.Duration
	nonceSize int
	now       func() time.Time
}

func defaultOptions() options {
	return options{ttl: DefaultTTL, nonceSize: DefaultNonceSize, now: time.Now}
}

// Option configures a Signer or Verifier.
type Option func(o *options)

// WithTTL sets the lifetime of issued tokens.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithNonceSize sets the number of random bytes used for each nonce. Values
// below DefaultNonceSize are ignored.
func WithNonceSize(n int) Option {
	return func(o *options) {
		if n >= DefaultNonceSize {
			o.nonceSize = n
		}
	}
}

// WithClock replaces the time source, allowing tests to control expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// mac wraps the HMAC-SHA256 primitive shared by the signer and the verifier.
type mac struct {
	alg *jwt.HMACSHA
}

func newMac(secret []byte) (*mac, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	return &mac{alg: jwt.NewHS256(secret)}, nil
}

func (m *mac) sum(b []byte) ([]byte, error) {
	return m.alg.Sign(b)
}

// equal recomputes the MAC over b and compares it to sig in constant time.
func (m *mac) equal(b, sig []byte) bool {
	expected, err := m.alg.Sign(b)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, sig)
}

// split decodes both segments of a token. Any structural problem is reported
// as ErrMalformed.
func split(token string) (payload []byte, sig []byte, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, nil, ErrMalformed
	}
	if payload, err = decodeSegment(parts[0]); err != nil {
		return nil, nil, ErrMalformed
	}
	if sig, err = decodeSegment(parts[1]); err != nil {
		return nil, nil, ErrMalformed
	}
	return payload, sig, nil
}

func decodeSegment(s string) ([]byte, error) {
	return encoding.DecodeString(strings.TrimRight(s, "="))
}
