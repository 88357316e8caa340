// Package session signs and validates the premium session cookie. The cookie
// is only ever created by the session establishment endpoint, once an
// identity collaborator has vouched for the caller, or by the operator
// override; everything else just checks it.
package session

import (
	"crypto/hmac"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/gbrlsnchs/jwt/v3"
	"github.com/goccy/go-json"
)

const ErrMissingSecret = errors.Sentinel("session: cookie secret is not configured")

var encoding = base64.RawURLEncoding

type claims struct {
	Premium bool  `json:"premium"`
	Expires int64 `json:"exp"`
}

// Codec creates and validates signed premium session values.
type Codec struct {
	alg    *jwt.HMACSHA
	maxAge time.Duration
	now    func() time.Time
}

// New returns a Codec signing with secret. Values it issues stay valid for
// maxAge.
func New(secret []byte, maxAge time.Duration) (*Codec, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	return &Codec{alg: jwt.NewHS256(secret), maxAge: maxAge, now: time.Now}, nil
}

// WithClock replaces the time source used by the codec.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// MaxAge returns the lifetime of issued values.
func (c *Codec) MaxAge() time.Duration {
	return c.maxAge
}

// Issue returns a new signed session value.
func (c *Codec) Issue() (string, error) {
	b, err := json.Marshal(claims{Premium: true, Expires: c.now().Add(c.maxAge).Unix()})
	if err != nil {
		return "", errors.WithStack(err)
	}
	sig, err := c.alg.Sign(b)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return encoding.EncodeToString(b) + "." + encoding.EncodeToString(sig), nil
}

// Valid reports whether v is an unexpired premium session value signed by
// this codec.
func (c *Codec) Valid(v string) bool {
	parts := strings.Split(v, ".")
	if len(parts) != 2 {
		return false
	}
	b, err := encoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	sig, err := encoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	expected, err := c.alg.Sign(b)
	if err != nil || !hmac.Equal(expected, sig) {
		return false
	}
	var cl claims
	if err := json.Unmarshal(b, &cl); err != nil {
		return false
	}
	return cl.Premium && c.now().Unix() <= cl.Expires
}

// Manager reads and writes the premium session cookie.
type Manager struct {
	codec *Codec
	name  string
}

// NewManager returns a Manager for the cookie with the given name.
func NewManager(codec *Codec, name string) *Manager {
	return &Manager{codec: codec, name: name}
}

// Premium reports whether the request carries a valid session cookie.
func (m *Manager) Premium(r *http.Request) bool {
	c, err := r.Cookie(m.name)
	if err != nil {
		return false
	}
	return m.codec.Valid(c.Value)
}

// Grant sets a freshly signed session cookie on the response. The cookie is
// HttpOnly, SameSite=Lax and only marked Secure when the request arrived over
// HTTPS.
func (m *Manager) Grant(w http.ResponseWriter, secure bool) error {
	v, err := m.codec.Issue()
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    v,
		Path:     "/",
		MaxAge:   int(m.codec.MaxAge().Seconds()),
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
