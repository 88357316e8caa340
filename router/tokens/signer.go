package tokens

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"emperror.dev/errors"
	"github.com/goccy/go-json"
)

// Signer mints capability tokens.
type Signer struct {
	mac  *mac
	opts options
}

// NewSigner returns a Signer using the given HMAC secret. An empty secret
// returns ErrMissingSecret; tokens are never issued unsigned.
func NewSigner(secret []byte, opts ...Option) (*Signer, error) {
	m, err := newMac(secret)
	if err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Signer{mac: m, opts: o}, nil
}

// Issue creates a token that authorizes one fetch of filename within the given
// resource type namespace, by the given requester, before the configured TTL
// elapses.
func (s *Signer) Issue(t ResourceType, filename string, r Requester) (string, error) {
	if _, ok := ParseResourceType(string(t)); !ok || filename == "" {
		return "", ErrInvalidResource
	}
	nonce, err := s.nonce()
	if err != nil {
		return "", err
	}
	return s.Sign(&Payload{
		Type:     t,
		Filename: filename,
		Expires:  s.opts.now().Add(s.opts.ttl).UnixMilli(),
		Nonce:    nonce,
		IP:       r.IP,
		UAHash:   r.UAHash,
	})
}

// Sign encodes and signs an already constructed payload.
func (s *Signer) Sign(p *Payload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "tokens: failed to encode payload")
	}
	sig, err := s.mac.sum(b)
	if err != nil {
		return "", errors.Wrap(err, "tokens: failed to sign payload")
	}
	return encoding.EncodeToString(b) + "." + encoding.EncodeToString(sig), nil
}

// TTL returns the lifetime of tokens issued by this signer.
func (s *Signer) TTL() time.Duration {
	return s.opts.ttl
}

func (s *Signer) nonce() (string, error) {
	b := make([]byte, s.opts.nonceSize)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "tokens: failed to generate nonce")
	}
	return hex.EncodeToString(b), nil
}
