package tokens

import (
	"bytes"
	"context"

	"emperror.dev/errors"
	"github.com/goccy/go-json"
)

// Verifier validates capability tokens and consumes their nonce on success.
type Verifier struct {
	mac    *mac
	ledger NonceLedger
	opts   options
}

// NewVerifier returns a Verifier that checks signatures with the given secret
// and records consumed nonces in the ledger.
func NewVerifier(secret []byte, ledger NonceLedger, opts ...Option) (*Verifier, error) {
	if ledger == nil {
		return nil, errors.New("tokens: a nonce ledger is required")
	}
	m, err := newMac(secret)
	if err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Verifier{mac: m, ledger: ledger, opts: o}, nil
}

// Verify checks the token against the requester presenting it and the resource
// being requested. Checks run in a fixed order and the first failure is
// returned as a *VerificationError:
//
//	malformed, expired, used, bad-signature, device mismatch, resource mismatch
//
// When every check passes the nonce is consumed in the ledger before the
// payload is returned. Two concurrent calls with the same token can never
// both succeed; the loser observes ErrUsed. Ledger failures are returned as
// plain errors.
func (v *Verifier) Verify(ctx context.Context, token string, r Requester, t ResourceType, filename string) (*Payload, error) {
	b, sig, err := split(token)
	if err != nil {
		return nil, newVerificationError(err, "")
	}
	p, err := decodePayload(b)
	if err != nil {
		return nil, newVerificationError(err, "")
	}

	now := v.opts.now()
	if now.UnixMilli() > p.Expires {
		return nil, newVerificationError(ErrExpired, p.Nonce)
	}

	used, err := v.ledger.Has(ctx, p.Nonce)
	if err != nil {
		return nil, errors.WrapIf(err, "tokens: failed to query nonce ledger")
	}
	if used {
		return nil, newVerificationError(ErrUsed, p.Nonce)
	}

	if !v.mac.equal(b, sig) {
		return nil, newVerificationError(ErrBadSignature, p.Nonce)
	}

	if p.Requester() != r {
		return nil, newVerificationError(ErrDeviceMismatch, p.Nonce)
	}

	if p.Type != t || p.Filename != filename {
		return nil, newVerificationError(ErrResourceMismatch, p.Nonce)
	}

	ok, err := v.ledger.TryConsume(ctx, p.Nonce, now)
	if err != nil {
		return nil, errors.WrapIf(err, "tokens: failed to consume nonce")
	}
	if !ok {
		return nil, newVerificationError(ErrUsed, p.Nonce)
	}
	return p, nil
}

// Inspect decodes a token and checks its signature without looking at the
// expiry or touching the ledger. It never consumes the token.
func (v *Verifier) Inspect(token string) (*Payload, error) {
	b, sig, err := split(token)
	if err != nil {
		return nil, newVerificationError(err, "")
	}
	p, err := decodePayload(b)
	if err != nil {
		return nil, newVerificationError(err, "")
	}
	if !v.mac.equal(b, sig) {
		return p, newVerificationError(ErrBadSignature, p.Nonce)
	}
	return p, nil
}

func decodePayload(b []byte) (*Payload, error) {
	var p Payload
	d := json.NewDecoder(bytes.NewReader(b))
	if err := d.Decode(&p); err != nil {
		return nil, ErrMalformed
	}
	if !p.complete() {
		return nil, ErrMalformed
	}
	return &p, nil
}
