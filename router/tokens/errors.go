package tokens

import (
	"emperror.dev/errors"
)

// Reason is the internal code describing why a token was rejected. It is used
// for logging, metrics and tests and is never sent to the client.
type Reason string

const (
	ReasonMalformed    Reason = "malformed"
	ReasonExpired      Reason = "expired"
	ReasonUsed         Reason = "used"
	ReasonBadSignature Reason = "bad-signature"
	ReasonMismatch     Reason = "mismatch"
)

const (
	ErrMalformed        = errors.Sentinel("tokens: malformed token")
	ErrExpired          = errors.Sentinel("tokens: token has expired")
	ErrUsed             = errors.Sentinel("tokens: token has already been used")
	ErrBadSignature     = errors.Sentinel("tokens: signature verification failed")
	ErrDeviceMismatch   = errors.Sentinel("tokens: requester does not match token binding")
	ErrResourceMismatch = errors.Sentinel("tokens: requested resource does not match token binding")
	ErrMissingSecret    = errors.Sentinel("tokens: signing secret is not configured")
	ErrInvalidResource  = errors.Sentinel("tokens: invalid resource type or filename")
)

// VerificationError is returned for every rejected token.
type VerificationError struct {
	err    error
	Reason Reason
	// Nonce is the nonce of the rejected token if the payload could be decoded.
	Nonce string
}

func newVerificationError(err error, nonce string) *VerificationError {
	return &VerificationError{err: err, Reason: reasonFor(err), Nonce: nonce}
}

func reasonFor(err error) Reason {
	switch {
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrUsed):
		return ReasonUsed
	case errors.Is(err, ErrBadSignature):
		return ReasonBadSignature
	case errors.Is(err, ErrDeviceMismatch), errors.Is(err, ErrResourceMismatch):
		return ReasonMismatch
	default:
		return ReasonMalformed
	}
}

func (e *VerificationError) Error() string {
	return e.err.Error()
}

func (e *VerificationError) Unwrap() error {
	return e.err
}

// ReasonOf returns the rejection reason carried by the error, or an empty
// string if the error did not come from token verification.
func ReasonOf(err error) Reason {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Reason
	}
	return ""
}

// IsVerificationError checks if the given error was produced by a token
// verification failure.
func IsVerificationError(err error) bool {
	return ReasonOf(err) != ""
}
