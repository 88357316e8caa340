package remote

import (
	"fmt"
	"net/http"

	"emperror.dev/errors"
)

const (
	// ErrNoOrigin is returned when a resource does not resolve to an origin.
	ErrNoOrigin = errors.Sentinel("remote: no origin for requested resource")
	// ErrUpstreamUnavailable is returned when the origin could not be reached
	// or did not answer in time.
	ErrUpstreamUnavailable = errors.Sentinel("remote: upstream unavailable")
)

// UpstreamStatusError is returned when the origin answered with a non-2xx
// status. The upstream body is discarded and never shown to the client.
type UpstreamStatusError struct {
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("remote: upstream responded with HTTP/%d", e.StatusCode)
}

// IsUpstreamStatusError checks if the given error is an UpstreamStatusError.
func IsUpstreamStatusError(err error) bool {
	var serr *UpstreamStatusError
	return errors.As(err, &serr)
}

// StatusFor maps a proxy error onto the status returned to the client.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNoOrigin), IsUpstreamStatusError(err):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
