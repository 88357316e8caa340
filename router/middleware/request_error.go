package middleware

import (
	"context"
	"net/http"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gin-gonic/gin"
)

// Fixed response bodies. Rejections never say more than their status code.
const (
	MessageNotFound     = "Not Found"
	MessageForbidden    = "Access Denied"
	MessageBadRequest   = "Bad Request"
	MessageUnauthorized = "Unauthorized"
	MessageBadGateway   = "Upstream Error"
	MessageInternal     = "Internal Server Error"
)

// RequestError is a custom error type returned when something goes wrong with
// any of the HTTP endpoints.
type RequestError struct {
	err    error
	status int
	msg    string
}

// NewError returns a new RequestError for the provided error.
func NewError(err error) *RequestError {
	return &RequestError{
		// Attach a stacktrace to the error if it is missing at this point and mark it
		// as originating from the location where NewError was called, rather than this
		// specific point in the code.
		err: errors.WithStackDepthIf(err, 1),
	}
}

// SetMessage allows for a custom error message to be set on an existing
// RequestError instance.
func (re *RequestError) SetMessage(m string) *RequestError {
	re.msg = m
	return re
}

// SetStatus sets the HTTP status code for the error response. By default this
// is a HTTP-500 error.
func (re *RequestError) SetStatus(s int) *RequestError {
	re.status = s
	return re
}

// Abort aborts the given HTTP request with the specified status code and then
// logs the event into the logs. The client only ever receives the fixed
// message; the underlying error is logged against the request ID.
func (re *RequestError) Abort(c *gin.Context, status int) {
	reqId := c.Writer.Header().Get("X-Request-Id")

	// Generate the base logger instance, attaching the unique request ID and
	// the path that was requested. The query string is left out since it may
	// carry the operator override key, and tunnel tokens are shortened.
	event := log.WithField("request_id", reqId).WithField("path", RedactPath(c.Request.URL.Path))

	if errors.Is(re.err, context.Canceled) {
		status = 499
		re.msg = MessageBadRequest
	}

	if status >= 500 {
		event.WithField("status", status).WithField("error", re.err).Error("error while handling HTTP request")
	} else {
		event.WithField("status", status).WithField("error", re.err).Debug("error handling HTTP request (not a server error)")
	}
	if re.msg == "" {
		re.msg = messageFor(status)
	}
	c.Abort()
	// Headers may already be on the wire if the failure happened mid-stream, in
	// which case there is nothing more to send.
	if c.Writer.Written() {
		return
	}
	c.Header("Cache-Control", "no-store")
	c.String(status, re.msg)
}

// Cause returns the underlying error.
func (re *RequestError) Cause() error {
	return re.err
}

// Error returns the underlying error message for this request.
func (re *RequestError) Error() string {
	return re.err.Error()
}

// Status returns the status set on the error, or 500.
func (re *RequestError) Status() int {
	if re.status == 0 {
		return http.StatusInternalServerError
	}
	return re.status
}

func messageFor(status int) string {
	switch status {
	case http.StatusNotFound:
		return MessageNotFound
	case http.StatusForbidden:
		return MessageForbidden
	case http.StatusBadRequest:
		return MessageBadRequest
	case http.StatusUnauthorized:
		return MessageUnauthorized
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return MessageBadGateway
	}
	if text := http.StatusText(status); text != "" && status < 500 {
		return text
	}
	return MessageInternal
}
