package jetqueue

import (
	"errors"

	commonerrors "github.com/infigaming-com/go-jetqueue/errors"
)

const (
	ErrCodeEndpointResolution = 20000 + iota
	ErrCodeConnection
	ErrCodeKeepaliveTimeout
	ErrCodeMalformedMessage
	ErrCodeHandler
	ErrCodeRequest
	ErrCodeInvalidAck
	ErrCodeInvalidOptions
	ErrCodeSessionClosed
)

// Sentinels for errors.Is. Returned errors are copies carrying a cause.
var (
	ErrEndpointResolution = commonerrors.NewError(ErrCodeEndpointResolution, "jetqueue: endpoint resolution failed", nil)
	ErrConnection         = commonerrors.NewError(ErrCodeConnection, "jetqueue: connection failed", nil)
	ErrKeepaliveTimeout   = commonerrors.NewError(ErrCodeKeepaliveTimeout, "jetqueue: keepalive timeout", nil)
	ErrMalformedMessage   = commonerrors.NewError(ErrCodeMalformedMessage, "jetqueue: malformed message", nil)
	ErrHandler            = commonerrors.NewError(ErrCodeHandler, "jetqueue: handler failed", nil)
	ErrRequest            = commonerrors.NewError(ErrCodeRequest, "jetqueue: request failed", nil)
	ErrInvalidAck         = commonerrors.NewError(ErrCodeInvalidAck, "jetqueue: invalid ack", nil)
	ErrInvalidOptions     = commonerrors.NewError(ErrCodeInvalidOptions, "jetqueue: invalid options", nil)
	ErrSessionClosed      = commonerrors.NewError(ErrCodeSessionClosed, "jetqueue: session closed", nil)
)

// newRequestError keeps the status and the raw response body so callers can
// inspect what the backend said.
func newRequestError(status int, body []byte) error {
	return ErrRequest.Wrapf(nil, "status %d", status).
		WithStatusCode(status).
		WithDetails(string(body))
}

// RequestErrorBody returns the response body carried by a request error.
func RequestErrorBody(err error) (string, bool) {
	var e *commonerrors.Error
	if !errors.As(err, &e) || e.Code != ErrCodeRequest {
		return "", false
	}
	body, ok := e.Details.(string)
	return body, ok
}
