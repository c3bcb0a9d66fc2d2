package request

import "github.com/infigaming-com/go-jetqueue/errors"

const (
	ErrCodeInvalidRequestBody = 11000 + iota
	ErrCodeInvalidSlowRequestThreshold
	ErrCodeFailedToCreateRequest
	ErrCodeFailedToSendRequest
	ErrCodeFailedToReadResponseBody
)

var (
	ErrInvalidRequestBody          = errors.NewError(ErrCodeInvalidRequestBody, "failed to marshal request body", nil)
	ErrInvalidSlowRequestThreshold = errors.NewError(ErrCodeInvalidSlowRequestThreshold, "invalid slow request threshold", nil)
	ErrFailedToCreateRequest       = errors.NewError(ErrCodeFailedToCreateRequest, "failed to create request", nil)
	ErrFailedToSendRequest         = errors.NewError(ErrCodeFailedToSendRequest, "failed to send request", nil)
	ErrFailedToReadResponseBody    = errors.NewError(ErrCodeFailedToReadResponseBody, "failed to read response body", nil)
)
