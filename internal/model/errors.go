package model

import (
	"errors"
)

var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrForbidden            = errors.New("forbidden")
	ErrValidationFailed     = errors.New("validation failed")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrBadRequest           = errors.New("bad request")
)

// ErrorCode is the wire code of an error event.
type ErrorCode string

const (
	CodeUnauthenticated      ErrorCode = "unauthenticated"
	CodeForbidden            ErrorCode = "forbidden"
	CodeValidationFailed     ErrorCode = "validation_failed"
	CodeNoActiveConversation ErrorCode = "no_active_conversation"
	CodeStoreUnavailable     ErrorCode = "store_unavailable"
	CodeBadRequest           ErrorCode = "bad_request"
	CodeInternal             ErrorCode = "internal"
)

// CodeOf classifies err into a wire code.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrValidationFailed):
		return CodeValidationFailed
	case errors.Is(err, ErrNoActiveConversation):
		return CodeNoActiveConversation
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}
