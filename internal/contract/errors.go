package contract

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode names one of the error taxonomy members returned on the wire.
type ErrorCode string

const (
	CodeValidationError     ErrorCode = "ValidationError"
	CodeUnauthenticated     ErrorCode = "Unauthenticated"
	CodeTokenExpired        ErrorCode = "TokenExpired"
	CodeForbidden           ErrorCode = "Forbidden"
	CodeNotFound            ErrorCode = "NotFound"
	CodeIdempotencyReplay   ErrorCode = "IdempotencyReplay"
	CodeTooManyRequests     ErrorCode = "TooManyRequests"
	CodeStorageUnavailable  ErrorCode = "StorageUnavailable"
	CodeChatClosed          ErrorCode = "ChatClosed"
	CodeSlowConsumer        ErrorCode = "SlowConsumer"
)

// APIError is the typed error carried across package boundaries; the HTTP
// layer is the only place that turns it into a status code + JSON body.
type APIError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError builds an APIError, optionally wrapping a lower-level cause.
func NewAPIError(code ErrorCode, msg string, cause error) *APIError {
	return &APIError{Code: code, Message: msg, Err: cause}
}

// HTTPStatus maps an ErrorCode to the HTTP status the ingress layer replies with.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeUnauthenticated, CodeTokenExpired:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeChatClosed:
		return http.StatusNotFound
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AsAPIError unwraps err looking for an *APIError, the way callers that
// need the Code (to pick a status or a retry policy) are expected to.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// PublishErrorClass classifies an event-bus publish failure.
// Serialize is non-retryable (a bug, log and alert); Network and Timeout
// drive the outbox's retry loop and are never surfaced to HTTP clients.
type PublishErrorClass string

const (
	PublishSerialize PublishErrorClass = "Serialize"
	PublishNetwork   PublishErrorClass = "Network"
	PublishTimeout   PublishErrorClass = "Timeout"
)

// PublishError is returned by the event bus adapter's Publish calls.
type PublishError struct {
	Class PublishErrorClass
	Err   error
}

func (e *PublishError) Error() string { return fmt.Sprintf("publish %s: %v", e.Class, e.Err) }
func (e *PublishError) Unwrap() error { return e.Err }

// Retryable reports whether the outbox dispatcher should retry this class.
func (e *PublishError) Retryable() bool {
	return e.Class == PublishNetwork || e.Class == PublishTimeout
}
