package llm

import (
	"errors"
	"fmt"
)

// ErrorType classifies a client error.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeProvider
	ErrorTypeRequest
	ErrorTypeResponse
	ErrorTypeAPI
	ErrorTypeRateLimit
	ErrorTypeAuthentication
	ErrorTypeUnsupported
)

// ClientError represents a failure while talking to a model provider.
type ClientError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.TypeString(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.TypeString(), e.Message)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

func (e *ClientError) TypeString() string {
	switch e.Type {
	case ErrorTypeProvider:
		return "ProviderError"
	case ErrorTypeRequest:
		return "RequestError"
	case ErrorTypeResponse:
		return "ResponseError"
	case ErrorTypeAPI:
		return "APIError"
	case ErrorTypeRateLimit:
		return "RateLimitError"
	case ErrorTypeAuthentication:
		return "AuthenticationError"
	case ErrorTypeUnsupported:
		return "UnsupportedError"
	default:
		return "UnknownError"
	}
}

// NewClientError creates a new ClientError.
func NewClientError(errType ErrorType, message string, err error) *ClientError {
	return &ClientError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// IsRetryable reports whether the error is worth retrying at the
// transport level. Authentication and malformed-request failures are not.
func IsRetryable(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		switch ce.Type {
		case ErrorTypeAuthentication, ErrorTypeRequest, ErrorTypeUnsupported:
			return false
		}
	}
	return err != nil
}
