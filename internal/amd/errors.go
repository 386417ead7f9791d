package amd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind classifies a vendor failure.
type Kind int

const (
	KindAPI Kind = iota
	KindNetwork
	KindAuth
	KindRateLimit
	KindValidation
	KindStructural
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindValidation:
		return "validation"
	case KindStructural:
		return "structural"
	default:
		return "api"
	}
}

// Error codes carried on Error.Code.
const (
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeValidation        = "VALIDATION_ERROR"
	CodeInvalidResponse   = "INVALID_RESPONSE"
	CodeNetwork           = "NETWORK_ERROR"
	CodeTimeout           = "TIMEOUT"
	CodeAPIError          = "API_ERROR"
)

// Error is the single normalized failure shape for every vendor call. The
// RateLimit kind additionally carries Tier, RetryAfter and BackoffSeconds.
type Error struct {
	Kind     Kind
	Code     string
	Message  string
	Endpoint string
	Status   int

	Tier           string
	RetryAfter     time.Time
	BackoffSeconds int

	Err error
}

func (e *Error) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("amd %s: %s: %s", e.Kind, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("amd %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later without changes.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindRateLimit:
		return true
	case KindAPI:
		return e.Status >= http.StatusInternalServerError
	}
	return false
}

func (e *Error) IsRateLimit() bool  { return e.Kind == KindRateLimit }
func (e *Error) IsAuth() bool       { return e.Kind == KindAuth }
func (e *Error) IsValidation() bool { return e.Kind == KindValidation }

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsRateLimit reports whether err is a rate-limit failure.
func IsRateLimit(err error) bool {
	ae, ok := AsError(err)
	return ok && ae.IsRateLimit()
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	ae, ok := AsError(err)
	return ok && ae.IsAuth()
}

// Wrap normalizes any error into an *Error. Errors that already are *Error are
// returned unchanged.
func Wrap(endpoint string, err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := AsError(err); ok {
		return ae
	}
	return &Error{Kind: KindAPI, Code: CodeAPIError, Message: err.Error(), Endpoint: endpoint, Err: err}
}

// NewRateLimitError builds the error returned when a call is rejected locally
// or by the vendor because of quota exhaustion.
func NewRateLimitError(endpoint, tier, msg string, retryAfter time.Time, wait time.Duration) *Error {
	secs := int(wait / time.Second)
	if wait%time.Second != 0 {
		secs++
	}
	return &Error{
		Kind:           KindRateLimit,
		Code:           CodeRateLimitExceeded,
		Message:        msg,
		Endpoint:       endpoint,
		Status:         http.StatusTooManyRequests,
		Tier:           tier,
		RetryAfter:     retryAfter,
		BackoffSeconds: secs,
	}
}

// NewAuthError reports a failed login or a rejected token.
func NewAuthError(endpoint, msg string) *Error {
	return &Error{Kind: KindAuth, Code: CodeAuthFailed, Message: msg, Endpoint: endpoint}
}

// NewStructuralError reports a response that is missing the expected envelope.
func NewStructuralError(endpoint, msg string) *Error {
	return &Error{Kind: KindStructural, Code: CodeInvalidResponse, Message: msg, Endpoint: endpoint}
}

// NewAPIError reports an explicit error returned by the vendor.
func NewAPIError(endpoint, msg string) *Error {
	return &Error{Kind: KindAPI, Code: CodeAPIError, Message: msg, Endpoint: endpoint}
}

// FromHTTPStatus classifies a non-2xx response.
func FromHTTPStatus(endpoint string, status int, msg string) *Error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	e := &Error{Endpoint: endpoint, Status: status, Message: msg}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind, e.Code = KindRateLimit, CodeRateLimitExceeded
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind, e.Code = KindAuth, CodeAuthFailed
	case status == http.StatusBadRequest:
		e.Kind, e.Code = KindValidation, CodeValidation
	default:
		e.Kind, e.Code = KindAPI, fmt.Sprintf("HTTP_%d", status)
	}
	return e
}

// FromTransport classifies an error returned by the HTTP client itself.
func FromTransport(endpoint string, err error) *Error {
	e := &Error{Kind: KindNetwork, Code: CodeNetwork, Message: err.Error(), Endpoint: endpoint, Err: err}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		e.Code = CodeTimeout
	}
	return e
}
