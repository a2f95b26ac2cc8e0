package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind discriminates expected failure classes so callers can branch without string matching.
type Kind string

const (
	KindCrypto     Kind = "crypto"
	KindAuth       Kind = "auth"
	KindSignature  Kind = "signature"
	KindValidation Kind = "validation"
	KindRateLimit  Kind = "rate_limit"
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindVenue      Kind = "venue"
	KindPartial    Kind = "partial"
)

// Stable codes surfaced to API clients.
const (
	CodeInvalidAPIKey    = "INVALID_API_KEY"
	CodeInvalidAPISecret = "INVALID_API_SECRET"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeTimestampWindow  = "TIMESTAMP_OUTSIDE_WINDOW"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeDecryption       = "DECRYPTION_FAILED"
	CodeNetwork          = "NETWORK_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodePartial          = "PARTIAL_AGGREGATION"
	CodeUnknownSymbol    = "UNKNOWN_SYMBOL"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeUnknown          = "UNKNOWN_ERROR"
)

type Error struct {
	Kind       Kind
	Code       string
	Detail     string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, detail string) *Error {
	return &Error{Kind: kind, Code: code, Detail: detail}
}

func Wrap(kind Kind, code, detail string, err error) *Error {
	return &Error{Kind: kind, Code: code, Detail: detail, Err: err}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Code:       CodeRateLimited,
		Detail:     fmt.Sprintf("rate limit exceeded, retry in %d seconds", int((retryAfter+time.Second-1)/time.Second)),
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err is a transient failure worth another attempt.
// Authentication, signature, validation and crypto failures are terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if e, ok := As(err); ok {
		switch e.Kind {
		case KindNetwork, KindTimeout:
			return true
		case KindVenue:
			return e.Status == 0 || e.Status >= http.StatusInternalServerError
		default:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
