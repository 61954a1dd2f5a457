package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
)

// ErrorKind classifies backend call failures
type ErrorKind int

const (
	KindGeneric ErrorKind = iota
	KindConnection
	KindTimeout
	KindRateLimit
	KindServiceUnavailable
	KindResponseFormat
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindResponseFormat:
		return "response_format"
	default:
		return "generic"
	}
}

// APIError is a failed call to a generation backend
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind of err; ok is false for non-API errors
func KindOf(err error) (ErrorKind, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	return KindGeneric, false
}

// statusError maps a non-200 HTTP status to an APIError
func statusError(code int, body string) *APIError {
	err := fmt.Errorf("unexpected status %d: %s", code, truncate(body, 200))
	switch {
	case code == http.StatusTooManyRequests:
		return &APIError{Kind: KindRateLimit, StatusCode: code, Err: err}
	case code >= 500:
		return &APIError{Kind: KindServiceUnavailable, StatusCode: code, Err: err}
	default:
		return &APIError{Kind: KindGeneric, StatusCode: code, Err: err}
	}
}

// transportError classifies a failure to complete an HTTP exchange
func transportError(err error) *APIError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &APIError{Kind: KindTimeout, Err: err}
	}
	return &APIError{Kind: KindConnection, Err: err}
}

func formatError(format string, args ...interface{}) *APIError {
	return &APIError{Kind: KindResponseFormat, Err: fmt.Errorf(format, args...)}
}

var statusCodePattern = regexp.MustCompile(`status code: (\d{3})`)

// sdkError classifies an error surfaced by an SDK client, which reports HTTP
// failures as "status code: NNN" text
func sdkError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := KindOf(err); ok {
		return err
	}
	if m := statusCodePattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		apiErr := statusError(code, "")
		apiErr.Err = err
		return apiErr
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &APIError{Kind: KindTimeout, Err: err}
	}
	if errors.As(err, &netErr) {
		return &APIError{Kind: KindConnection, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &APIError{Kind: KindConnection, Err: err}
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
