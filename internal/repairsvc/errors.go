package repairsvc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyResponse is returned when the service answers without a usable
// candidate.
var ErrEmptyResponse = errors.New("repair service returned an empty response")

// UnreachableError reports a failed transport or reachability probe.
type UnreachableError struct {
	URL string
	Err error
}

func (e *UnreachableError) Error() string {
	if e.Err == nil {
		return "service unreachable: " + e.URL
	}
	return fmt.Sprintf("service unreachable: %s: %v", e.URL, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// ServiceError carries a failure reported by the remote service, either as a
// non-2xx status or as an {"error": ...} body.
type ServiceError struct {
	Service    string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ServiceError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s error: %s", e.Service, msg)
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.Service, e.StatusCode, msg)
}

// ErrorFromHTTPStatus classifies a non-2xx response.
func ErrorFromHTTPStatus(service string, statusCode int, message string) error {
	e := &ServiceError{Service: service, StatusCode: statusCode, Message: message}
	switch statusCode {
	case 400, 401, 403, 404, 413, 422:
		e.Retryable = false
	case 408, 429, 500, 502, 503, 504:
		e.Retryable = true
	default:
		// unknown statuses are treated as transient
		e.Retryable = true
	}
	return e
}

// IsUnreachable reports whether err came from a failed probe or transport.
func IsUnreachable(err error) bool {
	var e *UnreachableError
	return errors.As(err, &e)
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsUnreachable(err) || errors.Is(err, ErrEmptyResponse) {
		return true
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}
