// Package resilience provides the shared failure taxonomy, redelivery
// backoff policy, and health tracking used when talking to external services.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies a failed external call. The kinds are mutually
// exclusive and checked in this order by the clients: connection first
// (no response received), then rate-limited, then server, then client.
type ErrorKind string

const (
	// KindConnection means no response was received: timeout, DNS failure,
	// TCP reset. Always retryable.
	KindConnection ErrorKind = "connection"
	// KindRateLimited is an HTTP 429; retried after the reset time from the
	// response headers.
	KindRateLimited ErrorKind = "rate_limited"
	// KindServer is a 5xx response; retried with backoff.
	KindServer ErrorKind = "server"
	// KindClient is a non-429 4xx response; never retried.
	KindClient ErrorKind = "client"
)

// ServiceError is a classified failure from an external service call. Op
// names the logical operation that failed (e.g. "schema_extraction") and is
// surfaced to users in error notifications.
type ServiceError struct {
	Service    string
	Op         string
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("%s: %s failed (%s)", e.Service, e.Op, e.Kind)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// ErrorType returns the user-facing error type: "connection" for connection
// failures, otherwise the operation name.
func (e *ServiceError) ErrorType() string {
	if e.Kind == KindConnection {
		return string(KindConnection)
	}
	return e.Op
}

// Retryable reports whether the failed call may be re-attempted. Connection,
// rate-limit, and server failures are; client errors never are.
func (e *ServiceError) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindRateLimited, KindServer:
		return true
	}
	return false
}

// IsConnectionError reports whether err carries a connection-kind
// ServiceError anywhere in its chain.
func IsConnectionError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Kind == KindConnection
}

// AsServiceError extracts a ServiceError from the chain, or nil.
func AsServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// IsConnectionFailure reports whether a transport-level error indicates that
// no response was received from the peer: timeouts, resets, DNS failures.
// Used by the clients to classify errors from http.Client.Do.
func IsConnectionFailure(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	connectionPatterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range connectionPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// KindForStatus classifies a non-2xx HTTP response status code.
func KindForStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == 429:
		return KindRateLimited
	case statusCode >= 500:
		return KindServer
	case statusCode >= 400:
		return KindClient
	default:
		return KindServer
	}
}
