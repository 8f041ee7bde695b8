package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/nidhogg/standards-retrieval/internal/provider"
)

// FailureKind classifies why an attempt failed.
type FailureKind string

const (
	Timeout          FailureKind = "timeout"
	RateLimited      FailureKind = "rate_limited"
	TransientNetwork FailureKind = "transient_network"
	NoBackend        FailureKind = "no_backend_available"
	Fatal            FailureKind = "fatal"
	// Storage means the artifact store is unreachable; the whole run stops.
	Storage FailureKind = "storage"
)

// Recoverable reports whether another attempt may succeed.
func (k FailureKind) Recoverable() bool {
	switch k {
	case Timeout, RateLimited, TransientNetwork, NoBackend:
		return true
	default:
		return false
	}
}

// ExecutionError is a classified agent failure.
type ExecutionError struct {
	Kind FailureKind `json:"kind"`
	Err  error       `json:"-"`
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Classify maps an execution error onto a FailureKind.
func Classify(err error) FailureKind {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	if errors.Is(err, provider.ErrNoBackendAvailable) {
		return NoBackend
	}
	if errors.Is(err, provider.ErrNoProvider) {
		return Fatal
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusTooManyRequests:
			return RateLimited
		case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
			return Timeout
		case code >= 500:
			return TransientNetwork
		default:
			return Fatal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	return TransientNetwork
}
