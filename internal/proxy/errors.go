package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies upstream transport failures.
type ErrorKind int

const (
	// KindTimeout is a request that exceeded its deadline. Mapped to 504.
	KindTimeout ErrorKind = iota

	// KindConnection is a failure to reach the backend at all. Mapped to 502.
	KindConnection

	// KindProtocol is any other transport-level failure. Mapped to 502.
	KindProtocol
)

// UpstreamError wraps a transport failure from a proxied request with its
// classification and target URL.
type UpstreamError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *UpstreamError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("upstream timeout for %s: %v", e.URL, e.Err)
	case KindConnection:
		return fmt.Sprintf("upstream connection error for %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("upstream error for %s: %v", e.URL, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// StatusCode returns the gateway status the failure maps to.
func (e *UpstreamError) StatusCode() int {
	if e.Kind == KindTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// classify wraps err as an UpstreamError with the appropriate kind.
func classify(targetURL string, err error) *UpstreamError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{Kind: KindTimeout, URL: targetURL, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &UpstreamError{Kind: KindTimeout, URL: targetURL, Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &UpstreamError{Kind: KindConnection, URL: targetURL, Err: err}
	}

	return &UpstreamError{Kind: KindProtocol, URL: targetURL, Err: err}
}
