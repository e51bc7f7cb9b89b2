// Package apierror provides a centralized error response format for the
// orchestrator. All components use WriteJSON to produce consistent,
// machine-readable error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Orchestrator error codes. These form a public API contract — clients can
// program against these stable codes. Do not rename or remove existing codes.
const (
	EndpointNotFound  ErrorCode = "ORCH_ENDPOINT_NOT_FOUND"
	EndpointDisabled  ErrorCode = "ORCH_ENDPOINT_DISABLED"
	EndpointUnhealthy ErrorCode = "ORCH_ENDPOINT_UNHEALTHY"
	CircuitOpen       ErrorCode = "ORCH_CIRCUIT_OPEN"
	MethodNotAllowed  ErrorCode = "ORCH_METHOD_NOT_ALLOWED"
	UpstreamTimeout   ErrorCode = "ORCH_UPSTREAM_TIMEOUT"
	UpstreamUnavail   ErrorCode = "ORCH_UPSTREAM_UNAVAILABLE"
	IdentityConflict  ErrorCode = "ORCH_IDENTITY_CONFLICT"
	URLConflict       ErrorCode = "ORCH_URL_CONFLICT"
	InvalidRequest    ErrorCode = "ORCH_INVALID_REQUEST"
	RateLimitExceeded ErrorCode = "ORCH_RATE_LIMIT_EXCEEDED"
	BodyTooLarge      ErrorCode = "ORCH_BODY_TOO_LARGE"
	InternalError     ErrorCode = "ORCH_INTERNAL_ERROR"
)

// ErrorResponse is the standardized orchestrator error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes a structured JSON error response. When the request carries
// an X-Request-ID header, it is echoed into the body. The request parameter
// may be nil for contexts where no request is available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{ //nolint:errcheck
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		Timestamp: time.Now().Format(time.RFC3339),
		RequestID: requestID,
	})
}
