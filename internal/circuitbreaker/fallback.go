package circuitbreaker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dskow/orchestrator-core/internal/endpoint"
)

const (
	// maxCachedBodyBytes caps the size of a single cached response body.
	maxCachedBodyBytes = 10 * 1024

	// maxCacheEntries caps the number of cached responses; the oldest entry
	// by cache timestamp is evicted when the cap is exceeded.
	maxCacheEntries = 100
)

// Fallback is a substitute response produced while a circuit is open.
type Fallback struct {
	Strategy    endpoint.FallbackStrategy
	Body        []byte
	ContentType string
	Cached      bool
}

// FallbackHandler generates fallback responses and maintains the
// opportunistic cache of successful response bodies that backs the
// cached_response strategy.
type FallbackHandler struct {
	mu    sync.Mutex
	cache map[string]cachedResponse
}

type cachedResponse struct {
	body        []byte
	contentType string
	cachedAt    time.Time
}

// NewFallbackHandler creates an empty FallbackHandler.
func NewFallbackHandler() *FallbackHandler {
	return &FallbackHandler{cache: make(map[string]cachedResponse)}
}

// Handle produces the fallback for an endpoint according to strategy. The
// strategy set is closed; anything unrecognized degrades to error_response.
func (h *FallbackHandler) Handle(endpointID string, strategy endpoint.FallbackStrategy, static map[string]any) Fallback {
	switch strategy {
	case endpoint.FallbackErrorResponse:
		return h.errorResponse(endpointID, fmt.Sprintf("Service %s is currently unavailable", endpointID))

	case endpoint.FallbackDefaultResponse:
		if static != nil {
			body, err := json.Marshal(static)
			if err == nil {
				return Fallback{Strategy: strategy, Body: body, ContentType: "application/json"}
			}
		}
		body, _ := json.Marshal(map[string]any{
			"message":     "Default response - service temporarily unavailable",
			"endpoint_id": endpointID,
			"timestamp":   time.Now().Format(time.RFC3339),
		})
		return Fallback{Strategy: strategy, Body: body, ContentType: "application/json"}

	case endpoint.FallbackCachedResponse:
		h.mu.Lock()
		cached, ok := h.cache[endpointID]
		h.mu.Unlock()
		if ok {
			return Fallback{
				Strategy:    strategy,
				Body:        cached.body,
				ContentType: cached.contentType,
				Cached:      true,
			}
		}
		// No cache entry: degrade to error_response.
		return h.errorResponse(endpointID, fmt.Sprintf("Service %s is currently unavailable", endpointID))

	case endpoint.FallbackRedirect:
		// Redirect targets are not configurable yet; degrade to the error
		// response with an explicit message so callers can tell the states
		// apart.
		return h.errorResponse(endpointID, fmt.Sprintf("Service %s is unavailable - redirect not configured", endpointID))

	default:
		return h.errorResponse(endpointID, fmt.Sprintf("Service %s is currently unavailable", endpointID))
	}
}

func (h *FallbackHandler) errorResponse(endpointID, message string) Fallback {
	body, _ := json.Marshal(map[string]any{
		"error":                 "service_unavailable",
		"message":               message,
		"circuit_breaker_state": "open",
		"timestamp":             time.Now().Format(time.RFC3339),
	})
	return Fallback{Strategy: endpoint.FallbackErrorResponse, Body: body, ContentType: "application/json"}
}

// CacheResponse stores a successful response body for later use by the
// cached_response strategy. Bodies over the per-entry size cap are ignored;
// when the entry cap is exceeded the oldest entry by cache time is evicted.
func (h *FallbackHandler) CacheResponse(endpointID string, body []byte, contentType string) {
	if len(body) == 0 || len(body) > maxCachedBodyBytes {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	stored := make([]byte, len(body))
	copy(stored, body)
	h.cache[endpointID] = cachedResponse{
		body:        stored,
		contentType: contentType,
		cachedAt:    time.Now(),
	}

	if len(h.cache) <= maxCacheEntries {
		return
	}

	oldestID := ""
	var oldestAt time.Time
	for id, entry := range h.cache {
		if oldestID == "" || entry.cachedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = entry.cachedAt
		}
	}
	delete(h.cache, oldestID)
}

// CachedEntryCount returns the number of cached response bodies.
func (h *FallbackHandler) CachedEntryCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cache)
}
