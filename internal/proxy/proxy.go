// Package proxy forwards requests to backend endpoints with hop-by-hop
// header sanitization and transport failure classification.
package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dskow/orchestrator-core/internal/endpoint"
)

// OrchestratedByHeader is injected into every proxied response.
const OrchestratedByHeader = "Orchestrator-Core"

// requestHopHeaders are stripped from requests before forwarding. All other
// headers, including Authorization, pass through unmodified: authentication
// passthrough is an explicit design choice.
var requestHopHeaders = []string{
	"Host",
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// responseHopHeaders are stripped from upstream responses; the Server header
// is additionally removed to avoid leaking backend details.
var responseHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Server",
}

// Response is a fully buffered upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Proxy forwards requests to endpoint backends over a shared HTTP client.
// Per-request timeouts come from each endpoint's configuration, so the
// client itself carries none.
type Proxy struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a Proxy.
func New(logger *slog.Logger) *Proxy {
	return &Proxy{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Forward proxies r to the endpoint's backend, appending relativePath to the
// base URL and carrying the query string through. The request is bounded by
// the endpoint's configured timeout. Transport failures are returned as
// *UpstreamError; an HTTP response of any status is a successful forward.
func (p *Proxy) Forward(ep endpoint.Registered, r *http.Request, relativePath string) (*Response, error) {
	targetURL, err := buildTargetURL(ep.Config.URL, relativePath, r.URL.RawQuery)
	if err != nil {
		return nil, &UpstreamError{Kind: KindProtocol, URL: ep.Config.URL, Err: err}
	}

	ctx, cancel := context.WithTimeout(r.Context(), ep.Config.Timeout)
	defer cancel()

	var body io.Reader
	if r.Body != nil {
		body = r.Body
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, body)
	if err != nil {
		return nil, &UpstreamError{Kind: KindProtocol, URL: targetURL, Err: err}
	}
	req.Header = filterHeaders(r.Header, requestHopHeaders)

	p.logger.Debug("forwarding request",
		"method", r.Method,
		"target", targetURL,
		"endpoint_id", ep.ID(),
	)

	resp, err := p.client.Do(req)
	if err != nil {
		upErr := classify(targetURL, err)
		p.logger.Warn("upstream request failed",
			"target", targetURL,
			"endpoint_id", ep.ID(),
			"error", err,
		)
		return nil, upErr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(targetURL, err)
	}

	header := filterHeaders(resp.Header, responseHopHeaders)
	header.Set("X-Orchestrated-By", OrchestratedByHeader)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       respBody,
	}, nil
}

// Probe issues a single GET to targetURL with the given timeout, for health
// checks and connectivity tests. It returns the status code and round-trip
// time; transport failures are returned as *UpstreamError.
func (p *Proxy) Probe(ctx context.Context, targetURL string, timeout time.Duration) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return 0, 0, &UpstreamError{Kind: KindProtocol, URL: targetURL, Err: err}
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return 0, elapsed, classify(targetURL, err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	return resp.StatusCode, elapsed, nil
}

// buildTargetURL joins the endpoint base URL with the relative sub-path and
// carries the client's query string through.
func buildTargetURL(base, relativePath, rawQuery string) (string, error) {
	target := base
	if relativePath != "" {
		joined, err := url.JoinPath(base, strings.TrimPrefix(relativePath, "/"))
		if err != nil {
			return "", err
		}
		target = joined
	}
	if rawQuery != "" {
		if strings.Contains(target, "?") {
			target += "&" + rawQuery
		} else {
			target += "?" + rawQuery
		}
	}
	return target, nil
}

// filterHeaders copies h minus the given hop-by-hop set.
func filterHeaders(h http.Header, exclude []string) http.Header {
	out := make(http.Header, len(h))
	for k, vals := range h {
		if isExcluded(k, exclude) {
			continue
		}
		for _, v := range vals {
			out.Add(k, v)
		}
	}
	return out
}

func isExcluded(key string, exclude []string) bool {
	for _, e := range exclude {
		if strings.EqualFold(key, e) {
			return true
		}
	}
	return false
}
