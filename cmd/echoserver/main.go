// Package main is a small echo backend for exercising the orchestrator
// locally. It reports its listen port, echoes request details as JSON, and
// exposes a /health endpoint whose status can be toggled at runtime.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

func main() {
	port := flag.Int("port", 9001, "listen port")
	name := flag.String("name", "echo", "service name reported in responses")
	delay := flag.Duration("delay", 0, "artificial response delay")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var healthy atomic.Bool
	healthy.Store(true)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, `{"status":"unhealthy"}`)
			return
		}
		fmt.Fprintln(w, `{"status":"healthy"}`)
	})

	// POST /toggle flips the /health status, for breaker and monitor demos.
	mux.HandleFunc("POST /toggle", func(w http.ResponseWriter, r *http.Request) {
		now := !healthy.Load()
		healthy.Store(now)
		logger.Info("health toggled", "healthy", now)
		fmt.Fprintf(w, `{"healthy":%t}`+"\n", now)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if *delay > 0 {
			time.Sleep(*delay)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"service": *name,
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"headers": map[string]string{
				"X-Request-ID": r.Header.Get("X-Request-ID"),
			},
			"time": time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("echo server listening", "addr", addr, "name", *name)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
