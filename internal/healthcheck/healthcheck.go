// Package healthcheck serves a trivial fixed-string HTTP 200 responder
// with no dependency on House state (spec.md §6, supplemented from
// `healthcheck.py`), intended for external load-balancer liveness probes.
package healthcheck

import (
	"fmt"
	"net/http"
	"time"
)

const defaultResponse = "ok"

// NewServer builds (but does not start) a healthcheck HTTP server bound to
// addr. response is written, with a trailing newline, to every request
// regardless of method or path; an empty response falls back to "ok".
func NewServer(addr, response string) *http.Server {
	if response == "" {
		response = defaultResponse
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s\n", response)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
