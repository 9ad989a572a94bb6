// Package handlers provides HTTP request handlers for the maintenance server.
package handlers

import (
	"net/http"
)

// HealthCheck answers liveness probes. It touches no collaborator: the
// process being able to serve is the whole signal.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NotFound answers every request that is not a known route, including
// known paths with an unsupported method.
func NotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
}
