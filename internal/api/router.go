// Package api provides the HTTP surface of the maintenance server.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tminus/maintenance/internal/api/handlers"
	"github.com/tminus/maintenance/internal/api/middleware"
)

// NewRouter creates the HTTP router. Only GET /health is served.
func NewRouter(logger *slog.Logger) *mux.Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := mux.NewRouter()

	logging := middleware.Logging(logger)
	recovery := middleware.ErrorRecovery(logger)

	r.Use(logging)
	r.Use(recovery)

	r.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	// mux answers 405 for a known path with the wrong method; the surface
	// treats that the same as an unknown route. r.Use does not reach these
	// handlers, so they get the chain explicitly.
	notFound := logging(recovery(http.HandlerFunc(handlers.NotFound)))
	r.NotFoundHandler = notFound
	r.MethodNotAllowedHandler = notFound

	return r
}
