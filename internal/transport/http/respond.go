// Package http is the transport boundary. Handlers bind and validate
// typed request structures, call a service, and translate the service's
// error into a status exactly once, here.
package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	apierrors "rslserver/internal/errors"
)

// respondError translates any error into the standard error envelope.
// Unknown errors become internal_error; their cause goes to the log only.
func respondError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, development bool) {
	apiErr, ok := err.(*apierrors.APIError)
	if !ok {
		logger.ErrorContext(r.Context(), "unhandled service error",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apiErr = apierrors.InternalError(err, development)
	}
	render.Status(r, apiErr.StatusCode)
	render.JSON(w, r, apierrors.NewErrorResponse(apiErr))
}

// respondJSON writes a success payload with the given status.
func respondJSON(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	render.Status(r, status)
	render.JSON(w, r, payload)
}
