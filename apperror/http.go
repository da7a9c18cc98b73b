package apperror

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// WriteJSON serializes `data` to JSON and writes it with the given `status`.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Avoid writing nil, which would result in a "null" response body.
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all that's left is to record it.
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// WriteError converts any error into a standardized ErrorResponse.
// Errors that are not already an *AppError become a generic InternalError so
// nothing internal leaks to the client. Server-side failures are logged with
// their underlying cause.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := FromError(err)
	if !ok {
		appErr = NewInternalError("an unexpected error occurred", err)
	}

	if appErr.StatusCode() >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", appErr.Error(),
		)
	}

	WriteJSON(w, appErr.StatusCode(), appErr.ToResponse())
}
