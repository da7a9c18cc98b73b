package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	// `uuid` is the type stored in the request context.
	"github.com/google/uuid"

	// `apperror` renders the 401 for RequireUser.
	"github.com/user/nutrisync-go/apperror"
)

// contextKey is a custom type for context keys, to avoid collisions with
// keys defined in other packages.
type contextKey string

const userIDContextKey contextKey = "session_user_id"

// NewContext returns a child context carrying the signed-in user's id.
func NewContext(ctx context.Context, userID uuid.UUID) context.Context {
	// `context.WithValue` returns a copy of ctx; the original is unchanged.
	return context.WithValue(ctx, userIDContextKey, userID)
}

// UserIDFromContext returns the id stored by Middleware, if any.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	// The type assertion fails (ok=false) when no id was stored.
	id, ok := ctx.Value(userIDContextKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// Middleware resolves the session cookie on every request and, when it
// names a live session, puts the user id into the request context.
// Requests without a session pass through untouched.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.Resolve(r.Context(), r)
		switch {
		case err == nil:
			// `r.WithContext` makes a shallow copy of the request with the new context.
			r = r.WithContext(NewContext(r.Context(), id))
		case errors.Is(err, ErrNoSession):
			// Anonymous request.
		default:
			// Treat an unreachable store as "not signed in" rather than
			// failing public endpoints.
			slog.WarnContext(r.Context(), "session lookup failed", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser rejects requests that Middleware did not attach a user to.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserIDFromContext(r.Context()); !ok {
			apperror.WriteError(w, r, apperror.NewUnauthorizedError("Not authenticated", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
