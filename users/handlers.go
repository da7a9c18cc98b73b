package users

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/user/nutrisync-go/apperror"
	"github.com/user/nutrisync-go/session"
)

// Handlers provides HTTP handlers for profile management.
type Handlers struct {
	service *Service
}

// NewHandlers creates new profile Handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes mounts the profile endpoints. The caller is expected to
// have installed session.Middleware upstream; RequireUser is applied here.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(session.RequireUser)
		r.Get("/me", h.HandleGetProfile())
		r.Put("/me", h.HandleUpdateProfile())
	})
}

// HandleGetProfile returns the signed-in user's profile.
func (h *Handlers) HandleGetProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := session.UserIDFromContext(r.Context())
		if !ok {
			apperror.WriteError(w, r, apperror.NewUnauthorizedError("Not authenticated", nil))
			return
		}

		user, err := h.service.GetProfile(r.Context(), userID)
		if err != nil {
			apperror.WriteError(w, r, err)
			return
		}
		apperror.WriteJSON(w, http.StatusOK, user.Sanitize())
	}
}

// HandleUpdateProfile applies a partial profile update.
func (h *Handlers) HandleUpdateProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := session.UserIDFromContext(r.Context())
		if !ok {
			apperror.WriteError(w, r, apperror.NewUnauthorizedError("Not authenticated", nil))
			return
		}

		var req UpdateProfileRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			apperror.WriteError(w, r, apperror.NewBadRequestError("Invalid request payload", err))
			return
		}

		updated, err := h.service.UpdateProfile(r.Context(), userID, req)
		if err != nil {
			apperror.WriteError(w, r, err)
			return
		}
		apperror.WriteJSON(w, http.StatusOK, updated.Sanitize())
	}
}
