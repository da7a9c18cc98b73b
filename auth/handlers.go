// This file, `handlers.go`, is the HTTP layer of the auth workflow. Each
// handler decodes the request, calls the Service, and writes the JSON (or
// redirect) the browser expects.
package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	// `chi` is the router; RegisterRoutes mounts the endpoints on a chi.Router.
	"github.com/go-chi/chi/v5"

	// `apperror` turns service errors into status codes and JSON bodies.
	"github.com/user/nutrisync-go/apperror"
	"github.com/user/nutrisync-go/config"
	// `session` owns the cookie and its redis record.
	"github.com/user/nutrisync-go/session"
)

// Handlers provides HTTP handlers for the auth workflow.
// Dependencies are injected through NewHandlers; the struct itself holds no
// per-request state, so one instance serves every request.
type Handlers struct {
	service  *Service
	sessions *session.Manager
	// google is nil when Google login is not configured.
	google    *GoogleProvider
	redirects config.OAuthConfig
	logger    *slog.Logger
}

// NewHandlers creates new auth Handlers. Pass a nil google provider to
// disable the Google routes.
func NewHandlers(service *Service, sessions *session.Manager, google *GoogleProvider, oauthCfg config.OAuthConfig, logger *slog.Logger) *Handlers {
	return &Handlers{
		service:   service,
		sessions:  sessions,
		google:    google,
		redirects: oauthCfg,
		logger:    logger,
	}
}

// RegisterRoutes mounts the auth endpoints. session.Middleware must already
// be installed on the parent router for check to see the session.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Post("/register", h.HandleRegister())
	r.Get("/verify", h.HandleVerify())
	r.Post("/login", h.HandleLogin())
	r.Get("/check", h.HandleCheck())
	r.Post("/logout", h.HandleLogout())

	if h.google != nil {
		r.Get("/google", h.HandleGoogleLogin())
		r.Get("/google/callback", h.HandleGoogleCallback())
	}
}

// HandleRegister creates an account and answers with the sanitized user.
// `HandleRegister` returns an `http.HandlerFunc` closure that captures `h`.
func (h *Handlers) HandleRegister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Decode the JSON body into the RegisterRequest DTO.
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperror.WriteError(w, r, apperror.NewBadRequestError("Invalid request payload", err))
			return
		}
		defer r.Body.Close()

		// Validation, hashing, the insert and the mail hand-off all happen in
		// the service. Field errors come back as a ValidationError (400).
		user, err := h.service.Register(r.Context(), req)
		if err != nil {
			apperror.WriteError(w, r, err)
			return
		}
		// Sanitize strips the password hash and verification token.
		apperror.WriteJSON(w, http.StatusOK, user.Sanitize())
	}
}

// HandleVerify consumes the `token` query parameter.
func (h *Handlers) HandleVerify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.service.Verify(r.Context(), r.URL.Query().Get("token")); err != nil {
			apperror.WriteError(w, r, err)
			return
		}
		apperror.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Email verified"})
	}
}

// HandleLogin authenticates with email and password and starts a session.
func (h *Handlers) HandleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperror.WriteError(w, r, apperror.NewBadRequestError("Invalid request payload", err))
			return
		}
		defer r.Body.Close()

		// A missing field is a failed login like any other: 401, generic label.
		if req.Email == "" || req.Password == "" {
			apperror.WriteError(w, r, apperror.NewAuthError("Missing credentials", nil))
			return
		}

		// The local strategy answers every credential failure with the same
		// AuthError, which WriteError renders as 401.
		user, err := h.service.Login(r.Context(), req)
		if err != nil {
			apperror.WriteError(w, r, err)
			return
		}
		// Create writes the redis record and sets the session cookie on `w`.
		if err := h.sessions.Create(r.Context(), w, r, user.ID); err != nil {
			apperror.WriteError(w, r, apperror.NewInternalError("failed to create session", err))
			return
		}
		apperror.WriteJSON(w, http.StatusOK, loggedIn(user))
	}
}

// HandleCheck reports whether the request carries a live session.
func (h *Handlers) HandleCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// session.Middleware has already resolved the cookie; no user id in the
		// context means no live session.
		userID, ok := session.UserIDFromContext(r.Context())
		if !ok {
			apperror.WriteJSON(w, http.StatusOK, SessionResponse{LoggedIn: false})
			return
		}

		user, found, err := h.service.CurrentUser(r.Context(), userID)
		if err != nil {
			apperror.WriteError(w, r, err)
			return
		}
		// The session outlived its user.
		if !found {
			apperror.WriteJSON(w, http.StatusOK, SessionResponse{LoggedIn: false})
			return
		}
		apperror.WriteJSON(w, http.StatusOK, loggedIn(user))
	}
}

// HandleLogout destroys the session. Logging out without a session succeeds.
func (h *Handlers) HandleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h.sessions.Destroy(r.Context(), w, r)
		recordEvent(OpLogout, err)
		if err != nil {
			apperror.WriteError(w, r, apperror.NewInternalError("failed to destroy session", err))
			return
		}
		apperror.WriteJSON(w, http.StatusOK, MessageResponse{Message: "User logged out"})
	}
}

// HandleGoogleLogin redirects the browser to Google's consent screen.
func (h *Handlers) HandleGoogleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The state is a short-lived signed token; a copy goes into a cookie
		// scoped to the Google routes so the callback can compare the two.
		state, err := h.google.NewState()
		if err != nil {
			apperror.WriteError(w, r, apperror.NewInternalError("failed to start Google login", err))
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     StateCookieName,
			Value:    state,
			Path:     "/api/auth/google",
			MaxAge:   int(h.google.StateTTL().Seconds()),
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		})
		http.Redirect(w, r, h.google.AuthCodeURL(state), http.StatusTemporaryRedirect)
	}
}

// HandleGoogleCallback finishes the handshake. Every failure ends in a
// redirect to the failure page.
func (h *Handlers) HandleGoogleCallback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		q := r.URL.Query()

		var cookieState string
		if c, err := r.Cookie(StateCookieName); err == nil {
			cookieState = c.Value
		}
		// The state is single use.
		http.SetCookie(w, &http.Cookie{
			Name:     StateCookieName,
			Value:    "",
			Path:     "/api/auth/google",
			MaxAge:   -1,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})

		fail := func(reason string, err error) {
			h.logger.WarnContext(ctx, "google login failed", "reason", reason, "error", err)
			http.Redirect(w, r, h.redirects.FailureRedirect, http.StatusTemporaryRedirect)
		}

		if providerErr := q.Get("error"); providerErr != "" {
			recordEvent(OpGoogleLogin, apperror.NewAuthError(providerErr, nil))
			fail("provider returned error", apperror.NewAuthError(providerErr, nil))
			return
		}
		if err := h.google.ValidateState(q.Get("state"), cookieState); err != nil {
			recordEvent(OpGoogleLogin, err)
			fail("bad state", err)
			return
		}
		identity, err := h.google.Exchange(ctx, q.Get("code"))
		if err != nil {
			recordEvent(OpGoogleLogin, err)
			fail("exchange failed", err)
			return
		}
		user, err := h.service.LoginFederated(ctx, identity)
		if err != nil {
			fail("could not resolve user", err)
			return
		}
		if err := h.sessions.Create(ctx, w, r, user.ID); err != nil {
			fail("could not create session", err)
			return
		}

		h.logger.InfoContext(ctx, "google login", "user_id", user.ID)
		http.Redirect(w, r, h.redirects.SuccessRedirect, http.StatusTemporaryRedirect)
	}
}
