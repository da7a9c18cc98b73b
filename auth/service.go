// Package auth implements the account workflow: registration, email
// verification, local and Google login, session check and logout.
package auth

import (
	"context"
	"log/slog"
	"strings"

	// `uuid` is the type of user ids.
	"github.com/google/uuid"

	"github.com/user/nutrisync-go/apperror"
	// `mailer` defines the VerificationEmail handed to the queue.
	"github.com/user/nutrisync-go/mailer"
	// `token` generates the random verification tokens.
	"github.com/user/nutrisync-go/token"
	// `users` owns the User record and the credential store.
	"github.com/user/nutrisync-go/users"
)

// VerificationQueue accepts verification emails for background delivery.
type VerificationQueue interface {
	Enqueue(email mailer.VerificationEmail) error
}

// Service provides the auth workflow on top of the credential store.
// Sessions are handled by the HTTP layer; the service only decides who the
// user is.
type Service struct {
	store     users.Store
	hasher    users.PasswordHasher
	mail      VerificationQueue
	local     Strategy
	federated Strategy
	logger    *slog.Logger
}

// NewService creates a new auth Service with the default strategies.
func NewService(store users.Store, hasher users.PasswordHasher, mail VerificationQueue, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		hasher:    hasher,
		mail:      mail,
		local:     NewLocalStrategy(store, hasher),
		federated: NewFederatedStrategy(store),
		logger:    logger,
	}
}

// Register creates an unverified account and queues its verification email.
// A mail problem is logged and does not fail the registration.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (u *users.User, err error) {
	defer func() { recordEvent(OpRegister, err) }()

	candidate := &users.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		ProfileImage: req.ProfileImage,
		Bio:          req.Bio,
	}
	// Trim and lowercase the identity fields before validating them.
	candidate.Normalize()

	// Report every field problem at once, password included.
	fields := map[string]string{}
	if verr := users.Validate(candidate); verr != nil {
		if !mergeFields(fields, verr) {
			return nil, verr
		}
	}
	hash, herr := users.HashPassword(s.hasher, req.Password)
	if herr != nil && !mergeFields(fields, herr) {
		return nil, herr
	}
	if len(fields) > 0 {
		return nil, apperror.NewFieldValidationError("User validation failed", fields)
	}

	// The account starts unverified and holds the only copy of the token.
	verificationToken, err := token.Generate()
	if err != nil {
		return nil, apperror.NewInternalError("failed to generate verification token", err)
	}
	candidate.PasswordHash = hash
	candidate.VerificationToken = &verificationToken
	candidate.IsVerified = false

	// Uniqueness is enforced by the store; a duplicate username or email comes
	// back as a field ValidationError.
	created, err := s.store.Create(ctx, candidate)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", created.ID, "username", created.Username)
	// Enqueue returns immediately; delivery happens on the dispatcher's workers.
	if qerr := s.mail.Enqueue(mailer.VerificationEmail{
		To:       created.Email,
		Username: created.Username,
		Token:    verificationToken,
	}); qerr != nil {
		s.logger.ErrorContext(ctx, "failed to queue verification email", "user_id", created.ID, "error", qerr)
	}
	return created, nil
}

// Verify consumes a verification token. Each token works once.
func (s *Service) Verify(ctx context.Context, verificationToken string) (err error) {
	defer func() { recordEvent(OpVerify, err) }()

	verificationToken = strings.TrimSpace(verificationToken)
	if verificationToken == "" {
		return apperror.NewBadRequestError("Verification token is required", nil)
	}
	// One UPDATE marks the user verified and clears the token.
	u, err := s.store.ConsumeVerificationToken(ctx, verificationToken)
	if err != nil {
		if apperror.IsNotFound(err) {
			return apperror.NewNotFoundError("Invalid or expired verification token", nil)
		}
		return err
	}
	s.logger.InfoContext(ctx, "email verified", "user_id", u.ID)
	return nil
}

// Login authenticates with email and password.
func (s *Service) Login(ctx context.Context, req LoginRequest) (u *users.User, err error) {
	defer func() { recordEvent(OpLogin, err) }()

	u, err = s.local.Authenticate(ctx, Credentials{Email: req.Email, Password: req.Password})
	if err != nil {
		if apperror.IsAuthError(err) {
			s.logger.InfoContext(ctx, "login rejected", "email", users.CanonicalEmail(req.Email))
		}
		return nil, err
	}
	return u, nil
}

// LoginFederated resolves a provider identity to a user.
func (s *Service) LoginFederated(ctx context.Context, id *Identity) (u *users.User, err error) {
	defer func() { recordEvent(OpGoogleLogin, err) }()
	return s.federated.Authenticate(ctx, Credentials{Identity: id})
}

// CurrentUser loads the user a session points at. A user that no longer
// exists reports ok=false.
func (s *Service) CurrentUser(ctx context.Context, userID uuid.UUID) (*users.User, bool, error) {
	u, err := s.store.FindByID(ctx, userID)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return u, true, nil
}

// mergeFields copies the field messages of a validation error into dst.
// It reports false when err is not a field validation error.
func mergeFields(dst map[string]string, err error) bool {
	appErr, ok := apperror.FromError(err)
	if !ok || appErr.Type != apperror.ValidationError || len(appErr.Fields) == 0 {
		return false
	}
	for k, v := range appErr.Fields {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
	return true
}
