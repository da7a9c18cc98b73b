package users

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/user/nutrisync-go/apperror"
)

// Service provides the profile operations for a signed-in user.
type Service struct {
	store  Store
	hasher PasswordHasher
	logger *slog.Logger
}

// NewService creates a new profile Service.
func NewService(store Store, hasher PasswordHasher, logger *slog.Logger) *Service {
	return &Service{store: store, hasher: hasher, logger: logger}
}

// GetProfile retrieves the user with the given id.
func (s *Service) GetProfile(ctx context.Context, userID uuid.UUID) (*User, error) {
	return s.store.FindByID(ctx, userID)
}

// UpdateProfile applies the requested changes. A new password is hashed here,
// once, and only the hash is handed to the store.
func (s *Service) UpdateProfile(ctx context.Context, userID uuid.UUID, req UpdateProfileRequest) (*User, error) {
	if req.empty() {
		return nil, apperror.NewBadRequestError("No fields provided for update", nil)
	}

	fields := UpdateFields{
		DisplayName:  req.DisplayName,
		Bio:          req.Bio,
		ProfileImage: req.ProfileImage,
	}

	if req.NewPassword != "" {
		current, err := s.store.FindByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if current.HasPassword() && !VerifyPassword(s.hasher, current, req.CurrentPassword) {
			return nil, apperror.NewFieldValidationError("User validation failed", map[string]string{
				"currentPassword": "Current password is incorrect",
			})
		}
		hash, err := HashPassword(s.hasher, req.NewPassword)
		if err != nil {
			return nil, err
		}
		fields.PasswordHash = &hash
	}

	updated, err := s.store.Update(ctx, userID, fields)
	if err != nil {
		return nil, err
	}
	if fields.PasswordHash != nil {
		s.logger.InfoContext(ctx, "password changed", "user_id", userID)
	}
	return updated, nil
}
