// Package users owns the User record: its shape, its validation rules, the
// credential store that persists it, and the profile endpoints that let a
// signed-in user read and edit it.
package users

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProviderGoogle is the AuthMethod provider name for Google sign-in.
const ProviderGoogle = "google"

// AuthMethod links a user to an identity at an external provider.
type AuthMethod struct {
	Provider   string    `json:"provider"`
	ProviderID string    `json:"providerId"`
	Email      string    `json:"email,omitempty"`
	LinkedAt   time.Time `json:"linkedAt"`
}

// User represents a user in the system, as stored in the `users` table.
// The `validate` tags are the schema rules; the `json` tags name the fields in
// validation messages. User never serializes itself directly: MarshalJSON
// goes through Sanitize so hashes and tokens can't leak into a response.
type User struct {
	ID                uuid.UUID    `json:"id"`
	Username          string       `json:"username" validate:"required,alphanum"`
	DisplayName       string       `json:"displayName" validate:"required,max=50"`
	Email             string       `json:"email" validate:"required,email"`
	PasswordHash      string       `json:"-"`
	VerificationToken *string      `json:"-"`
	IsVerified        bool         `json:"-"`
	ProfileImage      *string      `json:"profileImage" validate:"omitempty,url"`
	Bio               *string      `json:"bio" validate:"omitempty,max=160"`
	AuthMethods       []AuthMethod `json:"authMethods"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Profile is the client-facing representation of a User. Password hash,
// verification state and token are deliberately absent.
type Profile struct {
	ID           string       `json:"id"`
	Username     string       `json:"username"`
	DisplayName  string       `json:"displayName"`
	Email        string       `json:"email"`
	ProfileImage *string      `json:"profileImage,omitempty"`
	Bio          *string      `json:"bio,omitempty"`
	AuthMethods  []AuthMethod `json:"authMethods"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Sanitize returns the client-facing Profile for u.
func (u *User) Sanitize() Profile {
	methods := u.AuthMethods
	if methods == nil {
		methods = []AuthMethod{}
	}
	return Profile{
		ID:           u.ID.String(),
		Username:     u.Username,
		DisplayName:  u.DisplayName,
		Email:        u.Email,
		ProfileImage: u.ProfileImage,
		Bio:          u.Bio,
		AuthMethods:  methods,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

// MarshalJSON always emits the sanitized profile.
func (u User) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Sanitize())
}

// HasPassword reports whether the account can use local login at all.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// HasAuthMethod reports whether the user is already linked to the given
// provider identity.
func (u *User) HasAuthMethod(provider, providerID string) bool {
	for _, m := range u.AuthMethods {
		if m.Provider == provider && m.ProviderID == providerID {
			return true
		}
	}
	return false
}

// Normalize puts the identity fields in canonical form: trimmed, with
// username and email lowercased. Empty optional fields become nil.
func (u *User) Normalize() {
	u.Username = CanonicalUsername(u.Username)
	u.Email = CanonicalEmail(u.Email)
	u.DisplayName = strings.TrimSpace(u.DisplayName)
	u.ProfileImage = trimOptional(u.ProfileImage)
	u.Bio = trimOptional(u.Bio)
}

// CanonicalEmail is the stored form of an email address.
func CanonicalEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CanonicalUsername is the stored form of a username.
func CanonicalUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
