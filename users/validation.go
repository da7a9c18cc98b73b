package users

import (
	"errors"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/user/nutrisync-go/apperror"
)

const (
	minPasswordLength = 8
	// bcrypt only looks at the first 72 bytes; longer inputs are rejected
	// rather than silently truncated.
	maxPasswordBytes = 72
)

// validate is safe for concurrent use and caches struct metadata, so one
// instance serves the whole package.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names (`displayName`) instead of Go names (`DisplayName`).
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// fieldMessages maps "<field>.<tag>" to the message shown to the client.
var fieldMessages = map[string]string{
	"username.required":    "Username is required",
	"username.alphanum":    "Username contains invalid characters",
	"displayName.required": "Display name is required.",
	"displayName.max":      "Display name cannot exceed 50 characters",
	"email.required":       "Email address is required.",
	"email.email":          "Invalid email address",
	"profileImage.url":     "Invalid URL for profile image",
	"bio.max":              "Bio cannot exceed 160 characters",
}

// Validate checks u against the schema rules. u should already be
// normalized. The returned error is an apperror ValidationError carrying one
// message per offending field.
func Validate(u *User) error {
	err := validate.Struct(u)
	if err == nil {
		return nil
	}
	return toFieldError(err)
}

func toFieldError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.NewInternalError("validation failed unexpectedly", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		if _, seen := fields[field]; seen {
			continue
		}
		fields[field] = lookupMessage(field, fe.Tag())
	}
	return apperror.NewFieldValidationError("User validation failed", fields)
}

// messageFor picks the client message for a failed validate.Var call.
func messageFor(field string, err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return lookupMessage(field, verrs[0].Tag())
	}
	return field + " is invalid"
}

func lookupMessage(field, tag string) string {
	if msg, ok := fieldMessages[field+"."+tag]; ok {
		return msg
	}
	return field + " is invalid"
}

// PasswordHasher is the slice of the password package the users package needs.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) bool
}

// HashPassword is the only way a plaintext password enters the system. It
// applies the password policy and returns the hash to store. Callers hold the
// plaintext only for the duration of this call, so a record can never carry a
// plaintext password or be hashed twice.
func HashPassword(h PasswordHasher, plaintext string) (string, error) {
	plaintext = strings.TrimSpace(plaintext)
	if utf8.RuneCountInString(plaintext) < minPasswordLength {
		return "", apperror.NewFieldValidationError("User validation failed", map[string]string{
			"password": "Password must be at least 8 characters long",
		})
	}
	if len(plaintext) > maxPasswordBytes {
		return "", apperror.NewFieldValidationError("User validation failed", map[string]string{
			"password": "Password cannot exceed 72 bytes",
		})
	}
	hash, err := h.Hash(plaintext)
	if err != nil {
		return "", apperror.NewInternalError("failed to hash password", err)
	}
	return hash, nil
}

// VerifyPassword checks plaintext against u's stored hash using the same
// trimming HashPassword applied.
func VerifyPassword(h PasswordHasher, u *User, plaintext string) bool {
	if !u.HasPassword() {
		return false
	}
	return h.Verify(strings.TrimSpace(plaintext), u.PasswordHash)
}
