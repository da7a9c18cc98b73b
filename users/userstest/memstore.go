// Package userstest provides an in-memory users.Store for tests of packages
// that sit on top of the credential store.
package userstest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/nutrisync-go/apperror"
	"github.com/user/nutrisync-go/users"
)

// MemoryStore is a users.Store backed by a map. It applies the same
// normalization, validation and uniqueness rules as the Postgres store.
type MemoryStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]*users.User

	// Err, when set, is returned by every operation.
	Err error
}

var _ users.Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[uuid.UUID]*users.User)}
}

// Len returns the number of stored users.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *MemoryStore) Create(_ context.Context, u *users.User) (*users.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	u.Normalize()
	if err := users.Validate(u); err != nil {
		return nil, err
	}
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return nil, apperror.NewFieldValidationError("User validation failed", map[string]string{
				"username": "Username is already taken",
			})
		}
		if existing.Email == u.Email {
			return nil, apperror.NewFieldValidationError("User validation failed", map[string]string{
				"email": "Email address is already registered",
			})
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.AuthMethods == nil {
		u.AuthMethods = []users.AuthMethod{}
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	s.users[u.ID] = clone(u)
	return clone(u), nil
}

func (s *MemoryStore) FindByID(_ context.Context, id uuid.UUID) (*users.User, error) {
	return s.find(func(u *users.User) bool { return u.ID == id })
}

func (s *MemoryStore) FindByEmail(_ context.Context, email string) (*users.User, error) {
	email = users.CanonicalEmail(email)
	return s.find(func(u *users.User) bool { return u.Email == email })
}

func (s *MemoryStore) FindByUsername(_ context.Context, username string) (*users.User, error) {
	username = users.CanonicalUsername(username)
	return s.find(func(u *users.User) bool { return u.Username == username })
}

func (s *MemoryStore) FindByToken(_ context.Context, token string) (*users.User, error) {
	if token == "" {
		return nil, apperror.NewNotFoundError("verification token not found", nil)
	}
	return s.find(func(u *users.User) bool {
		return u.VerificationToken != nil && *u.VerificationToken == token
	})
}

func (s *MemoryStore) FindByAuthMethod(_ context.Context, provider, providerID string) (*users.User, error) {
	return s.find(func(u *users.User) bool { return u.HasAuthMethod(provider, providerID) })
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, fields users.UpdateFields) (*users.User, error) {
	if err := fields.NormalizeAndValidate(); err != nil {
		return nil, err
	}
	return s.mutate(func(u *users.User) bool { return u.ID == id }, func(u *users.User) {
		if fields.DisplayName != nil {
			u.DisplayName = *fields.DisplayName
		}
		if fields.Bio != nil {
			u.Bio = optional(*fields.Bio)
		}
		if fields.ProfileImage != nil {
			u.ProfileImage = optional(*fields.ProfileImage)
		}
		if fields.PasswordHash != nil {
			u.PasswordHash = *fields.PasswordHash
		}
	})
}

func (s *MemoryStore) ConsumeVerificationToken(_ context.Context, token string) (*users.User, error) {
	if token == "" {
		return nil, apperror.NewNotFoundError("verification token not found", nil)
	}
	return s.mutate(func(u *users.User) bool {
		return u.VerificationToken != nil && *u.VerificationToken == token
	}, func(u *users.User) {
		u.IsVerified = true
		u.VerificationToken = nil
	})
}

func (s *MemoryStore) LinkAuthMethod(_ context.Context, id uuid.UUID, m users.AuthMethod) (*users.User, error) {
	return s.mutate(func(u *users.User) bool { return u.ID == id }, func(u *users.User) {
		u.AuthMethods = append(u.AuthMethods, m)
		if !u.IsVerified {
			u.PasswordHash = ""
			u.VerificationToken = nil
		}
		u.IsVerified = true
	})
}

func (s *MemoryStore) find(match func(*users.User) bool) (*users.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, u := range s.users {
		if match(u) {
			return clone(u), nil
		}
	}
	return nil, apperror.NewNotFoundError("user not found", nil)
}

func (s *MemoryStore) mutate(match func(*users.User) bool, apply func(*users.User)) (*users.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, u := range s.users {
		if match(u) {
			apply(u)
			u.UpdatedAt = time.Now().UTC()
			return clone(u), nil
		}
	}
	return nil, apperror.NewNotFoundError("user not found", nil)
}

// clone copies u so callers can't mutate stored state behind the lock.
func clone(u *users.User) *users.User {
	c := *u
	c.AuthMethods = append([]users.AuthMethod{}, u.AuthMethods...)
	if u.VerificationToken != nil {
		t := *u.VerificationToken
		c.VerificationToken = &t
	}
	return &c
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
