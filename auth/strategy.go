package auth

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/user/nutrisync-go/apperror"
	"github.com/user/nutrisync-go/token"
	"github.com/user/nutrisync-go/users"
)

// invalidCredentials is the one message every local login failure gets, so
// the response never reveals which check failed.
const invalidCredentials = "Invalid email or password"

// Identity is what an external provider vouches for after a successful
// handshake.
type Identity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// Credentials carry whatever a Strategy needs to authenticate: an email and
// password for local login, or a provider Identity for federated login.
type Credentials struct {
	Email    string
	Password string
	Identity *Identity
}

// Strategy resolves credentials to a user.
type Strategy interface {
	Authenticate(ctx context.Context, creds Credentials) (*users.User, error)
}

// LocalStrategy authenticates with email and password.
type LocalStrategy struct {
	store  users.Store
	hasher users.PasswordHasher
}

// NewLocalStrategy creates a LocalStrategy.
func NewLocalStrategy(store users.Store, hasher users.PasswordHasher) *LocalStrategy {
	return &LocalStrategy{store: store, hasher: hasher}
}

// Authenticate fails with the same AuthError for an unknown email, an
// account without a password, an unverified account and a wrong password.
func (s *LocalStrategy) Authenticate(ctx context.Context, creds Credentials) (*users.User, error) {
	u, err := s.store.FindByEmail(ctx, creds.Email)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, apperror.NewAuthError(invalidCredentials, nil)
		}
		return nil, err
	}
	// Federated-only and unverified accounts cannot use local login.
	if !u.HasPassword() || !u.IsVerified {
		return nil, apperror.NewAuthError(invalidCredentials, nil)
	}
	if !users.VerifyPassword(s.hasher, u, creds.Password) {
		return nil, apperror.NewAuthError(invalidCredentials, nil)
	}
	return u, nil
}

// Resolutions reported by FederatedStrategy.
const (
	resolutionMatched = "matched"
	resolutionLinked  = "linked"
	resolutionCreated = "created"
)

const (
	maxUsernameBase   = 20
	usernameSuffixLen = 6
	maxDisplayName    = 50
)

// FederatedStrategy resolves a provider identity to a local user, linking or
// creating the account as needed.
type FederatedStrategy struct {
	store users.Store
	now   func() time.Time
}

// NewFederatedStrategy creates a FederatedStrategy.
func NewFederatedStrategy(store users.Store) *FederatedStrategy {
	return &FederatedStrategy{store: store, now: time.Now}
}

// Authenticate finds the user linked to creds.Identity. Failing that, a user
// with the same (provider-verified) email is linked; failing that, a new
// verified account without a password is created.
func (s *FederatedStrategy) Authenticate(ctx context.Context, creds Credentials) (*users.User, error) {
	id := creds.Identity
	if id == nil || id.Provider == "" || id.Subject == "" {
		return nil, apperror.NewAuthError("Missing provider identity", nil)
	}

	// Returning user: the provider identity is already linked.
	u, err := s.store.FindByAuthMethod(ctx, id.Provider, id.Subject)
	if err == nil {
		FederatedAccounts.WithLabelValues(id.Provider, resolutionMatched).Inc()
		return u, nil
	}
	if !apperror.IsNotFound(err) {
		return nil, err
	}

	if id.Email == "" || !id.EmailVerified {
		return nil, apperror.NewAuthError("Provider did not return a verified email", nil)
	}

	method := users.AuthMethod{
		Provider:   id.Provider,
		ProviderID: id.Subject,
		Email:      users.CanonicalEmail(id.Email),
		LinkedAt:   s.now().UTC(),
	}

	// Same address as a local account: link the identity to it.
	existing, err := s.store.FindByEmail(ctx, id.Email)
	switch {
	case err == nil:
		return s.link(ctx, existing, method)
	case !apperror.IsNotFound(err):
		return nil, err
	}

	return s.create(ctx, id, method)
}

func (s *FederatedStrategy) link(ctx context.Context, u *users.User, method users.AuthMethod) (*users.User, error) {
	// The provider has proven control of the address. For an account nobody
	// verified, that proof outranks whoever set its password, so the store
	// drops the password along with the pending token.
	linked, err := s.store.LinkAuthMethod(ctx, u.ID, method)
	if err != nil {
		return nil, err
	}
	FederatedAccounts.WithLabelValues(method.Provider, resolutionLinked).Inc()
	return linked, nil
}

func (s *FederatedStrategy) create(ctx context.Context, id *Identity, method users.AuthMethod) (*users.User, error) {
	base := usernameBase(id.Email)
	displayName := truncateRunes(strings.TrimSpace(id.Name), maxDisplayName)
	if displayName == "" {
		displayName = base
	}
	var picture *string
	if id.Picture != "" {
		picture = &id.Picture
	}

	// One attempt: 24 random bits make a collision unlikely, and a taken
	// username surfaces as the store's field error like any other write.
	suffix, err := token.Generate()
	if err != nil {
		return nil, apperror.NewInternalError("failed to generate username", err)
	}
	u, err := s.store.Create(ctx, &users.User{
		Username:     base + suffix[:usernameSuffixLen],
		DisplayName:  displayName,
		Email:        id.Email,
		IsVerified:   true,
		ProfileImage: picture,
		AuthMethods:  []users.AuthMethod{method},
	})
	if err != nil {
		return nil, err
	}
	FederatedAccounts.WithLabelValues(method.Provider, resolutionCreated).Inc()
	return u, nil
}

// usernameBase derives a username stem from the email local part, keeping
// only the characters usernames allow.
func usernameBase(email string) string {
	local, _, _ := strings.Cut(users.CanonicalEmail(email), "@")
	var b strings.Builder
	for _, r := range local {
		if r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
		if b.Len() == maxUsernameBase {
			break
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
