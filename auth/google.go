package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	// `jwt` signs the OAuth `state` so the callback can trust it without
	// server-side storage.
	"github.com/golang-jwt/jwt/v5"
	// `oauth2` runs the authorization-code flow; `endpoints.Google` holds
	// Google's auth and token URLs.
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/user/nutrisync-go/apperror"
	"github.com/user/nutrisync-go/config"
	"github.com/user/nutrisync-go/token"
	"github.com/user/nutrisync-go/users"
)

const (
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	stateIssuer       = "nutrisync"
	// StateCookieName carries the OAuth state between the redirect and the callback.
	StateCookieName = "oauth_state"
)

var (
	errStateMismatch = errors.New("oauth state mismatch")
	errStateInvalid  = errors.New("oauth state invalid")
)

// GoogleProvider runs the OAuth 2.0 authorization-code handshake with Google
// and turns the result into an Identity.
type GoogleProvider struct {
	oauth       *oauth2.Config
	userInfoURL string
	stateSecret []byte
	stateTTL    time.Duration
	httpClient  *http.Client
}

// GoogleOption customizes a GoogleProvider.
type GoogleOption func(*GoogleProvider)

// WithEndpoints points the provider at different OAuth and userinfo URLs.
func WithEndpoints(endpoint oauth2.Endpoint, userInfoURL string) GoogleOption {
	return func(g *GoogleProvider) {
		g.oauth.Endpoint = endpoint
		g.userInfoURL = userInfoURL
	}
}

// WithHTTPClient sets the client used for the token exchange and userinfo call.
func WithHTTPClient(c *http.Client) GoogleOption {
	return func(g *GoogleProvider) { g.httpClient = c }
}

// NewGoogleProvider creates a provider from the OAuth configuration.
func NewGoogleProvider(cfg config.OAuthConfig, opts ...GoogleOption) *GoogleProvider {
	g := &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleCallbackURL,
			Scopes:       []string{"profile", "email"},
			Endpoint:     endpoints.Google,
		},
		userInfoURL: googleUserInfoURL,
		stateSecret: []byte(cfg.StateSecret),
		stateTTL:    cfg.StateTTL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AuthCodeURL is where the browser is sent to sign in with Google.
func (g *GoogleProvider) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
}

// NewState returns a signed, short-lived state value.
func (g *GoogleProvider) NewState() (string, error) {
	nonce, err := token.Generate()
	if err != nil {
		return "", fmt.Errorf("generate state nonce: %w", err)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        nonce,
		Issuer:    stateIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(g.stateTTL)),
	}
	// HS256 with the shared secret from OAUTH_STATE_SECRET.
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.stateSecret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// ValidateState checks that the state returned by Google matches the one in
// the browser's cookie and is still a valid signed state.
func (g *GoogleProvider) ValidateState(fromQuery, fromCookie string) error {
	if fromQuery == "" || fromQuery != fromCookie {
		return errStateMismatch
	}
	// The keyfunc returns the secret; the parser options pin the algorithm,
	// check the issuer and insist on an expiry.
	_, err := jwt.ParseWithClaims(fromQuery, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return g.stateSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", errStateInvalid, err)
	}
	return nil
}

// StateTTL is how long a state (and its cookie) stays valid.
func (g *GoogleProvider) StateTTL() time.Duration {
	return g.stateTTL
}

// googleUserInfo is the subset of the OpenID Connect userinfo response we use.
type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Exchange trades the authorization code for a token and fetches the
// signed-in user's profile.
func (g *GoogleProvider) Exchange(ctx context.Context, code string) (*Identity, error) {
	if code == "" {
		return nil, apperror.NewBadRequestError("missing authorization code", nil)
	}
	// oauth2 picks its HTTP client up from the context under this key.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)

	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, apperror.NewExternalServiceError("google code exchange failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	// `Client` returns an *http.Client that adds the bearer token to each request.
	resp, err := g.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, apperror.NewExternalServiceError("google userinfo request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperror.NewExternalServiceError("google userinfo request failed",
			fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}

	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, apperror.NewExternalServiceError("google userinfo response unreadable", err)
	}
	if info.Sub == "" {
		return nil, apperror.NewExternalServiceError("google userinfo response has no subject", nil)
	}

	return &Identity{
		Provider:      users.ProviderGoogle,
		Subject:       info.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
		Picture:       info.Picture,
	}, nil
}
