package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/user/nutrisync-go/apperror"
	"github.com/user/nutrisync-go/config"
	"github.com/user/nutrisync-go/users"
)

// fakeGoogle is a minimal OAuth provider: any code is exchanged for a fixed
// access token, and userinfo returns info.
func fakeGoogle(t *testing.T, info googleUserInfo) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			_ = r.ParseForm()
			if r.Form.Get("code") == "bad-code" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"at-123","token_type":"Bearer","expires_in":3600}`))
		case "/userinfo":
			if r.Header.Get("Authorization") != "Bearer at-123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(info)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGoogleProvider(providerURL string, ttl time.Duration) *GoogleProvider {
	return NewGoogleProvider(config.OAuthConfig{
		GoogleClientID:     "client-id",
		GoogleClientSecret: "client-secret",
		GoogleCallbackURL:  "http://localhost:3001/api/auth/google/callback",
		StateSecret:        testStateSecret,
		StateTTL:           ttl,
	}, WithEndpoints(oauth2.Endpoint{
		AuthURL:   providerURL + "/auth",
		TokenURL:  providerURL + "/token",
		AuthStyle: oauth2.AuthStyleInHeader,
	}, providerURL+"/userinfo"))
}

func defaultGoogleUser() googleUserInfo {
	return googleUserInfo{
		Sub:           "google-sub-1",
		Email:         "Mock.User+food@example.com",
		EmailVerified: true,
		Name:          "Mock Google User",
		Picture:       "https://example.com/avatar.png",
	}
}

// startGoogleLogin hits /api/auth/google and returns the state Google would
// echo back.
func startGoogleLogin(t *testing.T, f *authFixture) string {
	t.Helper()
	resp := f.request(t, http.MethodGet, "/api/auth/google", nil)
	require.Equal(t, http.StatusTemporaryRedirect, resp.Status)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	q := loc.Query()
	assert.Equal(t, "/auth", loc.Path)
	assert.Equal(t, "profile email", q.Get("scope"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "select_account", q.Get("prompt"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	require.NotEmpty(t, q.Get("state"))
	return q.Get("state")
}

func TestGoogleLogin_CreatesAccount(t *testing.T) {
	provider := fakeGoogle(t, defaultGoogleUser())
	f := newAuthFixture(t, newTestGoogleProvider(provider.URL, 10*time.Minute))

	state := startGoogleLogin(t, f)
	resp := f.request(t, http.MethodGet, "/api/auth/google/callback?code=good-code&state="+url.QueryEscape(state), nil)
	require.Equal(t, http.StatusTemporaryRedirect, resp.Status, resp.Raw)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	check := f.request(t, http.MethodGet, "/api/auth/check", nil)
	require.Equal(t, true, check.Body["loggedIn"], check.Raw)
	user := check.Body["user"].(map[string]any)
	assert.Equal(t, "mock.user+food@example.com", user["email"])
	assert.Equal(t, "Mock Google User", user["displayName"])
	assert.True(t, strings.HasPrefix(user["username"].(string), "mockuserfood"), user["username"])

	stored, err := f.store.FindByAuthMethod(context.Background(), users.ProviderGoogle, "google-sub-1")
	require.NoError(t, err)
	assert.True(t, stored.IsVerified)
	assert.False(t, stored.HasPassword())
	require.NotNil(t, stored.ProfileImage)

	// A second login matches the same account.
	state = startGoogleLogin(t, f)
	resp = f.request(t, http.MethodGet, "/api/auth/google/callback?code=good-code&state="+url.QueryEscape(state), nil)
	require.Equal(t, "/", resp.Header.Get("Location"))
	assert.Equal(t, 1, f.store.Len())
}

func TestGoogleLogin_LinksExistingAccount(t *testing.T) {
	info := defaultGoogleUser()
	info.Email = "mockuser@example.com"
	provider := fakeGoogle(t, info)
	f := newAuthFixture(t, newTestGoogleProvider(provider.URL, 10*time.Minute))

	// Registered locally but never verified.
	require.Equal(t, http.StatusOK, f.request(t, http.MethodPost, "/api/auth/register", mockRegistration()).Status)

	state := startGoogleLogin(t, f)
	resp := f.request(t, http.MethodGet, "/api/auth/google/callback?code=good-code&state="+url.QueryEscape(state), nil)
	require.Equal(t, "/", resp.Header.Get("Location"), resp.Raw)

	assert.Equal(t, 1, f.store.Len())
	stored, err := f.store.FindByEmail(context.Background(), "mockuser@example.com")
	require.NoError(t, err)
	assert.True(t, stored.HasAuthMethod(users.ProviderGoogle, "google-sub-1"))
	assert.True(t, stored.IsVerified)
	assert.Nil(t, stored.VerificationToken)

	// Nobody proved they owned the address when that password was set, so it
	// no longer opens the account.
	assert.False(t, stored.HasPassword())
	login := f.request(t, http.MethodPost, "/api/auth/login", LoginRequest{Email: "mockuser@example.com", Password: "mockPassword123"})
	assert.Equal(t, http.StatusUnauthorized, login.Status, login.Raw)
	assert.Equal(t, "Authentication failed", login.Body["error"])
}

func TestGoogleLogin_KeepsPasswordOfVerifiedAccount(t *testing.T) {
	info := defaultGoogleUser()
	info.Email = "mockuser@example.com"
	provider := fakeGoogle(t, info)
	f := newAuthFixture(t, newTestGoogleProvider(provider.URL, 10*time.Minute))

	require.Equal(t, http.StatusOK, f.request(t, http.MethodPost, "/api/auth/register", mockRegistration()).Status)
	pending, err := f.store.FindByEmail(context.Background(), "mockuser@example.com")
	require.NoError(t, err)
	require.NotNil(t, pending.VerificationToken)
	verify := f.request(t, http.MethodGet, "/api/auth/verify?token="+url.QueryEscape(*pending.VerificationToken), nil)
	require.Equal(t, http.StatusOK, verify.Status, verify.Raw)

	state := startGoogleLogin(t, f)
	resp := f.request(t, http.MethodGet, "/api/auth/google/callback?code=good-code&state="+url.QueryEscape(state), nil)
	require.Equal(t, "/", resp.Header.Get("Location"), resp.Raw)

	login := f.request(t, http.MethodPost, "/api/auth/login", LoginRequest{Email: "mockuser@example.com", Password: "mockPassword123"})
	assert.Equal(t, http.StatusOK, login.Status, login.Raw)
}

func TestGoogleCallback_FailuresRedirectToLogin(t *testing.T) {
	unverified := defaultGoogleUser()
	unverified.EmailVerified = false

	tests := []struct {
		name  string
		info  googleUserInfo
		query func(state string) string
	}{
		{
			name:  "state mismatch",
			info:  defaultGoogleUser(),
			query: func(string) string { return "code=good-code&state=forged" },
		},
		{
			name:  "provider error",
			info:  defaultGoogleUser(),
			query: func(state string) string { return "error=access_denied&state=" + url.QueryEscape(state) },
		},
		{
			name:  "code rejected",
			info:  defaultGoogleUser(),
			query: func(state string) string { return "code=bad-code&state=" + url.QueryEscape(state) },
		},
		{
			name:  "unverified provider email",
			info:  unverified,
			query: func(state string) string { return "code=good-code&state=" + url.QueryEscape(state) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := fakeGoogle(t, tt.info)
			f := newAuthFixture(t, newTestGoogleProvider(provider.URL, 10*time.Minute))

			state := startGoogleLogin(t, f)
			resp := f.request(t, http.MethodGet, "/api/auth/google/callback?"+tt.query(state), nil)

			require.Equal(t, http.StatusTemporaryRedirect, resp.Status)
			assert.Equal(t, "/login", resp.Header.Get("Location"))
			assert.Equal(t, false, f.request(t, http.MethodGet, "/api/auth/check", nil).Body["loggedIn"])
			assert.Equal(t, 0, f.store.Len())
		})
	}
}

func TestGoogleCallback_StateIsSingleUse(t *testing.T) {
	provider := fakeGoogle(t, defaultGoogleUser())
	f := newAuthFixture(t, newTestGoogleProvider(provider.URL, 10*time.Minute))

	state := startGoogleLogin(t, f)
	first := f.request(t, http.MethodGet, "/api/auth/google/callback?code=good-code&state="+url.QueryEscape(state), nil)
	require.Equal(t, "/", first.Header.Get("Location"))

	// The cookie was cleared, so replaying the callback fails.
	second := f.request(t, http.MethodGet, "/api/auth/google/callback?code=good-code&state="+url.QueryEscape(state), nil)
	assert.Equal(t, "/login", second.Header.Get("Location"))
}

func TestGoogleProvider_ValidateState(t *testing.T) {
	g := newTestGoogleProvider("http://unused.invalid", 10*time.Minute)

	state, err := g.NewState()
	require.NoError(t, err)
	assert.NoError(t, g.ValidateState(state, state))
	assert.ErrorIs(t, g.ValidateState(state, ""), errStateMismatch)
	assert.ErrorIs(t, g.ValidateState("", ""), errStateMismatch)

	other := NewGoogleProvider(config.OAuthConfig{StateSecret: strings.Repeat("x", 32), StateTTL: time.Minute})
	foreign, err := other.NewState()
	require.NoError(t, err)
	assert.ErrorIs(t, g.ValidateState(foreign, foreign), errStateInvalid)

	expired := newTestGoogleProvider("http://unused.invalid", -time.Minute)
	old, err := expired.NewState()
	require.NoError(t, err)
	assert.ErrorIs(t, expired.ValidateState(old, old), errStateInvalid)
}

func TestGoogleExchange_ErrorKinds(t *testing.T) {
	provider := fakeGoogle(t, defaultGoogleUser())
	g := newTestGoogleProvider(provider.URL, 10*time.Minute)

	_, err := g.Exchange(context.Background(), "")
	appErr, ok := apperror.FromError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.BadRequestError, appErr.Type)

	_, err = g.Exchange(context.Background(), "bad-code")
	appErr, ok = apperror.FromError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.ExternalServiceError, appErr.Type)

	id, err := g.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "google-sub-1", id.Subject)
}
