package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/user/nutrisync-go/config"
	"github.com/user/nutrisync-go/mailer"
	"github.com/user/nutrisync-go/password"
	"github.com/user/nutrisync-go/session"
	"github.com/user/nutrisync-go/users"
	"github.com/user/nutrisync-go/users/userstest"
)

// fakeQueue records verification emails instead of sending them.
type fakeQueue struct {
	mu     sync.Mutex
	emails []mailer.VerificationEmail
	err    error
}

func (q *fakeQueue) Enqueue(email mailer.VerificationEmail) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.emails = append(q.emails, email)
	return nil
}

func (q *fakeQueue) last(t *testing.T) mailer.VerificationEmail {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.emails, "no verification email queued")
	return q.emails[len(q.emails)-1]
}

const testStateSecret = "0123456789abcdef0123456789abcdef"

type authFixture struct {
	store  *userstest.MemoryStore
	hasher *password.Hasher
	queue  *fakeQueue
	redis  *miniredis.Miniredis
	server *httptest.Server
	client *http.Client
}

// newAuthFixture serves the auth routes on a real listener, with sessions in
// miniredis. google may be nil.
func newAuthFixture(t *testing.T, google *GoogleProvider) *authFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sessions := session.NewManager(rdb, session.Options{TTL: time.Hour})
	store := userstest.NewMemoryStore()
	hasher := password.NewHasher(bcrypt.MinCost)
	queue := &fakeQueue{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	oauthCfg := config.OAuthConfig{SuccessRedirect: "/", FailureRedirect: "/login"}
	h := NewHandlers(NewService(store, hasher, queue, logger), sessions, google, oauthCfg, logger)

	r := chi.NewRouter()
	r.Use(sessions.Middleware)
	r.Route("/api/auth", h.RegisterRoutes)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &authFixture{store: store, hasher: hasher, queue: queue, redis: mr, server: srv, client: client}
}

type apiResponse struct {
	Status int
	Header http.Header
	Body   map[string]any
	Raw    string
}

func (f *authFixture) request(t *testing.T, method, path string, body any) apiResponse {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := apiResponse{Status: resp.StatusCode, Header: resp.Header, Raw: string(raw)}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out.Body))
	}
	return out
}

func mockRegistration() RegisterRequest {
	img := "http://mockProfilePicUrl.org"
	return RegisterRequest{
		Username:     "mockUsername",
		DisplayName:  "Mock User",
		Email:        "mockuser@example.com",
		Password:     "mockPassword123",
		ProfileImage: &img,
	}
}

// registerAndVerify creates a verified local account.
func (f *authFixture) registerAndVerify(t *testing.T, req RegisterRequest) {
	t.Helper()
	resp := f.request(t, http.MethodPost, "/api/auth/register", req)
	require.Equal(t, http.StatusOK, resp.Status, resp.Raw)
	tok := f.queue.last(t).Token
	resp = f.request(t, http.MethodGet, "/api/auth/verify?token="+tok, nil)
	require.Equal(t, http.StatusOK, resp.Status, resp.Raw)
}

func TestRegister_MockUsernameScenario(t *testing.T) {
	f := newAuthFixture(t, nil)

	resp := f.request(t, http.MethodPost, "/api/auth/register", mockRegistration())
	require.Equal(t, http.StatusOK, resp.Status, resp.Raw)

	assert.Equal(t, "mockusername", resp.Body["username"])
	assert.Equal(t, "Mock User", resp.Body["displayName"])
	assert.Equal(t, "mockuser@example.com", resp.Body["email"])
	for _, key := range []string{"password", "verificationToken", "isVerified"} {
		assert.NotContains(t, resp.Body, key)
	}

	stored, err := f.store.FindByEmail(context.Background(), "mockuser@example.com")
	require.NoError(t, err)
	assert.Equal(t, "mockusername", stored.Username)
	assert.False(t, stored.IsVerified)
	assert.NotEqual(t, "mockPassword123", stored.PasswordHash)
	assert.True(t, f.hasher.Verify("mockPassword123", stored.PasswordHash))
	require.NotNil(t, stored.VerificationToken)
	assert.Len(t, *stored.VerificationToken, 64)

	email := f.queue.last(t)
	assert.Equal(t, "mockuser@example.com", email.To)
	assert.Equal(t, "mockusername", email.Username)
	assert.Equal(t, *stored.VerificationToken, email.Token)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	f := newAuthFixture(t, nil)

	first := f.request(t, http.MethodPost, "/api/auth/register", mockRegistration())
	require.Equal(t, http.StatusOK, first.Status)

	again := mockRegistration()
	again.Username = "otherUser"
	second := f.request(t, http.MethodPost, "/api/auth/register", again)

	assert.Equal(t, http.StatusBadRequest, second.Status)
	assert.Equal(t, "User validation failed", second.Body["error"])
	details, ok := second.Body["details"].(map[string]any)
	require.True(t, ok, second.Raw)
	assert.Equal(t, "Email address is already registered", details["email"])
	assert.Equal(t, 1, f.store.Len())
}

func TestRegister_ReportsEveryInvalidField(t *testing.T) {
	f := newAuthFixture(t, nil)

	resp := f.request(t, http.MethodPost, "/api/auth/register", RegisterRequest{
		Username: "not valid!",
		Email:    "mockuser@example.com",
		Password: "short",
	})

	require.Equal(t, http.StatusBadRequest, resp.Status)
	details := resp.Body["details"].(map[string]any)
	assert.Equal(t, "Username contains invalid characters", details["username"])
	assert.Equal(t, "Display name is required.", details["displayName"])
	assert.Equal(t, "Password must be at least 8 characters long", details["password"])
	assert.Equal(t, 0, f.store.Len())
}

func TestRegister_MailQueueFailureStillSucceeds(t *testing.T) {
	f := newAuthFixture(t, nil)
	f.queue.err = errors.New("mail queue full")

	resp := f.request(t, http.MethodPost, "/api/auth/register", mockRegistration())
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 1, f.store.Len())
}

func TestRegister_MalformedBody(t *testing.T) {
	f := newAuthFixture(t, nil)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/auth/register", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVerify(t *testing.T) {
	f := newAuthFixture(t, nil)
	require.Equal(t, http.StatusOK, f.request(t, http.MethodPost, "/api/auth/register", mockRegistration()).Status)
	tok := f.queue.last(t).Token

	resp := f.request(t, http.MethodGet, "/api/auth/verify?token="+tok, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "Email verified", resp.Body["message"])

	stored, err := f.store.FindByEmail(context.Background(), "mockuser@example.com")
	require.NoError(t, err)
	assert.True(t, stored.IsVerified)
	assert.Nil(t, stored.VerificationToken)

	// A consumed token is gone.
	resp = f.request(t, http.MethodGet, "/api/auth/verify?token="+tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	resp = f.request(t, http.MethodGet, "/api/auth/verify?token=doesnotexist", nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	resp = f.request(t, http.MethodGet, "/api/auth/verify", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	f := newAuthFixture(t, nil)
	f.registerAndVerify(t, mockRegistration())

	unverified := mockRegistration()
	unverified.Username = "pendingUser"
	unverified.Email = "pending@example.com"
	require.Equal(t, http.StatusOK, f.request(t, http.MethodPost, "/api/auth/register", unverified).Status)

	_, err := f.store.Create(context.Background(), &users.User{
		Username:    "googleonly",
		DisplayName: "Google Only",
		Email:       "googleonly@example.com",
		IsVerified:  true,
	})
	require.NoError(t, err)

	cases := map[string]LoginRequest{
		"unknown email":   {Email: "nobody@example.com", Password: "mockPassword123"},
		"wrong password":  {Email: "mockuser@example.com", Password: "wrongPassword1"},
		"unverified":      {Email: "pending@example.com", Password: "mockPassword123"},
		"no password set": {Email: "googleonly@example.com", Password: "mockPassword123"},
	}

	var bodies []string
	for name, req := range cases {
		resp := f.request(t, http.MethodPost, "/api/auth/login", req)
		assert.Equal(t, http.StatusUnauthorized, resp.Status, name)
		assert.Equal(t, "Authentication failed", resp.Body["error"], name)
		assert.Equal(t, "Invalid email or password", resp.Body["message"], name)
		assert.Empty(t, resp.Header.Values("Set-Cookie"), name)
		bodies = append(bodies, resp.Raw)
	}
	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b)
	}
}

func TestLogin_MissingCredentials(t *testing.T) {
	f := newAuthFixture(t, nil)
	for _, req := range []LoginRequest{
		{Email: "mockuser@example.com"},
		{Password: "mockPassword123"},
		{},
	} {
		resp := f.request(t, http.MethodPost, "/api/auth/login", req)
		assert.Equal(t, http.StatusUnauthorized, resp.Status, resp.Raw)
		assert.Equal(t, "Authentication failed", resp.Body["error"])
		assert.Equal(t, "Missing credentials", resp.Body["message"])
		assert.Empty(t, resp.Header.Values("Set-Cookie"), "no session for a failed login")
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newAuthFixture(t, nil)
	f.registerAndVerify(t, mockRegistration())

	resp := f.request(t, http.MethodGet, "/api/auth/check", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, false, resp.Body["loggedIn"])
	assert.NotContains(t, resp.Body, "user")

	resp = f.request(t, http.MethodPost, "/api/auth/login", LoginRequest{Email: "MockUser@Example.com", Password: "mockPassword123"})
	require.Equal(t, http.StatusOK, resp.Status, resp.Raw)
	assert.Equal(t, true, resp.Body["loggedIn"])
	var sessionCookie *http.Cookie
	for _, c := range (&http.Response{Header: resp.Header}).Cookies() {
		if c.Name == "connect.sid" {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)

	resp = f.request(t, http.MethodGet, "/api/auth/check", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, true, resp.Body["loggedIn"])
	user := resp.Body["user"].(map[string]any)
	assert.Equal(t, "mockusername", user["username"])
	assert.Equal(t, "Mock User", user["displayName"])
	assert.Equal(t, "mockuser@example.com", user["email"])
	assert.NotContains(t, user, "password")

	resp = f.request(t, http.MethodPost, "/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "User logged out", resp.Body["message"])

	resp = f.request(t, http.MethodGet, "/api/auth/check", nil)
	assert.Equal(t, false, resp.Body["loggedIn"])

	// Replaying the old cookie does not bring the session back.
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/auth/check", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: sessionCookie.Name, Value: sessionCookie.Value})
	replay, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer replay.Body.Close()
	var body SessionResponse
	require.NoError(t, json.NewDecoder(replay.Body).Decode(&body))
	assert.False(t, body.LoggedIn)

	// Logging out again is harmless.
	resp = f.request(t, http.MethodPost, "/api/auth/logout", nil)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestCheck_SessionForDeletedUser(t *testing.T) {
	f := newAuthFixture(t, nil)
	f.registerAndVerify(t, mockRegistration())
	require.Equal(t, http.StatusOK, f.request(t, http.MethodPost, "/api/auth/login",
		LoginRequest{Email: "mockuser@example.com", Password: "mockPassword123"}).Status)

	// Point the live session at an id the store doesn't know.
	for _, key := range f.redis.Keys() {
		require.NoError(t, f.redis.Set(key, `{"userId":"00000000-0000-0000-0000-000000000001","createdAt":0}`))
	}

	resp := f.request(t, http.MethodGet, "/api/auth/check", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, false, resp.Body["loggedIn"])
}

func TestLogin_RecordsMetrics(t *testing.T) {
	f := newAuthFixture(t, nil)
	failures := testutil.ToFloat64(AuthEvents.WithLabelValues(OpLogin, ResultFailure))

	f.request(t, http.MethodPost, "/api/auth/login", LoginRequest{Email: "nobody@example.com", Password: "mockPassword123"})

	assert.Equal(t, failures+1, testutil.ToFloat64(AuthEvents.WithLabelValues(OpLogin, ResultFailure)))
}

func TestGoogleRoutesDisabledWithoutProvider(t *testing.T) {
	f := newAuthFixture(t, nil)
	resp := f.request(t, http.MethodGet, "/api/auth/google", nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}
