// Package session keeps "logged in" state across requests. A session is an
// opaque random id carried in an HttpOnly cookie; the id maps to a small JSON
// record in redis that names the user and expires on its own.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	// `go-redis` is the client for the session store. Manager takes the
	// redis.Cmdable interface, which both *redis.Client and a cluster client satisfy.
	"github.com/redis/go-redis/v9"
)

// ErrNoSession is returned when the request carries no live session.
var ErrNoSession = errors.New("no session")

// ErrRedisUnavailable wraps failures talking to redis.
var ErrRedisUnavailable = errors.New("session store unavailable")

const sessionIDBytes = 32

// Options configures a Manager.
type Options struct {
	CookieName   string
	KeyPrefix    string
	TTL          time.Duration
	SecureCookie bool
}

// Data is what redis holds for one session.
type Data struct {
	UserID    string `json:"userId"`
	CreatedAt int64  `json:"createdAt"`
}

// Manager creates, resolves and destroys cookie-backed sessions.
type Manager struct {
	redis redis.Cmdable
	opts  Options
}

// NewManager creates a session manager on top of a redis client.
func NewManager(rdb redis.Cmdable, opts Options) *Manager {
	if opts.CookieName == "" {
		opts.CookieName = "connect.sid"
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "nutrisync"
	}
	if opts.TTL <= 0 {
		opts.TTL = 14 * 24 * time.Hour
	}
	return &Manager{redis: rdb, opts: opts}
}

// key namespaces session records, e.g. `nutrisync:sess:<id>`.
func (m *Manager) key(sessionID string) string {
	return m.opts.KeyPrefix + ":sess:" + sessionID
}

// Create starts a new session for userID and sets the cookie on w. Any
// session the request already carried is destroyed first, so a login always
// gets a fresh id.
func (m *Manager) Create(ctx context.Context, w http.ResponseWriter, r *http.Request, userID uuid.UUID) error {
	if old, ok := m.sessionID(r); ok {
		if err := m.redis.Del(ctx, m.key(old)).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	sid, err := newSessionID()
	if err != nil {
		return fmt.Errorf("generate session id: %w", err)
	}
	payload, err := json.Marshal(Data{UserID: userID.String(), CreatedAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	// SET with an expiry: redis drops the record on its own when the TTL ends.
	if err := m.redis.Set(ctx, m.key(sid), payload, m.opts.TTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// The cookie only carries the opaque id; HttpOnly keeps it away from scripts.
	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    sid,
		Path:     "/",
		MaxAge:   int(m.opts.TTL / time.Second),
		HttpOnly: true,
		Secure:   m.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Resolve returns the user id of the request's session, or ErrNoSession.
func (m *Manager) Resolve(ctx context.Context, r *http.Request) (uuid.UUID, error) {
	sid, ok := m.sessionID(r)
	if !ok {
		return uuid.Nil, ErrNoSession
	}

	raw, err := m.redis.Get(ctx, m.key(sid)).Bytes()
	// `redis.Nil` means the key does not exist: expired or never created.
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, ErrNoSession
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		// A record we can't read is as good as no session.
		return uuid.Nil, ErrNoSession
	}
	id, err := uuid.Parse(data.UserID)
	if err != nil {
		return uuid.Nil, ErrNoSession
	}
	return id, nil
}

// Destroy deletes the request's session, if any, and expires the cookie.
// Calling it without a session is not an error.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if sid, ok := m.sessionID(r); ok {
		if err := m.redis.Del(ctx, m.key(sid)).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	// MaxAge -1 tells the browser to delete the cookie now.
	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Ping checks that redis is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}

// CookieName is the name of the session cookie.
func (m *Manager) CookieName() string {
	return m.opts.CookieName
}

func (m *Manager) sessionID(r *http.Request) (string, bool) {
	c, err := r.Cookie(m.opts.CookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	// Reject anything that is not one of our ids before touching redis.
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil || len(raw) != sessionIDBytes {
		return "", false
	}
	return c.Value, true
}

// newSessionID returns 32 bytes from crypto/rand, base64url-encoded without padding.
func newSessionID() (string, error) {
	buf := make([]byte, sessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
