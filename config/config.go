// Package config provides configuration management for the NutriSync backend.
// Values come from environment variables (optionally seeded from a `.env` file
// by `main`), are parsed into one AppConfig struct, and every problem is
// reported together instead of failing on the first one.
// The resulting struct is built once at startup and handed to the services
// that need it; nothing reads the environment after that.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	// `env` maps environment variables onto struct fields using `env:"..."` tags.
	"github.com/caarlos0/env/v11"

	"github.com/user/nutrisync-go/apperror"
)

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string `env:"DATABASE_URL,required"`
	MaxConns int    `env:"DB_MAX_CONNS" envDefault:"10"`
}

// RedisConfig points at the redis instance backing the session store.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// SessionConfig controls the session cookie and its server-side lifetime.
type SessionConfig struct {
	CookieName   string        `env:"SESSION_COOKIE_NAME" envDefault:"connect.sid"`
	KeyPrefix    string        `env:"SESSION_KEY_PREFIX" envDefault:"nutrisync"`
	TTL          time.Duration `env:"SESSION_TTL" envDefault:"336h"` // 14 days
	SecureCookie bool          `env:"SESSION_SECURE_COOKIE" envDefault:"false"`
}

// MailConfig holds the outbound SMTP settings and the verification link base.
type MailConfig struct {
	Host     string `env:"SMTP_HOST" envDefault:"smtp.sendgrid.net"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	Username string `env:"SMTP_USERNAME" envDefault:"apikey"`
	Password string `env:"SENDGRID_API_KEY"`
	From     string `env:"MAIL_FROM" envDefault:"support@nutrisync.com"`
	FromName string `env:"MAIL_FROM_NAME" envDefault:"NutriSync Support"`
	// VerifyCallbackURL is the page the verification link points to; the token
	// is appended as `?token=...`.
	VerifyCallbackURL string `env:"SENDGRID_CALLBACK,required"`
	Workers           int    `env:"MAIL_WORKERS" envDefault:"2"`
	QueueSize         int    `env:"MAIL_QUEUE_SIZE" envDefault:"100"`
}

// OAuthConfig holds the Google client registration. Google login is disabled
// when ClientID is empty.
type OAuthConfig struct {
	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string        `env:"GOOGLE_CLIENT_SECRET"`
	GoogleCallbackURL  string        `env:"GOOGLE_CALLBACK_URL" envDefault:"http://localhost:3001/api/auth/google/callback"`
	StateSecret        string        `env:"OAUTH_STATE_SECRET"`
	StateTTL           time.Duration `env:"OAUTH_STATE_TTL" envDefault:"10m"`
	SuccessRedirect    string        `env:"OAUTH_SUCCESS_REDIRECT" envDefault:"/"`
	FailureRedirect    string        `env:"OAUTH_FAILURE_REDIRECT" envDefault:"/login"`
}

// GoogleEnabled reports whether the Google routes should be mounted.
func (c OAuthConfig) GoogleEnabled() bool {
	return c.GoogleClientID != ""
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port               string   `env:"PORT" envDefault:"3001"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000" envSeparator:","`
	LogLevel           string   `env:"LOG_LEVEL" envDefault:"info"`
}

// AppConfig is the top-level configuration structure for the application.
type AppConfig struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Session  SessionConfig
	Mail     MailConfig
	OAuth    OAuthConfig
	Server   ServerConfig
}

// LoadConfig creates and returns an AppConfig from the process environment.
func LoadConfig() (*AppConfig, error) {
	return load(env.Options{})
}

// load does the actual work so tests can supply an explicit environment map.
func load(opts env.Options) (*AppConfig, error) {
	// `errs` collects every parsing/validation problem so the operator sees
	// all of them in one run.
	var errs []string

	var cfg AppConfig
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		var agg env.AggregateError
		if errors.As(err, &agg) {
			for _, e := range agg.Errors {
				errs = append(errs, e.Error())
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	errs = append(errs, cfg.validate()...)

	if len(errs) > 0 {
		// A ConfigError lets callers tell a bad environment apart from a
		// failure to reach a dependency.
		return nil, apperror.NewConfigError("configuration errors:\n- "+strings.Join(errs, "\n- "), nil)
	}
	return &cfg, nil
}

// validate checks the cross-field rules env tags can't express.
func (c *AppConfig) validate() []string {
	var errs []string

	if c.Database.MaxConns < 1 || c.Database.MaxConns > 100 {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS must be between 1 and 100, got %d", c.Database.MaxConns))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, "SESSION_TTL must be positive")
	}
	if c.Mail.VerifyCallbackURL != "" {
		if u, err := url.Parse(c.Mail.VerifyCallbackURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("SENDGRID_CALLBACK must be an absolute URL, got '%s'", c.Mail.VerifyCallbackURL))
		}
	}
	if c.Mail.Workers < 1 {
		errs = append(errs, "MAIL_WORKERS must be at least 1")
	}
	if c.Mail.QueueSize < 1 {
		errs = append(errs, "MAIL_QUEUE_SIZE must be at least 1")
	}

	// Google login needs the whole client registration or none of it.
	if c.OAuth.GoogleEnabled() {
		if c.OAuth.GoogleClientSecret == "" {
			errs = append(errs, "GOOGLE_CLIENT_SECRET is required when GOOGLE_CLIENT_ID is set")
		}
		if len(c.OAuth.StateSecret) < 32 {
			errs = append(errs, "OAUTH_STATE_SECRET must be at least 32 characters when GOOGLE_CLIENT_ID is set")
		}
	}

	return errs
}
