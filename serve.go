package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/user/nutrisync-go/auth"
	"github.com/user/nutrisync-go/background"
	"github.com/user/nutrisync-go/db"
	"github.com/user/nutrisync-go/mailer"
	"github.com/user/nutrisync-go/password"
	"github.com/user/nutrisync-go/session"
	"github.com/user/nutrisync-go/users"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on startup")
	return cmd
}

func runServe(parent context.Context, skipMigrations bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := installLogger(cfg.Server.LogLevel)

	if !skipMigrations {
		if err := db.RunMigrations(cfg.Database.URL, logger); err != nil {
			return err
		}
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	sessions := session.NewManager(rdb, session.Options{
		CookieName:   cfg.Session.CookieName,
		KeyPrefix:    cfg.Session.KeyPrefix,
		TTL:          cfg.Session.TTL,
		SecureCookie: cfg.Session.SecureCookie,
	})

	mail, err := mailer.New(cfg.Mail, logger)
	if err != nil {
		return err
	}
	dispatcher := background.NewMailDispatcher(mail, background.DispatcherOptions{
		Workers:   cfg.Mail.Workers,
		QueueSize: cfg.Mail.QueueSize,
	}, logger)
	dispatcher.Start()

	store := users.NewPostgresStore(pool)
	hasher := password.NewHasher(password.DefaultCost)

	var google *auth.GoogleProvider
	if cfg.OAuth.GoogleEnabled() {
		google = auth.NewGoogleProvider(cfg.OAuth)
		logger.Info("google login enabled", "callback", cfg.OAuth.GoogleCallbackURL)
	}

	authService := auth.NewService(store, hasher, dispatcher, logger)
	router := newRouter(routerDeps{
		Logger:         logger,
		AllowedOrigins: cfg.Server.CORSAllowedOrigins,
		Sessions:       sessions,
		Auth:           auth.NewHandlers(authService, sessions, google, cfg.OAuth, logger),
		Users:          users.NewHandlers(users.NewService(store, hasher, logger)),
		Registry:       newMetricsRegistry(),
		Health: map[string]HealthCheck{
			"database": pool.Ping,
			"redis":    sessions.Ping,
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = dispatcher.Stop(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	// Requests are done; flush whatever verification mail is still queued.
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn("mail dispatcher did not drain before the deadline", "error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
