package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/vitalog/internal/assistant"
	"github.com/dukerupert/vitalog/internal/auth"
	"github.com/dukerupert/vitalog/internal/backup"
	"github.com/dukerupert/vitalog/internal/config"
	"github.com/dukerupert/vitalog/internal/database"
	"github.com/dukerupert/vitalog/internal/fieldcrypt"
	"github.com/dukerupert/vitalog/internal/logging"
	"github.com/dukerupert/vitalog/internal/metrics"
	"github.com/dukerupert/vitalog/internal/middleware"
	"github.com/dukerupert/vitalog/internal/server"
	"github.com/dukerupert/vitalog/internal/store"
)

const limiterIdle = 10 * time.Minute

const usage = `usage: vitalog [command]

commands:
  serve               run the HTTP server (default)
  genkey              print a new field encryption key
  promote <email>     grant admin rights to an account
  deactivate <email>  disable an account and revoke its sessions
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve()
	case "genkey":
		err = genkey()
	case "promote", "deactivate":
		if len(args) != 1 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		err = manageUser(cmd, args[0])
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "vitalog %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func genkey() error {
	key, err := fieldcrypt.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func manageUser(cmd, email string) error {
	cfg, err := config.Load(os.Environ())
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	gateway := newGateway(cfg, db, logger)
	ctx := context.Background()

	switch cmd {
	case "promote":
		u, err := gateway.Promote(ctx, email)
		if err != nil {
			return err
		}
		fmt.Printf("%s is now an admin\n", u.Email)
	case "deactivate":
		u, err := gateway.Deactivate(ctx, email)
		if err != nil {
			return err
		}
		fmt.Printf("%s has been deactivated\n", u.Email)
	}
	return nil
}

func newGateway(cfg *config.Config, db *sql.DB, logger *slog.Logger) *auth.Gateway {
	return auth.NewGateway(
		store.NewUserStore(db),
		store.NewSessionStore(db),
		auth.NewTokenService(cfg.SecretKey),
		auth.NewPasswordHasher(cfg.BcryptCost),
		logger.With("component", "auth"),
	)
}

func serve() error {
	cfg, err := config.Load(os.Environ())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	key, err := cfg.FieldKey()
	if err != nil {
		return err
	}
	cipher, err := fieldcrypt.NewCipher(key)
	if err != nil {
		return err
	}
	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry := metrics.New()
	sessions := store.NewSessionStore(db)

	backups := backup.NewManager(backup.Config{
		Dir:        cfg.BackupDir,
		DBPath:     cfg.DBPath,
		Passphrase: cfg.BackupPassphrase,
		S3: backup.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		},
	}, db, telemetry, logger.With("component", "backup"), func() {
		logger.Warn("database restored, shutting down for restart")
		stop()
	})

	chat := assistant.NewClient(assistant.Config{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
	})

	srv := server.New(server.Deps{
		DB:             db,
		Gateway:        newGateway(cfg, db, logger),
		Users:          store.NewUserStore(db),
		Metrics:        store.NewMetricStore(db),
		Cipher:         cipher,
		Assistant:      chat,
		Backups:        backups,
		Telemetry:      telemetry,
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: proxies,
		Logger:         logger,
	})

	var scheduler *backup.Scheduler
	if cfg.BackupSchedule != "" {
		scheduler, err = backup.NewScheduler(backups, cfg.BackupSchedule, cfg.BackupRetentionDays, logger.With("component", "backup"))
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	go runCleanup(ctx, cfg.CleanupInterval, sessions, srv.RateLimiter(), logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("vitalog listening", "addr", httpServer.Addr, "encryption", true, "assistant", chat.Configured(), "s3", cfg.S3Enabled())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// runCleanup purges expired sessions and idle limiter entries until ctx ends.
func runCleanup(ctx context.Context, interval time.Duration, sessions *store.SessionStore, limiter *middleware.RateLimiter, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := sessions.DeleteExpired(ctx, now)
			if err != nil {
				logger.Error("session cleanup failed", "error", err)
			} else if n > 0 {
				logger.Info("expired sessions removed", "count", n)
			}
			if pruned := limiter.Cleanup(limiterIdle); pruned > 0 {
				logger.Debug("rate limiter pruned", "count", pruned)
			}
		}
	}
}
