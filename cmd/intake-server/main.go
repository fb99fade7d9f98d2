package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/mattn/go-isatty"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mindwell/intake/internal/config"
	"github.com/mindwell/intake/internal/domain/assessment"
	"github.com/mindwell/intake/internal/platform/auth"
	"github.com/mindwell/intake/internal/platform/db"
	"github.com/mindwell/intake/internal/platform/middleware"
	"github.com/mindwell/intake/internal/platform/notification"
	"github.com/mindwell/intake/internal/platform/phi"
	"github.com/mindwell/intake/internal/platform/reporting"
	"github.com/mindwell/intake/internal/platform/telemetry"
	"github.com/mindwell/intake/internal/platform/webhook"
	"github.com/mindwell/intake/migrations"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "intake-server",
		Short:        "Assessment scoring and intake triage server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(instrumentsCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(rekeyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	return newLoggerTo(os.Stdout, env)
}

func newLoggerTo(out io.Writer, env string) zerolog.Logger {
	if env == "development" {
		noColor := true
		if f, ok := out.(*os.File); ok {
			noColor = !isatty.IsTerminal(f.Fd())
		}
		return zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: noColor}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// loadServerConfig builds the logger from the resolved config, so ENV from
// .env or the default picks the writer.
func loadServerConfig(out io.Writer) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, newLoggerTo(out, ""), fmt.Errorf("load config: %w", err)
	}
	logger := newLoggerTo(out, cfg.Env)
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: admin requests without a bearer token are treated as admin")
	}
	return cfg, logger, nil
}

func runServer() error {
	cfg, logger, err := loadServerConfig(os.Stdout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	if err := cfg.RequireDatabase(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	checks := map[string]db.Pinger{"postgres": pool.Ping}

	// Draft sessions
	var sessions assessment.SessionStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		sessions = assessment.NewRedisSessionStore(rdb, cfg.SessionTTL)
		logger.Info().Msg("draft sessions stored in redis")
	} else {
		sessions = assessment.NewMemorySessionStore(cfg.SessionTTL)
		logger.Warn().Msg("REDIS_URL not set; draft sessions are kept in memory")
	}

	// Instrument catalogue
	registry, err := assessment.DefaultRegistry()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load instrument catalogue")
	}

	// Metrics
	metrics, err := telemetry.New(ctx, telemetry.Config{
		ServiceVersion: version,
		Environment:    cfg.Env,
		Endpoint:       cfg.OTelEndpoint,
		Insecure:       cfg.OTelInsecure,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}

	// Notifications
	var sender notification.EmailSender = notification.LogSender{Logger: logger}
	if cfg.SMTPAddr != "" {
		smtpSender, err := notification.NewSMTPSender(notification.SMTPConfig{
			Addr:     cfg.SMTPAddr,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid SMTP configuration")
		}
		sender = smtpSender
	} else {
		logger.Warn().Msg("SMTP_ADDR not set; triage emails are logged, not sent")
	}
	notifyMgr := notification.NewManager(sender, notification.NewTemplateEngine())
	forwarders := assessment.MultiForwarder{
		assessment.NewNotificationForwarder(notifyMgr, registry, cfg.IntakeInboxEmail),
	}

	var hookSender *webhook.Sender
	if cfg.WebhookURL != "" {
		hookSender, err = webhook.NewSender(cfg.WebhookURL, cfg.WebhookSecret)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid INTAKE_WEBHOOK_URL")
		}
		logger.Info().Msg("submissions are also posted to the intake webhook")
	}

	// Assessment service
	svc := assessment.NewService(registry, assessment.NewSubmissionRepoPG(pool), sessions, logger)
	svc.SetForwarder(forwarders)
	if hookSender != nil {
		svc.SetBackgroundForwarder(assessment.NewWebhookForwarder(hookSender), assessment.DefaultBackgroundConfig())
	}
	svc.SetRecorder(metrics)
	if cfg.PHIEncryptionKey != "" {
		fc, err := newFieldCipher(cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid PHI encryption keys")
		}
		svc.SetCipher(fc)
	} else {
		logger.Warn().Msg("PHI_ENCRYPTION_KEY not set; contact details are stored in plaintext")
	}

	e := newEcho(cfg, logger, metrics)

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	admin := e.Group("/api/v1/admin", adminAuth(cfg))

	assessment.NewHandler(svc).RegisterRoutes(apiV1, admin)
	reporting.NewHandler(pool).RegisterRoutes(admin)

	ops := admin.Group("", auth.RequireRole("admin"))
	notification.NewHandler(notifyMgr).RegisterRoutes(ops)
	if hookSender != nil {
		webhook.NewHandler(hookSender).RegisterRoutes(ops)
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/ready", db.HealthHandler(pool, checks))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Int("instruments", len(registry.List())).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	if err := svc.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("background forwards did not drain")
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Provider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{
		HSTS:              !cfg.IsDev(),
		CacheablePrefixes: []string{"/api/v1/assessments", "/api/v1/crisis-resources"},
		CacheMaxAge:       300,
	}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(echomw.BodyLimit("64K"))
	return e
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

// adminAuth validates bearer tokens. In development an unauthenticated
// request is treated as an admin.
func adminAuth(cfg *config.Config) echo.MiddlewareFunc {
	jwtMW := auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		SigningKey: []byte(cfg.AdminJWTSecret),
	})
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtMW)
	}
	return jwtMW
}

func newFieldCipher(cfg *config.Config) (*phi.FieldCipher, error) {
	return phi.NewKeyring(cfg.PHIEncryptionKey, cfg.PHIKeyVersion, cfg.PHIPreviousKeys)
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}
