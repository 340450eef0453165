package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ehr/chartcheck/internal/config"
	"github.com/ehr/chartcheck/internal/domain/codefamily"
	"github.com/ehr/chartcheck/internal/domain/completeness"
	"github.com/ehr/chartcheck/internal/domain/signoff"
	"github.com/ehr/chartcheck/internal/domain/visitnote"
	"github.com/ehr/chartcheck/internal/platform/audit"
	"github.com/ehr/chartcheck/internal/platform/auth"
	"github.com/ehr/chartcheck/internal/platform/db"
	"github.com/ehr/chartcheck/internal/platform/lock"
	"github.com/ehr/chartcheck/internal/platform/middleware"
	"github.com/ehr/chartcheck/internal/platform/reporting"
	"github.com/ehr/chartcheck/internal/platform/telemetry"
	"github.com/ehr/chartcheck/internal/platform/webhook"
	"github.com/ehr/chartcheck/internal/platform/websocket"
	"github.com/ehr/chartcheck/migrations"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "chartcheck-server",
		Short:        "Clinical note completeness and assertion service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(familiesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newRegistry builds the rule registry, loading per-tenant tables from
// RULES_DIR when set.
func newRegistry(cfg *config.Config, logger zerolog.Logger) (*codefamily.Registry, error) {
	registry := codefamily.NewRegistry(codefamily.Default(), logger)
	if cfg.RulesDir != "" {
		if err := registry.LoadDir(cfg.RulesDir); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run note store migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Create the tenant schema and apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				if tenant == "" {
					tenant = cfg.DefaultTenant
				}
				count, err := db.CreateTenantSchema(ctx, pool, tenant, migrations.FS)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to %s.\n", count, db.SchemaFor(tenant))
				return nil
			})
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				if tenant == "" {
					tenant = cfg.DefaultTenant
				}
				schema := db.SchemaFor(tenant)
				statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a visit payload without touching the note store",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, _ := cmd.Flags().GetString("input")
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, err := newRegistry(cfg, zerolog.Nop())
			if err != nil {
				return err
			}

			var r io.Reader = cmd.InOrStdin()
			if input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			gate := signoff.New(signoff.Policy{Threshold: cfg.SignoffThreshold, MinOverrideLength: cfg.OverrideMinLength})
			report, err := scoreInputs(r, registry.Classifier(tenant), gate)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().String("input", "-", "Visit payload JSON file, - for stdin")
	cmd.Flags().String("tenant", "", "Tenant whose rule table to use")
	return cmd
}

type scoreReport struct {
	completeness.Result
	SignOff signoff.Decision `json:"sign_off"`
}

func scoreInputs(r io.Reader, classifier *codefamily.Classifier, gate *signoff.Gate) (*scoreReport, error) {
	var in visitnote.Inputs
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("decode visit payload: %w", err)
	}
	res := completeness.NewScorer(classifier).Score(in.Visit, in.Procedures, in.Risks)
	return &scoreReport{Result: res, SignOff: gate.Decide(res.Score, "")}, nil
}

func familiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "families",
		Short: "Print the effective code family table",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, err := newRegistry(cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(registry.RuleSet(tenant))
		},
	}
	cmd.Flags().String("tenant", "", "Tenant whose rule table to print")
	return cmd
}

// withPool opens the note store for a one-shot command.
func withPool(ctx context.Context, fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runServer(parent context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "chartcheck",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Endpoint:       cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")
	deps := []db.Dependency{db.PoolDependency(pool)}

	// Per-visit locks
	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer client.Close()
		rl := lock.NewRedis(client, cfg.LockTTL, logger)
		locker = rl
		deps = append(deps, db.Dependency{Name: "redis", Ping: rl.Ping})
		logger.Info().Dur("ttl", cfg.LockTTL).Msg("using redis visit locks")
	}

	// Rule tables
	registry, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.RulesWatch {
		if err := registry.Watch(ctx); err != nil {
			return err
		}
		logger.Info().Str("dir", cfg.RulesDir).Msg("watching rule tables")
	}

	gate := signoff.New(signoff.Policy{Threshold: cfg.SignoffThreshold, MinOverrideLength: cfg.OverrideMinLength})
	svc := visitnote.NewService(visitnote.NewRepo(pool), registry, locker, gate)
	svc.SetMetrics(metrics)
	svc.SetAuditor(audit.NewLogger(pool))
	if len(cfg.WebhookURLs) > 0 {
		notifier, err := newNotifier(cfg, logger)
		if err != nil {
			return err
		}
		svc.SetPublisher(notifier)
		logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Msg("sign-off webhooks enabled")
	}

	e := newServer(cfg, logger)
	e.GET("/health", db.HealthHandler(func() string {
		return registry.RuleSet(cfg.DefaultTenant).Version
	}, pool, deps...))
	hub := websocket.NewHub(logger.With().Str("component", "websocket").Logger())
	svc.SetLiveFeed(hub)

	api := apiGroup(e, cfg, pool)
	visitnote.NewHandler(svc).RegisterRoutes(api)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(api)
	reporting.NewHandler(pool).RegisterRoutes(api)

	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(sctx)
}

// newServer builds the echo instance with the global middleware chain.
func newServer(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	return e
}

// apiGroup mounts /api/v1 behind authentication, tenant resolution and rate
// limiting. The health endpoint stays outside it. pool may be nil.
func apiGroup(e *echo.Echo, cfg *config.Config, pool *pgxpool.Pool) *echo.Group {
	g := e.Group("/api/v1")
	if cfg.AuthEnabled() {
		g.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	} else {
		g.Use(auth.DevAuthMiddleware())
	}
	g.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	g.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	return g
}

func newNotifier(cfg *config.Config, logger zerolog.Logger) (*webhook.Notifier, error) {
	endpoints := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
	for _, u := range cfg.WebhookURLs {
		endpoints = append(endpoints, webhook.Endpoint{URL: strings.TrimSpace(u), Secret: cfg.WebhookSecret})
	}
	return webhook.NewNotifier(endpoints,
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout}),
		webhook.WithMaxRetries(cfg.WebhookMaxRetries),
		webhook.WithLogger(logger.With().Str("component", "webhook").Logger()),
	)
}
