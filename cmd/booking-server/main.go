package main

import (
	"context"
	"fmt"
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

	"github.com/medibook/booking/internal/config"
	"github.com/medibook/booking/internal/domain/scheduling"
	"github.com/medibook/booking/internal/platform/auth"
	"github.com/medibook/booking/internal/platform/db"
	"github.com/medibook/booking/internal/platform/middleware"
	"github.com/medibook/booking/internal/platform/notification"
	"github.com/medibook/booking/internal/platform/validation"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "booking-server",
		Short:        "Appointment slot booking API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Create the default tenant schema and apply migrations before serving")
	return cmd
}

// openPool loads the configuration and connects to the database.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// withMigrator resolves the tenant flag to its schema and hands a
	// migrator for it to fn.
	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
		tenant, _ := cmd.Flags().GetString("tenant")

		ctx := cmd.Context()
		cfg, pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if tenant == "" {
			tenant = cfg.DefaultTenant
		}
		schema := db.SchemaName(tenant)

		if err := db.CreateTenantSchema(ctx, pool, tenant, false); err != nil {
			return err
		}
		migrator, err := db.NewMigrator(pool, schema)
		if err != nil {
			return err
		}
		defer migrator.Close()
		return fn(ctx, migrator, schema)
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Print(formatStatuses(statuses))
				return nil
			})
		},
	}
	cmd.AddCommand(statusCmd)

	// migrate version
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				v, err := m.Version(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%s: version %d\n", schema, v)
				return nil
			})
		},
	}
	cmd.AddCommand(versionCmd)

	cmd.PersistentFlags().String("tenant", "", "Tenant whose schema is migrated (defaults to DEFAULT_TENANT)")
	return cmd
}

func formatStatuses(statuses []db.MigrationStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(&b, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(&b, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
	return b.String()
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := cmd.Context()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, true); err != nil {
				return err
			}
			fmt.Println("Tenant created and migrated successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric and underscore)")

	cmd.AddCommand(createCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed bearer token for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			tenant, _ := cmd.Flags().GetString("tenant")
			roles, _ := cmd.Flags().GetString("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(jwtConfig(cfg), subject, tenant, parseRoles(roles), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	issueCmd.Flags().String("subject", "", "Agent id placed in the token subject")
	issueCmd.Flags().String("tenant", "", "Tenant the token is bound to")
	issueCmd.Flags().String("roles", auth.RoleAgent, "Comma-separated roles")
	issueCmd.Flags().Duration("ttl", 8*time.Hour, "Token lifetime")

	cmd.AddCommand(issueCmd)
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
}

func parseRoles(s string) []string {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
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

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer(migrate bool) error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
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

	if migrate {
		if err := db.CreateTenantSchema(ctx, pool, cfg.DefaultTenant, true); err != nil {
			logger.Fatal().Err(err).Str("tenant", cfg.DefaultTenant).Msg("failed to migrate default tenant")
		}
		logger.Info().Str("tenant", cfg.DefaultTenant).Msg("default tenant migrated")
	}

	// Notifications
	publisher, err := notification.New(ctx, notification.Config{
		Backend:  cfg.NotifyBackend,
		Channel:  cfg.NotifyChannel,
		RedisURL: cfg.RedisURL,
		AMQPURL:  cfg.AMQPURL,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.NotifyBackend).Msg("failed to start notification publisher")
	}
	defer publisher.Close()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// API group: auth, then rate limiting keyed by tenant, then the tenant connection
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(jwtConfig(cfg)))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	// Scheduling domain
	svc := scheduling.NewService(
		scheduling.NewDoctorRepoPG(pool),
		scheduling.NewSlotRepoPG(pool),
		scheduling.NewAppointmentRepoPG(pool),
		db.NewTxManager(pool),
		scheduling.WithMinutesPerAppointment(cfg.MinutesPerAppointment),
		scheduling.WithLogger(logger.With().Str("component", "scheduling").Logger()),
	)
	handler := scheduling.NewHandler(svc, publisher, logger,
		scheduling.WithRetry(cfg.BookingMaxRetries, 50*time.Millisecond))
	handler.RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
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
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
