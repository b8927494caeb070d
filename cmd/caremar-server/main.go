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

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/caremar/caremar/internal/config"
	"github.com/caremar/caremar/internal/domain/audit"
	"github.com/caremar/caremar/internal/domain/feedback"
	"github.com/caremar/caremar/internal/domain/mar"
	"github.com/caremar/caremar/internal/domain/patient"
	"github.com/caremar/caremar/internal/domain/tenancy"
	"github.com/caremar/caremar/internal/platform/accesspolicy"
	"github.com/caremar/caremar/internal/platform/auth"
	"github.com/caremar/caremar/internal/platform/blobstore"
	"github.com/caremar/caremar/internal/platform/db"
	"github.com/caremar/caremar/internal/platform/middleware"
	"github.com/caremar/caremar/internal/platform/notification"
	"github.com/caremar/caremar/internal/platform/reporting"
	"github.com/caremar/caremar/internal/platform/webhook"
	"github.com/caremar/caremar/internal/platform/websocket"
)

const serverVersion = "0.1.0"

// webhookDispatchTimeout bounds one fan-out pass across all matching
// endpoints, including the delivery client's own retries.
const webhookDispatchTimeout = 60 * time.Second

// eventFanout implements mar.EventSink. Events reach WebSocket subscribers
// synchronously (the hub drops frames for slow clients rather than blocking)
// and webhook endpoints in a background goroutine.
type eventFanout struct {
	hub      *websocket.Hub
	webhooks *webhook.Manager
	log      zerolog.Logger
}

func (f *eventFanout) Publish(ctx context.Context, topic, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		f.log.Error().Err(err).Str("event", event).Msg("failed to marshal event payload")
		return
	}
	now := time.Now().UTC()

	f.hub.Broadcast(topic, websocket.Event{
		Type:      event,
		Topic:     topic,
		Timestamp: now,
		Data:      data,
	})

	// Webhook targeting follows the hospital of the acting user. Events
	// published outside a request context go to global endpoints only.
	var hospitalID *uuid.UUID
	if sub, ok := accesspolicy.SubjectFromContext(ctx); ok && sub.HospitalID != uuid.Nil {
		hid := sub.HospitalID
		hospitalID = &hid
	}
	evt := webhook.WebhookEvent{
		ID:         uuid.New(),
		Type:       event,
		Topic:      topic,
		HospitalID: hospitalID,
		Payload:    data,
		Timestamp:  now,
	}
	go func() {
		dctx, cancel := context.WithTimeout(context.Background(), webhookDispatchTimeout)
		defer cancel()
		f.webhooks.Deliver(dctx, evt)
	}()
}

// parseFormTopic extracts the form id from a live-update topic name. It must
// accept exactly what mar.FormTopic produces.
func parseFormTopic(topic string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(topic, "mar-form/")
	if !ok {
		return uuid.Nil, fmt.Errorf("unknown topic %q", topic)
	}
	formID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("unknown topic %q", topic)
	}
	return formID, nil
}

// marTopicAuthorizer admits a WebSocket subscription to a form topic exactly
// when the subscriber could read the form over HTTP.
func marTopicAuthorizer(svc *mar.Service) websocket.TopicAuthorizer {
	return func(ctx context.Context, topic string) error {
		formID, err := parseFormTopic(topic)
		if err != nil {
			return err
		}
		return svc.AuthorizeFormRead(ctx, formID)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "caremar-server",
		Short: "Hospital MAR charting API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(hospitalCmd())
	rootCmd.AddCommand(userCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Write a forward migration that undoes the change, or restore from a backup.")
			return nil
		},
	})

	return cmd
}

func hospitalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hospital",
		Short: "Manage hospitals",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a hospital and print its invite code",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			facilityType, _ := cmd.Flags().GetString("facility-type")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			engine := accesspolicy.NewEngine(patient.NewAssignmentRepo(pool))
			svc := tenancy.NewService(
				tenancy.NewHospitalRepo(pool),
				tenancy.NewProfileRepo(pool),
				engine,
				notification.NewMemorySender(),
			)

			h, err := svc.ProvisionHospital(ctx, name, facilityType)
			if err != nil {
				return err
			}
			fmt.Printf("Hospital created: %s (%s)\n", h.Name, h.ID)
			fmt.Printf("Invite code: %s\n", h.InviteCode)
			fmt.Println("Staff join by entering the invite code after their first login.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Hospital name")
	createCmd.Flags().String("facility-type", "", "Facility type, e.g. skilled-nursing")

	cmd.AddCommand(createCmd)
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user profiles",
	}

	// Role changes normally require a superadmin caller; this command exists
	// to mint the first one. The target must have logged in at least once so
	// their profile row exists.
	promoteCmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote a profile to superadmin",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			profiles := tenancy.NewProfileRepo(pool)
			p, err := profiles.GetByID(ctx, tenancy.ProfileIDForSubject(subject))
			if err != nil {
				return fmt.Errorf("no profile for subject %q (the user must log in once first): %w", subject, err)
			}
			p.Role = accesspolicy.RoleSuperadmin
			if err := profiles.Update(ctx, p); err != nil {
				return err
			}
			fmt.Printf("Profile %s (%s) is now a superadmin.\n", p.FullName, p.Email)
			return nil
		},
	}
	promoteCmd.Flags().String("subject", "", "Identity provider subject of the user")

	cmd.AddCommand(promoteCmd)
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogFileMaxSizeMB,
			MaxBackups: cfg.LogFileMaxBackups,
		})
	}
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Logger
	logger := newLogger(cfg)

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	txm := db.NewTxManager(pool)

	// Access policy engine, backed by nurse assignment lookups
	assignmentRepo := patient.NewAssignmentRepo(pool)
	engine := accesspolicy.NewEngine(assignmentRepo)

	// Invite email sender
	var sender notification.EmailSender
	if cfg.SMTPHost != "" {
		sender = notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	} else {
		sender = notification.NewMemorySender()
		logger.Warn().Msg("SMTP not configured, invite emails are recorded in memory only")
	}

	// Tenancy domain
	hospitalRepo := tenancy.NewHospitalRepo(pool)
	profileRepo := tenancy.NewProfileRepo(pool)
	tenancySvc := tenancy.NewService(hospitalRepo, profileRepo, engine, sender)

	// Patient domain
	patientRepo := patient.NewPatientRepo(pool)
	patientSvc := patient.NewService(patientRepo, assignmentRepo, tenancySvc, engine)

	// Audit domain, also consumed by the audit middleware and MAR service
	auditRepo := audit.NewRepo(pool)
	auditSvc := audit.NewService(auditRepo, logger)

	// Webhook deliveries
	webhookStore := webhook.NewStore(pool)
	var webhookOpts []webhook.ManagerOption
	if cfg.WebhookTimeoutSeconds > 0 {
		webhookOpts = append(webhookOpts, webhook.WithTimeout(time.Duration(cfg.WebhookTimeoutSeconds)*time.Second))
	}
	webhookMgr := webhook.NewManager(webhookStore, logger, webhookOpts...)

	// MAR domain. The fanout needs the hub and the hub's authorizer needs the
	// MAR service, so the hub reference is tied in after construction; wiring
	// completes before the server accepts connections.
	fanout := &eventFanout{webhooks: webhookMgr, log: logger}
	marSvc := mar.NewService(mar.NewRepos(pool), mar.NewPatientDirectory(pool), engine, txm, fanout, auditSvc)
	hub := websocket.NewHub(logger, marTopicAuthorizer(marSvc))
	fanout.hub = hub

	// Feedback domain
	feedbackRepo := feedback.NewRepo(pool)
	feedbackSvc := feedback.NewService(feedbackRepo, engine)

	// Blob storage for signature images and screenshots
	blobs := blobstore.NewStore(pool)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(middleware.BodyLimit("1M", "12M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	switch cfg.ResolvedAuthMode() {
	case "dev":
		logger.Warn().Msg("dev auth mode enabled, do not use in production")
		e.Use(auth.DevAuthMiddleware())
	case "jwks":
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	default: // static signing key
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	// Profile resolution and PHI access logging
	e.Use(tenancy.ResolveSubject(tenancySvc, logger))
	e.Use(middleware.Audit(logger, auditSvc))

	// API group
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	cacheCfg := middleware.DefaultCacheConfig()
	if cfg.CacheTTLSeconds > 0 {
		cacheCfg.MaxAge = cfg.CacheTTLSeconds
	}
	cacheCfg.ExcludePaths = []string{
		"/api/v1/reports/mar-forms", // XLSX export streams binary content
		"/api/v1/blobs",
		"/api/v1/ws",
	}
	apiV1.Use(middleware.ETagMiddleware(cacheCfg))

	// Response cache for the reporting measures, scoped per caller. The
	// in-process store is the default; Redis takes over when configured so
	// replicas share entries.
	var respStore middleware.CacheStore = middleware.NewInMemoryCacheStore()
	if cfg.RedisURL != "" {
		rdb, err := middleware.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		respStore = middleware.NewRedisCacheStore(rdb, "")
		logger.Info().Msg("redis response cache enabled")
	}
	reportCache := middleware.ResponseCacheMiddleware(respStore, time.Duration(cacheCfg.MaxAge)*time.Second)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": serverVersion,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Tenancy domain
	tenancyHandler := tenancy.NewHandler(tenancySvc, blobs)
	tenancyHandler.RegisterRoutes(apiV1)

	// Patient domain
	patientHandler := patient.NewHandler(patientSvc)
	patientHandler.RegisterRoutes(apiV1)

	// MAR domain
	marHandler := mar.NewHandler(marSvc)
	marHandler.RegisterRoutes(apiV1)

	// Feedback domain
	feedbackHandler := feedback.NewHandler(feedbackSvc)
	feedbackHandler.RegisterRoutes(apiV1)

	// Audit trail
	auditHandler := audit.NewHandler(auditSvc)
	auditHandler.RegisterRoutes(apiV1)

	// Webhook endpoints
	webhookHandler := webhook.NewHandler(webhookMgr)
	webhookHandler.RegisterRoutes(apiV1)

	// Blob upload and download
	blobHandler := blobstore.NewBlobHandler(blobs)
	blobHandler.RegisterRoutes(apiV1)

	// Reporting measures and XLSX export
	reportingHandler := reporting.NewHandler(pool, marSvc)
	reportingHandler.RegisterRoutes(apiV1, reportCache)

	// Live form updates
	wsHandler := websocket.NewWebSocketHandler(hub)
	wsHandler.RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
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
	logger.Info().Msg("server stopped")
	return nil
}
