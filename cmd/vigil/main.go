package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vigil-app/vigil-server/internal/alertloop"
	"github.com/vigil-app/vigil-server/internal/api"
	"github.com/vigil-app/vigil-server/internal/auth"
	"github.com/vigil-app/vigil-server/internal/bootstrap"
	"github.com/vigil-app/vigil-server/internal/config"
	"github.com/vigil-app/vigil-server/internal/device"
	"github.com/vigil-app/vigil-server/internal/disposable"
	"github.com/vigil-app/vigil-server/internal/email"
	"github.com/vigil-app/vigil-server/internal/httputil"
	"github.com/vigil-app/vigil-server/internal/hub"
	"github.com/vigil-app/vigil-server/internal/janitor"
	"github.com/vigil-app/vigil-server/internal/postgres"
	"github.com/vigil-app/vigil-server/internal/protocol"
	"github.com/vigil-app/vigil-server/internal/push"
	"github.com/vigil-app/vigil-server/internal/ratelimit"
	"github.com/vigil-app/vigil-server/internal/relay"
	"github.com/vigil-app/vigil-server/internal/session"
	"github.com/vigil-app/vigil-server/internal/sessionlog"
	"github.com/vigil-app/vigil-server/internal/user"
	"github.com/vigil-app/vigil-server/internal/valkey"
	"github.com/vigil-app/vigil-server/internal/watchdog"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// server holds the shared dependencies used by route handlers and middleware.
type server struct {
	cfg         *config.Config
	db          *pgxpool.Pool
	rdb         *redis.Client
	userRepo    user.Repository
	hubRepo     hub.Repository
	deviceRepo  device.Repository
	authService *auth.Service
	machine     *session.Machine
	loop        *alertloop.Loop
	logs        *sessionlog.Service
	relay       *relay.Relay
	notifier    api.HubNotifier
}

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting Vigil Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// Repositories
	userRepo := user.NewPGRepository(db, log.Logger)
	hubRepo := hub.NewPGRepository(db, log.Logger)
	deviceRepo := device.NewPGRepository(db, log.Logger)
	sessionRepo := session.NewPGRepository(db, log.Logger)
	alertRepo := alertloop.NewPGRepository(db, log.Logger)
	logRepo := sessionlog.NewPGRepository(db, log.Logger)

	// Disposable email blocklist. Prefetch is synchronous so the cache is warm before registration opens.
	blocklist := disposable.NewBlocklist(cfg.DisposableEmailBlocklistURL, cfg.DisposableEmailCheck)
	blocklist.Prefetch(ctx)

	// SMTP client for hub lifecycle mail to owners
	var notifier api.HubNotifier
	if cfg.SMTPConfigured() {
		mailer := email.NewClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
		if err := mailer.Ping(); err != nil {
			log.Warn().Err(err).Msg("SMTP connection test failed. Hub lifecycle mail may not be delivered.")
		} else {
			log.Info().Str("host", cfg.SMTPHost).Int("port", cfg.SMTPPort).Msg("SMTP connection verified")
		}
		notifier = mailer
		if cfg.IsDevelopment() {
			log.Info().Msg("SMTP routed to Mailpit. View caught emails at http://localhost:8025")
		}
	} else {
		log.Warn().Msg("SMTP_HOST is not configured. Hub owners will not be mailed on approval decisions.")
	}

	// Push delivery: FCM when credentials are configured, log-only otherwise.
	var sender push.Sender
	if cfg.PushConfigured() {
		fcm, err := push.NewFCMSender(ctx, cfg.FCMProjectID, cfg.FCMCredentialsFile, log.Logger)
		if err != nil {
			return fmt.Errorf("init FCM sender: %w", err)
		}
		sender = fcm
		log.Info().Str("project", cfg.FCMProjectID).Msg("FCM push sender initialised")
	} else {
		sender = push.NewNopSender(log.Logger)
		log.Warn().Msg("FCM_PROJECT_ID is not configured. Push notifications will be logged, not delivered.")
	}
	pushSvc := push.NewService(deviceRepo, sender, cfg.DeviceFailureThreshold, log.Logger)

	// Per-class socket message budgets
	limits := ratelimit.New(map[string]ratelimit.Limit{
		ratelimit.ClassStatus: {Max: cfg.RateLimitStatusMax, Window: cfg.RateLimitStatusWindow},
		ratelimit.ClassLog:    {Max: cfg.RateLimitLogMax, Window: cfg.RateLimitLogWindow},
		ratelimit.ClassNotify: {Max: cfg.RateLimitNotifyMax, Window: cfg.RateLimitNotifyWindow},
		ratelimit.ClassAlert:  {Max: cfg.RateLimitAlertMax, Window: cfg.RateLimitAlertWindow},
	})

	// Session logs: Valkey ring buffer for the live tail, Postgres for retention.
	logSvc := sessionlog.NewService(logRepo, sessionlog.NewRing(rdb, cfg.LogBufferSize), log.Logger)

	// Alert loop, session state machine, and the heartbeat watchdog that drives them.
	loop := alertloop.New(alertRepo, userRepo, pushSvc, cfg.AlertLoopInterval, cfg.AlertLoopMaxNotifications, log.Logger)
	machine := session.NewMachine(sessionRepo, userRepo, pushSvc, loop, logSvc, log.Logger)
	wd := watchdog.New(machine, cfg.HeartbeatTimeout, cfg.ReconnectGracePeriod, log.Logger)

	// WebSocket relay
	queue := relay.NewCommandQueue(rdb, cfg.CommandQueueCapacity, cfg.CommandQueueTTL)
	creds := auth.NewAdapter(userRepo, hubRepo, deviceRepo, cfg.AcceptLegacyTokens)
	rly := relay.New(relay.Config{
		ServerVersion:  version,
		JWTSecret:      cfg.JWTSecret,
		JWTIssuer:      cfg.ServerName,
		ReconnectGrace: cfg.ReconnectGracePeriod,
	}, creds, userRepo, machine, wd, limits, pushSvc, logSvc, deviceRepo, hubRepo, queue, log.Logger)

	authService := auth.NewService(userRepo, auth.NewRefreshStore(rdb, cfg.JWTRefreshTTL), blocklist, rly, cfg, log.Logger)

	if err := bootstrap.SeedAdmin(ctx, userRepo, cfg, log.Logger); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	// Recover persisted state before accepting sockets: sessions left active by
	// a previous process are closed, surviving alert loops re-armed.
	if _, err := machine.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile sessions: %w", err)
	}
	if err := loop.Restore(ctx); err != nil {
		return fmt.Errorf("restore alert loops: %w", err)
	}

	// Scheduled maintenance
	jan := janitor.New(logSvc, alertRepo, userRepo, limits,
		time.Duration(cfg.LogRetentionDays)*24*time.Hour, cfg.JanitorSchedule, log.Logger)
	if err := jan.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: cfg.ServerName,
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := protocol.CodeInternal
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				code = fiberStatusToAPICode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return httputil.Fail(c, status, code, message)
		},
	})

	// Global middleware
	app.Use(requestid.New())
	if cfg.LogHealthRequests {
		app.Use(httputil.RequestLogger(log.Logger))
	} else {
		app.Use(httputil.RequestLogger(log.Logger, "/api/v1/health"))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	// Register routes
	srv := &server{
		cfg:         cfg,
		db:          db,
		rdb:         rdb,
		userRepo:    userRepo,
		hubRepo:     hubRepo,
		deviceRepo:  deviceRepo,
		authService: authService,
		machine:     machine,
		loop:        loop,
		logs:        logSvc,
		relay:       rly,
		notifier:    notifier,
	}
	srv.registerRoutes(app)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		rly.Shutdown(shutdownCtx)
		wd.Shutdown()
		loop.Shutdown()
		jan.Shutdown()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	// Listen
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	log.Debug().
		Uint64("alloc_mb", mem.Alloc/1024/1024).
		Uint64("sys_mb", mem.Sys/1024/1024).
		Uint64("heap_inuse_mb", mem.HeapInuse/1024/1024).
		Uint64("stack_inuse_mb", mem.StackInuse/1024/1024).
		Uint32("num_gc", mem.NumGC).
		Msg("Runtime memory stats")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *server) registerRoutes(app *fiber.App) {
	requireAuth := auth.RequireAuth(s.cfg.JWTSecret, s.cfg.ServerName)
	requireAdmin := auth.RequireAdmin(s.userRepo)

	health := api.NewHealthHandler(s.db, redisPinger{client: s.rdb})
	app.Get("/api/v1/health", health.Health)

	// Auth routes with stricter rate limiting
	authHandler := api.NewAuthHandler(s.authService, log.Logger)
	authGroup := app.Group("/api/v1/auth")
	authGroup.Use(limiter.New(limiter.Config{
		Max:        s.cfg.RateLimitAuthCount,
		Expiration: time.Duration(s.cfg.RateLimitAuthWindowSeconds) * time.Second,
	}))
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)
	authGroup.Post("/refresh", authHandler.Refresh)
	authGroup.Post("/logout", authHandler.Logout)

	// Account settings and the producer connection token
	userHandler := api.NewUserHandler(s.userRepo, s.authService, log.Logger)
	userGroup := app.Group("/api/v1/users", requireAuth)
	userGroup.Get("/me", userHandler.GetMe)
	userGroup.Patch("/me/settings", userHandler.UpdateSettings)
	userGroup.Post("/me/token", userHandler.RegenerateToken)

	// Session visibility and remote stop
	sessionHandler := api.NewSessionHandler(s.machine, s.relay, s.logs, log.Logger)
	sessionGroup := app.Group("/api/v1/sessions", requireAuth)
	sessionGroup.Get("/", sessionHandler.List)
	sessionGroup.Post("/:id/stop", sessionHandler.Stop)
	sessionGroup.Get("/:id/logs", sessionHandler.Logs)

	// Repeating alerts
	alertHandler := api.NewAlertHandler(s.loop, log.Logger)
	alertGroup := app.Group("/api/v1/alerts", requireAuth)
	alertGroup.Get("/active", alertHandler.Active)
	alertGroup.Post("/:id/acknowledge", alertHandler.Acknowledge)

	// Push device registry
	deviceHandler := api.NewDeviceHandler(s.deviceRepo, log.Logger)
	deviceGroup := app.Group("/api/v1/devices", requireAuth)
	deviceGroup.Post("/", deviceHandler.Register)
	deviceGroup.Get("/", deviceHandler.List)
	deviceGroup.Delete("/:id", deviceHandler.Delete)

	// Hub registration is public (the API key comes back exactly once); listing
	// and the moderation actions are admin-only. The public route is registered
	// before the group so the group middleware does not apply to it.
	hubHandler := api.NewHubHandler(s.hubRepo, s.relay, s.notifier, log.Logger)
	app.Post("/api/v1/hubs", hubHandler.Register)
	hubGroup := app.Group("/api/v1/hubs", requireAuth, requireAdmin)
	hubGroup.Get("/", hubHandler.List)
	hubGroup.Post("/:id/approve", hubHandler.Approve)
	hubGroup.Post("/:id/reject", hubHandler.Reject)
	hubGroup.Post("/:id/suspend", hubHandler.Suspend)

	// WebSocket endpoint (unauthenticated; the socket identifies its role and
	// credentials in its first frame).
	relayHandler := api.NewRelayHandler(s.relay)
	app.Get("/ws", relayHandler.Upgrade)

	// Catch-all handler returns 404 for any request that does not match a defined route. Fiber v3 treats app.Use()
	// middleware as route matches, so without this terminal handler the router considers unmatched requests "handled"
	// and returns the default 200 status with an empty body.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// redisPinger adapts *redis.Client to the api.Pinger interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest protocol
// error code.
func fiberStatusToAPICode(status int) protocol.Code {
	switch status {
	case fiber.StatusUnauthorized:
		return protocol.CodeUnauthorized
	case fiber.StatusForbidden:
		return protocol.CodeForbidden
	case fiber.StatusNotFound:
		return protocol.CodeNotFound
	case fiber.StatusConflict:
		return protocol.CodeConflict
	case fiber.StatusTooManyRequests:
		return protocol.CodeRateLimited
	default:
		if status >= 400 && status < 500 {
			return protocol.CodeInvalidBody
		}
		return protocol.CodeInternal
	}
}
