package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edgegate/edgegate/internal/api"
	"github.com/edgegate/edgegate/internal/auth"
	"github.com/edgegate/edgegate/internal/bus"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/connection"
	"github.com/edgegate/edgegate/internal/gateway"
	"github.com/edgegate/edgegate/internal/httputil"
	"github.com/edgegate/edgegate/internal/session"
	"github.com/edgegate/edgegate/internal/store"
	"github.com/edgegate/edgegate/internal/user"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Gateway stopped")
	}
}

func run() error {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Str("gateway_id", cfg.GatewayID).Msg("Starting Edgegate")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". This allows any origin to make requests to your server. Set an explicit origin (e.g. https://your-client.example.com) for production deployments.")
	}

	ctx := context.Background()

	// Connect the shared store
	rdb, err := store.Connect(ctx, cfg.StoreURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Store connected")

	st := store.New(rdb)
	batch := store.NewBatcher(st, cfg.FlushInterval, cfg.BatchHighWater, log.Logger)
	events := bus.New(rdb, log.Logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go batch.Run(runCtx)

	// Run the event bus dispatch loop with reconnection.
	go func() {
		for {
			if err := events.Run(runCtx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.Error().Err(err).Msg("Event bus stopped, restarting in 5s")
				select {
				case <-runCtx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			return
		}
	}()

	// Repositories, registries, and the socket hub
	users := user.NewStoreRepository(st, log.Logger)
	authService := auth.NewService(users, events, cfg, log.Logger)
	sessions := session.NewRegistry(st, batch, events, cfg.GatewayID, cfg.SessionTimeout, log.Logger)
	connections := connection.NewRegistry(st, batch, events, cfg.GatewayID, 2*cfg.PingInterval, log.Logger)
	hub := gateway.NewHub(cfg, sessions, connections, events, log.Logger)

	go sessions.RunSweeper(runCtx, cfg.SessionSweepInterval)
	go connections.RunSweeper(runCtx, cfg.ConnSweepInterval)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "Edgegate",
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return httputil.Fail(c, status, statusToErrName(status), message)
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	// Global API rate limiter
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	registerRoutes(app, cfg, st, users, authService, sessions, connections, hub)

	// Graceful shutdown: close the listener so nothing new is accepted, drain the sockets so clients see the
	// shutdown frame, then flush whatever the batcher still holds. app.Shutdown blocks until the drained sockets are
	// gone, so it runs alongside the hub drain; the hub refuses upgrades already in flight the moment draining
	// starts.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down gateway")
		httpDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(httpDone)
		}()
		hub.Shutdown()
		<-httpDone
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Gateway listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	cancel()
	drainCtx, drainCancel := context.WithTimeout(ctx, 5*time.Second)
	defer drainCancel()
	if err := batch.Drain(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Batcher drain incomplete")
	}

	return nil
}

func registerRoutes(
	app *fiber.App,
	cfg *config.Config,
	st *store.Store,
	users user.Repository,
	authService *auth.Service,
	sessions *session.Registry,
	connections *connection.Registry,
	hub *gateway.Hub,
) {
	authHandler := api.NewAuthHandler(authService, sessions, cfg, log.Logger)
	sessionHandler := api.NewSessionHandler(sessions, connections, log.Logger)
	adminHandler := api.NewAdminHandler(authService, sessions, users, st, log.Logger)
	healthHandler := api.NewHealthHandler(st, hub, cfg, log.Logger)
	gatewayHandler := api.NewGatewayHandler(hub)

	app.Get("/health", healthHandler.Health)
	app.Get("/ws/health", healthHandler.WSHealth)
	app.Get("/ws/connect", gatewayHandler.Upgrade)

	// Credential endpoints with stricter rate limiting. The limiter is attached per route so it cannot bleed onto the
	// authenticated /sessions surface sharing the prefix.
	authLimiter := limiter.New(limiter.Config{
		Max:        cfg.RateLimitAuthCount,
		Expiration: time.Duration(cfg.RateLimitAuthWindowSeconds) * time.Second,
	})
	app.Post("/sessions/register", authHandler.Register, authLimiter)
	app.Post("/sessions/login", authHandler.Login, authLimiter)

	authed := app.Group("/sessions", auth.RequireAuth(cfg.SecretKey))
	authed.Post("/create", sessionHandler.Create)
	authed.Post("/logout", authHandler.Logout)
	authed.Post("/delete_account", authHandler.DeleteAccount)
	authed.Get("/users/:user/sessions", sessionHandler.UserSessions)
	authed.Get("/users/:user/connection", sessionHandler.UserConnection)

	admin := authed.Group("/admin", auth.RequireAdmin())
	admin.Get("/all-sessions", adminHandler.AllSessions)
	admin.Get("/users", adminHandler.Users)
	admin.Delete("/sessions/:sid", adminHandler.DeleteSession)
	admin.Delete("/users/:user", adminHandler.DeleteUser)
	admin.Post("/users/:user/promote", adminHandler.Promote)
	admin.Post("/users/:user/demote", adminHandler.Demote)

	// Parameterized routes last so fixed paths win.
	authed.Get("/:sid", sessionHandler.Get)
	authed.Post("/update/:sid", sessionHandler.Update)
}

// statusToErrName maps an HTTP status from Fiber's built-in errors (404, 405, etc.) to the short error name used in
// the response envelope.
func statusToErrName(status int) string {
	switch {
	case status == fiber.StatusNotFound:
		return httputil.ErrNotFound
	case status == fiber.StatusUnauthorized:
		return httputil.ErrUnauthorized
	case status == fiber.StatusForbidden:
		return httputil.ErrForbidden
	case status == fiber.StatusTooManyRequests:
		return httputil.ErrTooMany
	case status >= 400 && status < 500:
		return httputil.ErrBadRequest
	default:
		return httputil.ErrInternal
	}
}
