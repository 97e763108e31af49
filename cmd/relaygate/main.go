package main

import (
	"context"
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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaygate/relaygate/internal/admin"
	"github.com/relaygate/relaygate/internal/backend"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/eventbus"
	"github.com/relaygate/relaygate/internal/extension"
	"github.com/relaygate/relaygate/internal/extension/debuglog"
	"github.com/relaygate/relaygate/internal/extension/scripted"
	"github.com/relaygate/relaygate/internal/gateway"
	"github.com/relaygate/relaygate/internal/httputil"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/internal/transport"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Gateway stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if level, parseErr := zerolog.ParseLevel(cfg.LogLevel); parseErr == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.LogFormat == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting Relaygate")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	be := backend.New(backend.Config{
		Scheme:         cfg.BackendScheme,
		Host:           cfg.BackendHost,
		Port:           cfg.BackendPort,
		BasePath:       cfg.BackendBasePath,
		MessagePath:    cfg.BackendMessagePath,
		ServiceKey:     cfg.ServiceKey,
		BasicAuth:      cfg.BackendBasicAuth,
		StrictTLS:      cfg.BackendStrictTLS,
		RequestTimeout: cfg.BackendRequestTimeout,
	}, log.Logger)

	st := store.New()
	bus := eventbus.New(log.Logger)

	extMgr := extension.New(log.Logger)
	extMgr.Add(debuglog.New(log.Logger))
	if cfg.ExtensionScriptPath != "" {
		extMgr.Add(scripted.New(cfg.ExtensionScriptPath, log.Logger))
	}
	extMgr.StartAll(bus)

	manager := gateway.New(st, be, bus, gateway.Config{
		GracePeriod:              cfg.GracePeriod,
		ClientsCanWriteToClients: cfg.ClientsCanWriteToClients,
		Limiter:                  newRateLimiter(cfg),
	}, log.Logger)

	wsHandler := transport.NewHandler(manager, log.Logger)
	adminHandler := admin.New(manager, be, version, log.Logger)

	app := fiber.New(fiber.Config{
		AppName: "Relaygate",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(fiber.Map{
				"error": fiber.Map{"code": errorCodeForStatus(status), "message": message},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "NodejsServiceKey"},
	}))

	if cfg.RateLimitEnabled {
		app.Get("/ws", limiter.New(limiter.Config{
			Max:        cfg.RateLimitEvents,
			Expiration: time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
		}), wsHandler.Upgrade)
	} else {
		app.Get("/ws", wsHandler.Upgrade)
	}

	adminGroup := app.Group(cfg.BaseAuthPath)
	adminHandler.Register(adminGroup)

	if routes := extMgr.Routes(); len(routes) > 0 {
		if cfg.ExtensionBearerSecret == "" {
			log.Warn().Msg("extensions expose HTTP routes but EXTENSION_BEARER_SECRET is unset; skipping their mount")
		} else {
			extGroup := app.Group(strings.TrimSuffix(cfg.BaseAuthPath, "/") + "/ext")
			extGroup.Use(httputil.RequireBearer(cfg.ExtensionBearerSecret))
			for _, route := range routes {
				switch route.Method {
				case fiber.MethodGet:
					extGroup.Get(route.Path, route.Handler)
				case fiber.MethodPost:
					extGroup.Post(route.Path, route.Handler)
				default:
					log.Warn().Str("method", route.Method).Str("path", route.Path).Msg("unsupported extension route method, skipping")
				}
			}
		}
	}

	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down gateway")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Gateway shutdown error")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("Gateway listening")

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	log.Debug().
		Uint64("alloc_mb", mem.Alloc/1024/1024).
		Uint64("sys_mb", mem.Sys/1024/1024).
		Msg("Runtime memory stats")

	if err := app.Listen(cfg.ListenAddr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("gateway error: %w", err)
	}

	return nil
}

// newRateLimiter builds the per-socket event limiter the gateway.Manager enforces on inbound "message" and
// "join-token-channel" events. It returns nil when rate limiting is disabled, a Redis-backed Window-equivalent when
// a shared backend is configured, and an in-process Window otherwise.
func newRateLimiter(cfg *config.Config) ratelimit.Limiter {
	if !cfg.RateLimitEnabled {
		return nil
	}
	window := time.Duration(cfg.RateLimitWindowSeconds) * time.Second
	if cfg.RateLimitSharedBackend() {
		opts, err := redis.ParseURL(cfg.RateLimitRedisURL)
		if err != nil {
			log.Error().Err(err).Msg("invalid RATE_LIMIT_REDIS_URL, falling back to in-process rate limiting")
			return ratelimit.NewWindow(cfg.RateLimitEvents, window)
		}
		return ratelimit.NewRedis(redis.NewClient(opts), cfg.RateLimitEvents, window)
	}
	return ratelimit.NewWindow(cfg.RateLimitEvents, window)
}

// errorCodeForStatus maps an HTTP status from Fiber's built-in errors to the gateway's small error-code set.
func errorCodeForStatus(status int) string {
	switch {
	case status == fiber.StatusNotFound:
		return "not_found"
	case status == fiber.StatusUnauthorized:
		return "unauthorized"
	case status >= 400 && status < 500:
		return "validation"
	default:
		return "internal"
	}
}
