package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"relay-backend/internal/admin"
	"relay-backend/internal/auth"
	"relay-backend/internal/config"
	"relay-backend/internal/engine"
	"relay-backend/internal/instrument"
	"relay-backend/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, driver: %s)", cfg.Server.Port, cfg.Database.Driver)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	// 4. Instrumentation: event buffer + retention loop, or noop when disabled
	var inst instrument.Instrumenter = &instrument.NoopInstrumenter{}
	var buffer *instrument.EventBuffer
	if cfg.Instrumentation.Enabled {
		buffer = instrument.NewEventBuffer(db.DB, db.Dialect, cfg.Instrumentation.BufferSize, cfg.Instrumentation.FlushIntervalMs)
		defer buffer.Stop()
		inst = instrument.NewInstrumenter(buffer)

		cleanupDone := make(chan struct{})
		defer close(cleanupDone)
		go func() {
			ticker := time.NewTicker(1 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-cleanupDone:
					return
				case <-ticker.C:
					instrument.CleanupOldEvents(ctx, db.DB, db.Dialect, cfg.Instrumentation.RetentionDays)
				}
			}
		}()
	}

	// 5. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(instrument.Middleware(cfg.Instrumentation, buffer))

	// 6. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 7. Auth routes (before middleware — no auth required)
	authHandler := auth.NewAuthHandler(db, cfg.JWTSecret)
	auth.RegisterAuthRoutes(app, authHandler)

	// 8. Auth middleware for all protected routes
	authMW := auth.AuthMiddleware(cfg.JWTSecret)
	adminMW := auth.RequireAdmin()

	// 9. Engine wiring
	gate := engine.NewEntitlementGate(db)
	wfStore := &engine.SQLWorkflowStore{Dialect: db.Dialect}
	runs := engine.NewRunStore(db.Dialect)
	artifacts := engine.NewArtifactWriter(db.Dialect)
	executor := engine.NewWorkflowExecutor(
		engine.DefaultStepExecutors(),
		engine.NewExprLangEvaluator(),
		engine.NewOutboundClient(),
		artifacts,
	)

	dispatcher := engine.NewDispatcher(db, runs, wfStore, executor, artifacts, inst,
		cfg.Dispatcher.Workers, time.Duration(cfg.Dispatcher.PollIntervalMs)*time.Millisecond)
	dispatcher.Start()
	defer dispatcher.Stop()

	// 10. Public webhook ingestion, rate limited per tenant+IP
	webhookLimiter := limiter.New(limiter.Config{
		Max:        cfg.Webhooks.RateLimitPerMin,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.Params("tenant_id") + ":" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(engine.ErrorResponse{
				Error: &engine.AppError{Code: "RATE_LIMITED", Message: "Too many requests"},
			})
		},
	})
	webhookHandler := engine.NewWebhookHandler(db, gate, runs, dispatcher)
	engine.RegisterWebhookRoutes(app, webhookHandler, webhookLimiter)

	// 11. Management API (auth required)
	endpointHandler := engine.NewEndpointHandler(db, gate, wfStore, cfg.Webhooks.BaseURL)
	engine.RegisterEndpointRoutes(app, endpointHandler, authMW)

	systemHandler := engine.NewSystemHandler(db, gate, wfStore, runs, artifacts)
	engine.RegisterSystemRoutes(app, systemHandler, authMW)

	// 12. Provisioning API (admin only)
	adminHandler := admin.NewHandler(db)
	admin.RegisterAdminRoutes(app, adminHandler, authMW, adminMW)

	// 13. Trace event API (admin reads)
	traceHandler := instrument.NewEventHandler(db.DB, db.Dialect)
	instrument.RegisterTraceRoutes(app, traceHandler, authMW, adminMW)

	// 14. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(engine.ErrorResponse{
		Error: &engine.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
