package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	fiber "github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"

	"github.com/macrea/crmbatch/internal/api/v1/handlers"
	"github.com/macrea/crmbatch/internal/api/v1/middleware"
	"github.com/macrea/crmbatch/internal/api/v1/routes"
	"github.com/macrea/crmbatch/internal/config"
	"github.com/macrea/crmbatch/internal/crm"
	"github.com/macrea/crmbatch/internal/db"
	"github.com/macrea/crmbatch/internal/db/repos"
	"github.com/macrea/crmbatch/internal/engine"
	"github.com/macrea/crmbatch/internal/engine/processors"
	"github.com/macrea/crmbatch/internal/logger"
)

func main() {
	// Not an error when absent, env vars may be set directly
	_ = godotenv.Load()

	logger.Initialize()

	cfg, err := config.New()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	database, err := db.New(db.Options{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
	})
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	crmClient, err := crm.NewClient(&crm.Config{
		BaseURL: cfg.CRMBaseURL,
		APIKey:  cfg.CRMAPIKey,
	})
	if err != nil {
		logger.Fatalf("Failed to create CRM client: %v", err)
	}

	registry := engine.NewRegistry(
		processors.NewImport(crmClient),
		processors.NewBulkUpdate(crmClient),
		processors.NewBulkDelete(crmClient),
	)

	jobRepo := repos.NewBatchJobRepository(database)
	jobEngine := engine.New(jobRepo, registry, engine.Options{
		Defaults:    cfg.EngineDefaults,
		MaxJobItems: cfg.MaxJobItems,
	})

	// Jobs orphaned in running status by a previous crash go back to the
	// queue before the API starts accepting work
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := jobEngine.RecoverStaleJobs(ctx); err != nil {
		logger.Fatalf("Recovery sweep failed: %v", err)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		BodyLimit:    32 * 1024 * 1024, // CSV uploads
	})
	app.Use(middleware.Logger())

	routes.RegisterRoutes(app, handlers.NewBatchJobHandler(jobEngine))

	go func() {
		<-ctx.Done()
		logger.Info("Shutdown signal received, draining")
		if err := app.Shutdown(); err != nil {
			logger.Errorf("Server shutdown failed: %v", err)
		}
	}()

	logger.Infof("Listening on port %s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		logger.Errorf("Server stopped: %v", err)
	}

	// Let in-flight chunk runners reach their next checkpoint
	jobEngine.Wait()
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
