// Package routes defines the API routes and URL structure
package routes

import (
	"fmt"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/macrea/crmbatch/internal/api/v1/handlers"
	"github.com/macrea/crmbatch/internal/api/v1/middleware"
)

// API base configuration
const (
	// DefaultPort is the default port for the API
	DefaultPort = "8080"
	// APIv1Prefix is the prefix for all API endpoints
	APIv1Prefix = "/api/v1"
)

// DefaultBaseURL is the default base URL for the API
var DefaultBaseURL = fmt.Sprintf("http://localhost:%s", DefaultPort)

// Route names for lookup
const (
	// Health check
	HealthCheck = "HealthCheck"

	// Batch job routes
	ListJobs     = "ListJobs"
	GetJob       = "GetJob"
	GetJobErrors = "GetJobErrors"
	CreateJob    = "CreateJob"
	ApproveJob   = "ApproveJob"
	CancelJob    = "CancelJob"
)

// RegisterRoutes configures all the v1 routes.
//
// NOTE: parameterless routes are registered before :id routes so fiber does
// not interpret a route slug as a job id.
func RegisterRoutes(app *fiber.App, jobHandler *handlers.BatchJobHandler) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	}).Name(HealthCheck)

	v1 := app.Group(APIv1Prefix)

	jobs := v1.Group("/batch-jobs", middleware.RequireTenant())
	jobs.Get("/", jobHandler.ListJobs).Name(ListJobs)
	jobs.Post("/", jobHandler.CreateJob).Name(CreateJob)
	jobs.Get("/:id", jobHandler.GetJob).Name(GetJob)
	jobs.Get("/:id/errors", jobHandler.GetJobErrors).Name(GetJobErrors)
	jobs.Post("/:id/approve", jobHandler.ApproveJob).Name(ApproveJob)
	jobs.Post("/:id/cancel", jobHandler.CancelJob).Name(CancelJob)
}
