package handlers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	fiber "github.com/gofiber/fiber/v2"

	"github.com/macrea/crmbatch/internal/api/v1/middleware"
	"github.com/macrea/crmbatch/internal/db/models"
	"github.com/macrea/crmbatch/internal/engine"
)

// UserHeader carries the identity of the acting user for the approval audit
const UserHeader = "X-User-ID"

// FilenameHeader carries the original file name on CSV imports
const FilenameHeader = "X-Filename"

// BatchJobHandler handles HTTP requests for batch job operations
type BatchJobHandler struct {
	engine   *engine.Engine
	validate *validator.Validate
}

// NewBatchJobHandler creates a new batch job handler instance
func NewBatchJobHandler(e *engine.Engine) *BatchJobHandler {
	return &BatchJobHandler{
		engine:   e,
		validate: validator.New(),
	}
}

// CreateJob handles job creation. A text/csv body creates an import job
// from the raw CSV; any other content type is treated as a JSON submission.
func (h *BatchJobHandler) CreateJob(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	contentType := string(c.Request().Header.ContentType())
	if strings.Contains(contentType, "text/csv") {
		return h.createImportJob(c, tenantID)
	}
	return h.createJSONJob(c, tenantID)
}

func (h *BatchJobHandler) createImportJob(c *fiber.Ctx, tenantID string) error {
	body := c.Body()
	rows, err := parseCSV(body)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(errInvalidInput(fmt.Sprintf("invalid CSV: %v", err)))
	}
	if len(rows) == 0 {
		return c.Status(fiber.StatusBadRequest).
			JSON(errInvalidInput("CSV file is empty"))
	}

	fileHash := hashFile(body)
	fileName := c.Get(FilenameHeader)
	if fileName == "" {
		fileName = fmt.Sprintf("import_%s.csv", fileHash)
	}

	result, err := h.engine.Submit(c.Context(), engine.SubmitRequest{
		TenantID:      tenantID,
		JobType:       models.JobTypeImport,
		OperationName: fmt.Sprintf("Import %d leads", len(rows)),
		Data:          &models.OperationData{Rows: rows},
		FileName:      fileName,
		FileHash:      fileHash,
	})
	if err != nil {
		return h.submitError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(Response{
		Slug: SuccessSlug,
		Data: newCreateJobResponse(result),
	})
}

func (h *BatchJobHandler) createJSONJob(c *fiber.Ctx, tenantID string) error {
	var req CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(errInvalidInput(err.Error()))
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(errInvalidInput(err.Error()))
	}

	jobType, err := models.ParseJobType(req.JobType)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(errInvalidInput(err.Error()))
	}

	requiresValidation := true
	if req.RequiresValidation != nil {
		requiresValidation = *req.RequiresValidation
	}

	result, err := h.engine.Submit(c.Context(), engine.SubmitRequest{
		TenantID:           tenantID,
		JobType:            jobType,
		OperationName:      req.OperationName,
		Data:               req.OperationData(),
		Config:             req.Config,
		RequiresValidation: requiresValidation,
	})
	if err != nil {
		return h.submitError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(Response{
		Slug: SuccessSlug,
		Data: newCreateJobResponse(result),
	})
}

func newCreateJobResponse(result *engine.SubmitResult) CreateJobResponse {
	return CreateJobResponse{
		JobID:              result.Job.ID,
		Status:             result.Job.Status,
		TotalItems:         result.Job.TotalItems,
		Position:           result.Position,
		Started:            result.Started,
		RequiresValidation: result.Job.RequiresValidation,
	}
}

// ListJobs handles the request to list the tenant's jobs
func (h *BatchJobHandler) ListJobs(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	opts := &models.ListOptions{
		Limit:  c.QueryInt("limit", models.DefaultListLimit),
		Offset: c.QueryInt("offset", 0),
	}
	if typeStr := c.Query("job_type"); typeStr != "" {
		jobType, err := models.ParseJobType(typeStr)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).
				JSON(errInvalidInput(err.Error()))
		}
		opts.JobType = &jobType
	}

	jobs, err := h.engine.List(c.Context(), tenantID, opts)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).
			JSON(errServer(err.Error()))
	}

	return c.JSON(Response{
		Slug: SuccessSlug,
		Data: jobs,
	})
}

// GetJob handles the request to get a job's status and progress
func (h *BatchJobHandler) GetJob(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	job, err := h.engine.Get(c.Context(), tenantID, c.Params("id"))
	if err != nil {
		if errors.Is(err, engine.ErrJobNotFound) {
			return c.Status(fiber.StatusNotFound).
				JSON(errNotFound("job not found"))
		}
		return c.Status(fiber.StatusInternalServerError).
			JSON(errServer(err.Error()))
	}

	return c.JSON(Response{
		Slug: SuccessSlug,
		Data: job,
	})
}

// GetJobErrors handles the request for a job's detailed error sample
func (h *BatchJobHandler) GetJobErrors(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	view, err := h.engine.GetErrors(c.Context(), tenantID, c.Params("id"))
	if err != nil {
		if errors.Is(err, engine.ErrJobNotFound) {
			return c.Status(fiber.StatusNotFound).
				JSON(errNotFound("job not found"))
		}
		return c.Status(fiber.StatusInternalServerError).
			JSON(errServer(err.Error()))
	}

	return c.JSON(Response{
		Slug: SuccessSlug,
		Data: view,
	})
}

// ApproveJob handles the request to approve a consent-gated job
func (h *BatchJobHandler) ApproveJob(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	var req ApproveJobRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).
				JSON(errInvalidInput(err.Error()))
		}
	}

	approvedBy := c.Get(UserHeader)
	if approvedBy == "" {
		approvedBy = "system"
	}

	result, err := h.engine.Approve(c.Context(), tenantID, c.Params("id"), approvedBy, req.ConsentID)
	if err != nil {
		return h.controlError(c, err)
	}

	return c.JSON(Response{
		Slug: SuccessSlug,
		Data: ApproveJobResponse{
			Status:  result.Job.Status,
			Started: result.Started,
		},
	})
}

// CancelJob handles the request to cancel a job
func (h *BatchJobHandler) CancelJob(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)

	if err := h.engine.Cancel(c.Context(), tenantID, c.Params("id")); err != nil {
		return h.controlError(c, err)
	}

	return c.JSON(Response{
		Slug: SuccessSlug,
		Data: "job cancelled",
	})
}

func (h *BatchJobHandler) submitError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, engine.ErrUnknownJobType),
		errors.Is(err, engine.ErrTooManyItems),
		errors.Is(err, engine.ErrInvalidPayload):
		return c.Status(fiber.StatusBadRequest).JSON(errInvalidInput(err.Error()))
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(errServer(err.Error()))
	}
}

func (h *BatchJobHandler) controlError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, engine.ErrJobNotFound):
		return c.Status(fiber.StatusNotFound).JSON(errNotFound("job not found"))
	case errors.Is(err, engine.ErrInvalidTransition):
		return c.Status(fiber.StatusBadRequest).JSON(errGeneral(err.Error()))
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(errServer(err.Error()))
	}
}
