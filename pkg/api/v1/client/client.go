// Package client provides the API client for the batch jobs API
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/macrea/crmbatch/internal/api/v1/handlers"
	"github.com/macrea/crmbatch/internal/api/v1/middleware"
	"github.com/macrea/crmbatch/internal/api/v1/routes"
	"github.com/macrea/crmbatch/internal/db/models"
	"github.com/macrea/crmbatch/internal/engine"
)

// DefaultTimeout is the default timeout for API requests
const DefaultTimeout = 30 * time.Second

// Client is the interface for the batch jobs API client
type Client interface {
	// HealthCheck verifies the server is reachable
	HealthCheck(ctx context.Context) error

	// CreateJob submits a JSON job (bulk_update, bulk_delete, inline import)
	CreateJob(ctx context.Context, req handlers.CreateJobRequest) (*handlers.CreateJobResponse, error)
	// ImportCSV submits a CSV import job from a raw file body
	ImportCSV(ctx context.Context, fileName string, csvBody []byte) (*handlers.CreateJobResponse, error)

	// GetJob fetches one job with derived progress
	GetJob(ctx context.Context, id string) (*engine.JobStatusView, error)
	// ListJobs fetches the tenant's jobs, newest first
	ListJobs(ctx context.Context, opts *models.ListOptions) ([]engine.JobStatusView, error)
	// GetJobErrors fetches a job's sampled error list
	GetJobErrors(ctx context.Context, id string) (*engine.JobErrorsView, error)

	// ApproveJob approves a consent-gated job
	ApproveJob(ctx context.Context, id, consentID string) (*handlers.ApproveJobResponse, error)
	// CancelJob cancels a job
	CancelJob(ctx context.Context, id string) error
}

// Options contains configuration options for the API client
type Options struct {
	// BaseURL is the base URL of the API
	BaseURL string
	// TenantID is sent on every request; all routes are tenant-scoped
	TenantID string
	// UserID identifies the acting user for approval audit trails
	UserID string
	// Timeout is the request timeout
	Timeout time.Duration
}

// DefaultOptions returns the default client options
func DefaultOptions() *Options {
	return &Options{
		BaseURL: routes.DefaultBaseURL,
		Timeout: DefaultTimeout,
	}
}

// APIClient implements the Client interface
type APIClient struct {
	baseURL    string
	tenantID   string
	userID     string
	httpClient *http.Client
}

var _ Client = &APIClient{}

// NewClient creates a new API client with the given options
func NewClient(opts *Options) (*APIClient, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if opts.TenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &APIClient{
		baseURL:    opts.BaseURL,
		tenantID:   opts.TenantID,
		userID:     opts.UserID,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// HealthCheck verifies the server is reachable
func (c *APIClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// CreateJob submits a JSON job
func (c *APIClient) CreateJob(ctx context.Context, req handlers.CreateJobRequest) (*handlers.CreateJobResponse, error) {
	var result handlers.CreateJobResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/batch-jobs", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ImportCSV submits a CSV import job from a raw file body
func (c *APIClient) ImportCSV(ctx context.Context, fileName string, csvBody []byte) (*handlers.CreateJobResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/batch-jobs", bytes.NewReader(csvBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/csv")
	if fileName != "" {
		req.Header.Set(handlers.FilenameHeader, fileName)
	}
	c.setIdentity(req)

	var result handlers.CreateJobResponse
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetJob fetches one job with derived progress
func (c *APIClient) GetJob(ctx context.Context, id string) (*engine.JobStatusView, error) {
	var result engine.JobStatusView
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/batch-jobs/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListJobs fetches the tenant's jobs, newest first
func (c *APIClient) ListJobs(ctx context.Context, opts *models.ListOptions) ([]engine.JobStatusView, error) {
	endpoint := "/api/v1/batch-jobs"
	if opts != nil {
		params := url.Values{}
		if opts.Limit > 0 {
			params.Set("limit", fmt.Sprintf("%d", opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", fmt.Sprintf("%d", opts.Offset))
		}
		if opts.JobType != nil {
			params.Set("job_type", string(*opts.JobType))
		}
		if encoded := params.Encode(); encoded != "" {
			endpoint += "?" + encoded
		}
	}
	var result []engine.JobStatusView
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetJobErrors fetches a job's sampled error list
func (c *APIClient) GetJobErrors(ctx context.Context, id string) (*engine.JobErrorsView, error) {
	var result engine.JobErrorsView
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/batch-jobs/"+url.PathEscape(id)+"/errors", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ApproveJob approves a consent-gated job
func (c *APIClient) ApproveJob(ctx context.Context, id, consentID string) (*handlers.ApproveJobResponse, error) {
	body := handlers.ApproveJobRequest{ConsentID: consentID}
	var result handlers.ApproveJobResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/batch-jobs/"+url.PathEscape(id)+"/approve", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelJob cancels a job
func (c *APIClient) CancelJob(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/batch-jobs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *APIClient) doJSON(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setIdentity(req)
	return c.do(req, result)
}

func (c *APIClient) setIdentity(req *http.Request) {
	req.Header.Set(middleware.TenantHeader, c.tenantID)
	if c.userID != "" {
		req.Header.Set(handlers.UserHeader, c.userID)
	}
}

// do sends the request and unwraps the Response envelope
func (c *APIClient) do(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var envelope struct {
		Slug  handlers.Slug   `json:"slug"`
		Error string          `json:"error"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 || envelope.Error != "" {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, envelope.Error)
	}
	if result != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return fmt.Errorf("failed to parse response data: %w", err)
		}
	}
	return nil
}
