// Package crm provides the client for the downstream CRM record API.
// Processors perform all per-item work through it.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/macrea/crmbatch/internal/logger"
)

// TenantAttribute is the record attribute that scopes every record to its
// owning tenant. The client injects it on create and on every search.
const TenantAttribute = "tenantId"

// EmailAttribute is the natural key used by import upserts
const EmailAttribute = "emailAddress"

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	retryDelay     = 2 * time.Second

	// searchMaxSize caps a single filter resolution against the CRM
	searchMaxSize = 10000
)

// APIError represents a CRM API error
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

// Error implements the error interface for APIError
func (e *APIError) Error() string {
	return fmt.Sprintf("CRM API error: %s - %s (status: %d)", e.Code, e.Message, e.Status)
}

// IsNotFound returns true if the error is a not found error
func (e *APIError) IsNotFound() bool {
	return e.Status == http.StatusNotFound
}

// IsRateLimited returns true if the error is a rate limit error
func (e *APIError) IsRateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// Lead is the subset of a CRM lead record the engine cares about
type Lead struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"-"`
}

// API is the downstream surface the processors depend on. It is an
// interface so engine tests can substitute a fake CRM.
type API interface {
	// UpsertLead creates or updates a lead keyed by email address
	UpsertLead(ctx context.Context, tenantID string, fields map[string]string) (*Lead, error)
	// UpdateLead applies a field/value map to one lead by id
	UpdateLead(ctx context.Context, id string, fields map[string]string) (*Lead, error)
	// DeleteLead removes one lead by id
	DeleteLead(ctx context.Context, id string) error
	// FindLeadIDs resolves a filter map into the matching lead ids,
	// always scoped to the tenant
	FindLeadIDs(ctx context.Context, tenantID string, filters map[string]string) ([]string, error)
}

// Config holds the CRM connection settings
type Config struct {
	BaseURL string
	APIKey  string
}

// Validate validates the CRM configuration
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("CRM base URL is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("CRM API key is required")
	}
	return nil
}

// Client is the HTTP implementation of API
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

var _ API = &Client{}

// NewClient creates a new CRM API client
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
	}, nil
}

// UpsertLead looks the lead up by email first, then patches or creates it
func (c *Client) UpsertLead(ctx context.Context, tenantID string, fields map[string]string) (*Lead, error) {
	email := fields[EmailAttribute]
	if email == "" {
		return nil, fmt.Errorf("upsert requires %s", EmailAttribute)
	}

	existing, err := c.findLeadByEmail(ctx, tenantID, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return c.UpdateLead(ctx, existing.ID, fields)
	}

	payload := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload[TenantAttribute] = tenantID

	var lead Lead
	resp, err := c.doRequest(ctx, http.MethodPost, "/Lead", payload)
	if err != nil {
		return nil, err
	}
	if err := c.parseResponse(resp, &lead); err != nil {
		return nil, err
	}
	return &lead, nil
}

// UpdateLead applies the given fields to one lead by id
func (c *Client) UpdateLead(ctx context.Context, id string, fields map[string]string) (*Lead, error) {
	var lead Lead
	resp, err := c.doRequest(ctx, http.MethodPatch, "/Lead/"+url.PathEscape(id), fields)
	if err != nil {
		return nil, err
	}
	if err := c.parseResponse(resp, &lead); err != nil {
		return nil, err
	}
	return &lead, nil
}

// DeleteLead removes one lead by id
func (c *Client) DeleteLead(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/Lead/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return c.parseResponse(resp, nil)
}

// searchResponse is the wire shape of the CRM list endpoint
type searchResponse struct {
	Total int    `json:"total"`
	List  []Lead `json:"list"`
}

// FindLeadIDs resolves filters into lead ids, always including the tenant
// filter. The result is capped at searchMaxSize.
func (c *Client) FindLeadIDs(ctx context.Context, tenantID string, filters map[string]string) ([]string, error) {
	where := []map[string]string{
		{"type": "equals", "attribute": TenantAttribute, "value": tenantID},
	}
	for field, value := range filters {
		where = append(where, map[string]string{
			"type":      "equals",
			"attribute": field,
			"value":     value,
		})
	}
	whereJSON, err := json.Marshal(where)
	if err != nil {
		return nil, fmt.Errorf("failed to encode filters: %w", err)
	}

	params := url.Values{}
	params.Set("select", "id")
	params.Set("maxSize", fmt.Sprintf("%d", searchMaxSize))
	params.Set("where", string(whereJSON))

	resp, err := c.doRequest(ctx, http.MethodGet, "/Lead?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var result searchResponse
	if err := c.parseResponse(resp, &result); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(result.List))
	for _, lead := range result.List {
		ids = append(ids, lead.ID)
	}
	return ids, nil
}

func (c *Client) findLeadByEmail(ctx context.Context, tenantID, email string) (*Lead, error) {
	where := []map[string]string{
		{"type": "equals", "attribute": TenantAttribute, "value": tenantID},
		{"type": "equals", "attribute": EmailAttribute, "value": email},
	}
	whereJSON, err := json.Marshal(where)
	if err != nil {
		return nil, fmt.Errorf("failed to encode filters: %w", err)
	}

	params := url.Values{}
	params.Set("maxSize", "1")
	params.Set("where", string(whereJSON))

	resp, err := c.doRequest(ctx, http.MethodGet, "/Lead?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var result searchResponse
	if err := c.parseResponse(resp, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, nil
	}
	return &result.List[0], nil
}

// doRequest performs an HTTP request with retries on transient failures
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyData []byte
	var err error

	if body != nil {
		bodyData, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	fullURL := c.baseURL + path
	var resp *http.Response

	for attempt := 1; attempt <= maxRetries; attempt++ {
		var req *http.Request
		if body != nil {
			req, err = http.NewRequestWithContext(ctx, method, fullURL, bytes.NewBuffer(bodyData))
		} else {
			req, err = http.NewRequestWithContext(ctx, method, fullURL, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("X-Api-Key", c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err = c.httpClient.Do(req)
		if err != nil {
			logger.Warnf("CRM request failed: attempt=%d, error=%v", attempt, err)
			if attempt == maxRetries {
				return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
			}
			time.Sleep(retryDelay)
			continue
		}

		if !shouldRetry(resp.StatusCode) || attempt == maxRetries {
			break
		}

		logger.Warnf("Retrying CRM request: attempt=%d, status_code=%d", attempt, resp.StatusCode)
		_ = resp.Body.Close()
		time.Sleep(retryDelay)
	}

	return resp, nil
}

// parseResponse decodes the response body and converts error statuses into
// *APIError values
func (c *Client) parseResponse(resp *http.Response, v interface{}) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiError := APIError{Status: resp.StatusCode}
		if len(body) > 0 {
			// Body may not be JSON; keep the status either way
			_ = json.Unmarshal(body, &apiError)
		}
		if apiError.Message == "" {
			apiError.Message = http.StatusText(resp.StatusCode)
		}
		return &apiError
	}

	if v != nil {
		if err := json.Unmarshal(body, v); err != nil {
			return fmt.Errorf("failed to parse response body: %w", err)
		}
	}

	return nil
}

// shouldRetry determines if a request should be retried based on the status code
func shouldRetry(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsNotFound reports whether err is a CRM not-found error. Processors map it
// to a skip outcome for id-addressed jobs.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsNotFound()
}
