package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"deployplane/pkg/api"
)

// DeployClient handles API calls to the deployplane broker.
type DeployClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewDeployClient creates a new client with the given base URL and token.
func NewDeployClient(baseURL, token string) *DeployClient {
	return &DeployClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Deploy sends POST /deployments.
func (c *DeployClient) Deploy(req api.DeployRequest) (*api.DeployResponse, error) {
	var result api.DeployResponse
	if err := c.do(http.MethodPost, "/deployments", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListDeployments sends GET /deployments for one app.
func (c *DeployClient) ListDeployments(appID, state string, limit int) ([]api.DeploymentResponse, error) {
	q := url.Values{}
	q.Set("app_id", appID)
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var result api.ListDeploymentsResponse
	if err := c.do(http.MethodGet, "/deployments?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return result.Deployments, nil
}

// SubmitJob sends POST /jobs.
func (c *DeployClient) SubmitJob(req api.SubmitJobRequest) (*api.SubmitJobResponse, error) {
	var result api.SubmitJobResponse
	if err := c.do(http.MethodPost, "/jobs", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListJobs sends GET /jobs, optionally filtered by status.
func (c *DeployClient) ListJobs(status string) ([]api.JobResponse, error) {
	path := "/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}

	var result api.ListJobsResponse
	if err := c.do(http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// GetJob sends GET /jobs/{id}.
func (c *DeployClient) GetJob(jobID string) (*api.JobResponse, error) {
	var result api.JobResponse
	if err := c.do(http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListWorkers sends GET /workers.
func (c *DeployClient) ListWorkers() ([]api.WorkerResponse, error) {
	var result api.ListWorkersResponse
	if err := c.do(http.MethodGet, "/workers", nil, &result); err != nil {
		return nil, err
	}
	return result.Workers, nil
}

func (c *DeployClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage extracts the error field of an api.ErrorResponse, falling back
// to the raw body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(body))
}
