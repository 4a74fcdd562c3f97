package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"minifab/internal/job"
)

// HTTPConfig holds settings for the provider REST API.
type HTTPConfig struct {
	Endpoint     string // base URL of the provider API
	AppName      string // provider-side application name
	FunctionName string // pipeline entry function
	TokenID      string
	TokenSecret  string
	Timeout      time.Duration
}

// HTTPClient talks to the provider's REST API.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTP creates a provider client.
func NewHTTP(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type spawnBody struct {
	AppName      string `json:"app_name"`
	FunctionName string `json:"function_name"`
	Args         []any  `json:"args"`
}

type spawnResult struct {
	CallID string `json:"call_id"`
}

// Spawn invokes the pipeline function asynchronously. The provider responds
// with a call handle once the invocation is accepted.
func (c *HTTPClient) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	params := req.Params
	if params == nil {
		params = &job.PipelineParams{}
	}

	body := spawnBody{
		AppName:      c.cfg.AppName,
		FunctionName: c.cfg.FunctionName,
		Args:         []any{req.JobID, req.InputLocator, req.CallbackURL, params},
	}

	var result spawnResult
	if err := c.post(ctx, "/v1/functions/call", body, &result); err != nil {
		return "", err
	}
	if result.CallID == "" {
		result.CallID = "unknown"
	}
	return result.CallID, nil
}

type statusBody struct {
	AppName string `json:"app_name"`
	JobID   string `json:"job_id"`
}

type statusResult struct {
	Status string `json:"status"`
}

// Status asks the provider for its view of the job.
func (c *HTTPClient) Status(ctx context.Context, jobID string) (string, error) {
	var result statusResult
	err := c.post(ctx, "/v1/functions/status", statusBody{AppName: c.cfg.AppName, JobID: jobID}, &result)
	if err != nil {
		return "", err
	}
	return result.Status, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode provider request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.TokenID+":"+c.cfg.TokenSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode provider response: %w", err)
		}
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
