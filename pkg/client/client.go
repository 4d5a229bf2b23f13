// Package client talks to a termsup daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const DefaultBaseURL = "http://localhost:8080/api"

// Client provides HTTP client functionality to communicate with the daemon
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each request on top of any server-side wait it asks for.
	Timeout    time.Duration
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{baseURL: config.BaseURL, timeout: config.Timeout, client: hc, logger: config.Logger}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Execute runs a command on the daemon.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	var res ExecuteResult
	wait := time.Duration(req.Timeout * float64(time.Second))
	if err := c.do(ctx, http.MethodPost, "/execute", nil, req, wait, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Status lists terminals, waiting up to wait for a running one to change.
func (c *Client) Status(ctx context.Context, wait time.Duration) (*StatusResult, error) {
	q := url.Values{}
	if wait > 0 {
		q.Set("timeout", strconv.FormatFloat(wait.Seconds(), 'f', -1, 64))
	}
	var res StatusResult
	if err := c.do(ctx, http.MethodGet, "/status", q, nil, wait, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Output fetches the output of pid. Unknown pids yield an error for which
// IsNotFound reports true.
func (c *Client) Output(ctx context.Context, pid, lines int) (*OutputResult, error) {
	q := url.Values{"pid": {strconv.Itoa(pid)}, "lines": {strconv.Itoa(lines)}}
	var res OutputResult
	if err := c.do(ctx, http.MethodGet, "/output", q, nil, 0, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Stop stops pids and clears their bookkeeping on the daemon.
func (c *Client) Stop(ctx context.Context, req StopRequest) ([]StopResult, error) {
	var res []StopResult
	if err := c.do(ctx, http.MethodPost, "/stop", nil, req, 0, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any, wait time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout+wait)
	defer cancel()

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil {
		apiErr.Message = errorResp.Error
	}
	c.logger.Debug("API request failed", "error", apiErr.Message, "status", resp.StatusCode)
	return apiErr
}
