// Package api provides a bearer-authenticated HTTP client for the
// project-management API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opf/opcli/internal/auth"
	"github.com/opf/opcli/internal/config"
	"github.com/opf/opcli/internal/output"
	"github.com/opf/opcli/internal/version"
)

const (
	maxRetries = 5
	baseDelay  = 1 * time.Second
	maxJitter  = 100 * time.Millisecond
)

// Client is an HTTP client for the API.
type Client struct {
	httpClient *http.Client
	auth       *auth.Manager
	cfg        *config.Config
	verbose    bool
}

// Response wraps an API response.
type Response struct {
	Data       json.RawMessage
	StatusCode int
	Headers    http.Header
}

// UnmarshalData unmarshals the response data into the given value.
func (r *Response) UnmarshalData(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return output.ErrDecode(err)
	}
	return nil
}

// NewClient creates a new API client.
func NewClient(cfg *config.Config, authMgr *auth.Manager) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		auth: authMgr,
		cfg:  cfg,
	}
}

// SetVerbose enables verbose output for debugging.
func (c *Client) SetVerbose(v bool) {
	c.verbose = v
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.doRequest(ctx, "GET", path, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.doRequest(ctx, "POST", path, body)
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.doRequest(ctx, "PATCH", path, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.doRequest(ctx, "DELETE", path, nil)
}

// GetAll fetches every page of a paginated collection, following the
// Link header's rel="next" URL until the last page.
func (c *Client) GetAll(ctx context.Context, path string) ([]json.RawMessage, error) {
	var allElements []json.RawMessage
	url := c.buildURL(path)
	maxPages := 10000
	page := 0

	for page = 1; page <= maxPages; page++ {
		resp, err := c.doRequestURL(ctx, "GET", url, nil)
		if err != nil {
			return nil, err
		}

		var col Collection[json.RawMessage]
		if err := resp.UnmarshalData(&col); err != nil {
			return nil, err
		}
		allElements = append(allElements, col.Embedded.Elements...)

		nextURL := parseNextLink(resp.Headers.Get("Link"))
		if nextURL == "" {
			break
		}
		url = nextURL
	}

	if page > maxPages {
		fmt.Fprintf(os.Stderr, "[opcli] Warning: pagination capped at %d pages; results may be incomplete\n", maxPages)
	}

	return allElements, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*Response, error) {
	return c.doRequestURL(ctx, method, c.buildURL(path), body)
}

func (c *Client) doRequestURL(ctx context.Context, method, url string, body any) (*Response, error) {
	var attempt int
	var lastErr error

	for attempt = 1; attempt <= maxRetries; attempt++ {
		resp, err := c.singleRequest(ctx, method, url, body, attempt)
		if err == nil {
			return resp, nil
		}

		// Check if error is retryable
		if apiErr, ok := err.(*output.Error); ok {
			if !apiErr.Retryable {
				return nil, err
			}
			lastErr = err

			delay := c.backoffDelay(attempt)
			if c.verbose {
				fmt.Printf("[opcli] Retry %d/%d in %v: %s\n", attempt, maxRetries, delay, err)
			}

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		return nil, err
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) singleRequest(ctx context.Context, method, url string, body any, attempt int) (*Response, error) {
	token, err := c.auth.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = strings.NewReader(string(bodyBytes))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.verbose {
		fmt.Printf("[opcli] %s %s (attempt %d)\n", method, url, attempt)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, output.ErrNetwork(err)
	}
	defer resp.Body.Close()

	if c.verbose {
		fmt.Printf("[opcli] HTTP %d\n", resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return &Response{
			Data:       respBody,
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
		}, nil

	case http.StatusTooManyRequests: // 429
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, output.ErrRateLimit(retryAfter)

	case http.StatusUnauthorized: // 401
		// Try token refresh on first 401, then retry the original call.
		if attempt == 1 {
			if err := c.auth.Refresh(ctx); err == nil {
				return nil, &output.Error{
					Code:      output.CodeAuth,
					Message:   "Token refreshed",
					Retryable: true,
				}
			}
		}
		return nil, output.ErrAuth("Authentication failed")

	case http.StatusForbidden: // 403
		return nil, output.ErrForbidden("Access denied")

	case http.StatusNotFound: // 404
		return nil, output.ErrNotFound("Resource", url)

	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, &output.Error{
			Code:       output.CodeAPI,
			Message:    fmt.Sprintf("Gateway error (%d)", resp.StatusCode),
			HTTPStatus: resp.StatusCode,
			Retryable:  true,
		}

	default:
		respBody, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, output.ErrAPI(resp.StatusCode, apiErr.Message)
		}
		return nil, output.ErrAPI(resp.StatusCode, fmt.Sprintf("Request failed (HTTP %d)", resp.StatusCode))
	}
}

func (c *Client) buildURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.cfg.APIBase() + path
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	// Exponential backoff: base * 2^(attempt-1)
	delay := baseDelay * time.Duration(1<<(attempt-1))

	// Add jitter (0-100ms)
	jitter := time.Duration(rand.Int63n(int64(maxJitter))) //nolint:gosec // G404: Jitter doesn't need crypto rand

	return delay + jitter
}

// parseNextLink extracts the next URL from a Link header.
// Example: <https://...?offset=2>; rel="next", <https://...?offset=5>; rel="last"
func parseNextLink(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}

	for _, part := range strings.Split(linkHeader, ",") {
		part = strings.TrimSpace(part)
		if strings.Contains(part, `rel="next"`) {
			start := strings.Index(part, "<")
			end := strings.Index(part, ">")
			if start >= 0 && end > start {
				return part[start+1 : end]
			}
		}
	}

	return ""
}

func parseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return seconds
	}
	return 0
}
