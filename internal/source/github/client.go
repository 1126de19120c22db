package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/gh-notifier/internal/httpcache"
	"github.com/nhle/gh-notifier/internal/source"
)

// Client is a thin HTTP client for the GitHub-style notifications API.
// It handles Bearer token authentication, JSON marshaling, conditional
// requests through the validator cache, and automatic retry with
// exponential backoff on HTTP 429.
type Client struct {
	baseURL    string
	token      string
	cache      *httpcache.Cache
	httpClient *http.Client
	maxRetries int
}

// NewClient creates a new API client. The baseURL should be the root
// URL of the API (e.g. https://api.github.com). The cache may be nil,
// in which case every request is unconditional.
func NewClient(baseURL, token string, cache *httpcache.Cache) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		cache:   cache,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 3,
	}
}

// GetConditional performs a GET with stored validators attached as
// conditional headers. A 304 response returns httpcache.ErrNotModified;
// a 200 response overwrites the stored validators.
func (c *Client) GetConditional(
	ctx context.Context,
	path string,
	result interface{},
) error {
	return c.do(ctx, http.MethodGet, path, nil, result, true)
}

// Get performs an unconditional HTTP GET request.
func (c *Client) Get(
	ctx context.Context,
	path string,
	result interface{},
) error {
	return c.do(ctx, http.MethodGet, path, nil, result, false)
}

// Put performs an HTTP PUT request with a JSON body.
func (c *Client) Put(
	ctx context.Context,
	path string,
	body interface{},
	result interface{},
) error {
	return c.do(ctx, http.MethodPut, path, body, result, false)
}

// Patch performs an HTTP PATCH request.
func (c *Client) Patch(
	ctx context.Context,
	path string,
	body interface{},
	result interface{},
) error {
	return c.do(ctx, http.MethodPatch, path, body, result, false)
}

// Delete performs an HTTP DELETE request.
func (c *Client) Delete(
	ctx context.Context,
	path string,
	result interface{},
) error {
	return c.do(ctx, http.MethodDelete, path, nil, result, false)
}

// do is the core HTTP method that builds the request, handles auth,
// conditional headers, rate limiting with exponential backoff, and
// JSON (de)serialization.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	body interface{},
	result interface{},
	conditional bool,
) error {
	url := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		// Rebuild the body reader on retries since it was consumed.
		if attempt > 0 && body != nil {
			data, _ := json.Marshal(body)
			bodyReader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/vnd.github+json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		if conditional && c.cache != nil {
			if v := c.cache.Lookup(ctx, url); v != nil {
				if v.ETag != "" {
					req.Header.Set("If-None-Match", v.ETag)
				}
				if v.LastModified != "" {
					req.Header.Set("If-Modified-Since", v.LastModified)
				}
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("executing request %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("reading response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusNotModified {
			return fmt.Errorf("GET %s: %w", path, httpcache.ErrNotModified)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			waitDuration := retryAfterDuration(resp, attempt)
			lastErr = fmt.Errorf("rate limited (429) on %s %s", method, path)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitDuration):
				continue
			}
		}

		if resp.StatusCode == http.StatusUnauthorized {
			return &source.AuthError{
				Message: fmt.Sprintf(
					"authentication failed (401): check your access token for %s",
					c.baseURL,
				),
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var apiErr apiError
			if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
				return fmt.Errorf(
					"API error (%d) on %s %s: %s",
					resp.StatusCode, method, path, apiErr.Message,
				)
			}
			return fmt.Errorf(
				"unexpected status %d on %s %s: %s",
				resp.StatusCode, method, path, string(respBody),
			)
		}

		if conditional && c.cache != nil {
			c.cache.Save(ctx, url,
				resp.Header.Get("ETag"),
				resp.Header.Get("Last-Modified"),
			)
		}

		// No content to parse (e.g. 205 from thread mark-read).
		if result == nil || len(respBody) == 0 ||
			resp.StatusCode == http.StatusNoContent ||
			resp.StatusCode == http.StatusResetContent {
			return nil
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf(
				"unmarshaling response from %s %s: %w", method, path, err,
			)
		}

		return nil
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

// ListNotifications fetches one page of notification threads. The first
// page is issued as a conditional request so an unchanged inbox costs no
// quota; later pages are fetched unconditionally.
func (c *Client) ListNotifications(
	ctx context.Context,
	page, perPage int,
) ([]Thread, error) {
	path := fmt.Sprintf("/notifications?all=false&page=%d&per_page=%d", page, perPage)

	var threads []Thread
	var err error
	if page == 1 {
		err = c.GetConditional(ctx, path, &threads)
	} else {
		err = c.Get(ctx, path, &threads)
	}
	if err != nil {
		if errors.Is(err, httpcache.ErrNotModified) {
			return nil, err
		}
		return nil, fmt.Errorf("listing notifications page %d: %w", page, err)
	}

	return threads, nil
}

// MarkThreadRead marks a single thread as read on the provider side.
func (c *Client) MarkThreadRead(ctx context.Context, id string) error {
	path := fmt.Sprintf("/notifications/threads/%s", id)
	if err := c.Patch(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("marking thread %s read: %w", id, err)
	}
	return nil
}

// MarkAllNotificationsRead marks every thread updated before lastReadAt
// as read on the provider side.
func (c *Client) MarkAllNotificationsRead(ctx context.Context, lastReadAt time.Time) error {
	body := map[string]string{
		"last_read_at": lastReadAt.UTC().Format(time.RFC3339),
	}
	if err := c.Put(ctx, "/notifications", body, nil); err != nil {
		return fmt.Errorf("marking all notifications read: %w", err)
	}
	return nil
}

// UnsubscribeThread removes the subscription for a thread.
func (c *Client) UnsubscribeThread(ctx context.Context, id string) error {
	path := fmt.Sprintf("/notifications/threads/%s/subscription", id)
	if err := c.Delete(ctx, path, nil); err != nil {
		return fmt.Errorf("unsubscribing thread %s: %w", id, err)
	}
	return nil
}

// GetUser fetches the authenticated principal.
func (c *Client) GetUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.Get(ctx, "/user", &user); err != nil {
		return nil, fmt.Errorf("fetching authenticated user: %w", err)
	}
	return &user, nil
}

// retryAfterDuration computes how long to wait before retrying a rate
// limited request, honoring the Retry-After header when present.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// Exponential backoff: 1s, 2s, 4s, ...
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
