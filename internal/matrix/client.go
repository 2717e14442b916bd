// Package matrix implements the subset of the Matrix Client-Server API that
// buddyd needs: auth, sync, room writes, presence, profiles, directory
// search and media. Request and response shapes stay inside this package;
// callers deal in domain types and the error taxonomy from internal/model.
package matrix

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

	"github.com/google/uuid"

	"github.com/retroim/buddyd/internal/model"
	"github.com/retroim/buddyd/pkg/ratelimit"
)

const defaultTimeout = 15 * time.Second

// Client talks to one homeserver with one access token.
type Client struct {
	baseURL     string
	accessToken string
	userID      string
	httpClient  *http.Client
	limiter     *ratelimit.Limiter
}

// NewClient creates a client for the given base URL and access token.
// A zero timeout selects the default request timeout. Long-poll sync
// requests override the timeout per call.
func NewClient(baseURL, accessToken, userID string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:     cleanBaseURL(baseURL),
		accessToken: accessToken,
		userID:      userID,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     limiterFor(baseURL),
	}
}

// UserID returns the Matrix user ID for this client.
func (c *Client) UserID() string { return c.userID }

// AccessToken returns the access token for this client.
func (c *Client) AccessToken() string { return c.accessToken }

// HomeserverURL returns the normalized base URL.
func (c *Client) HomeserverURL() string { return c.baseURL }

// apiError is a non-2xx response from the homeserver.
type apiError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func parseAPIError(status int, body []byte) *apiError {
	var payload struct {
		ErrCode string `json:"errcode"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return &apiError{StatusCode: status, Code: payload.ErrCode, Message: msg}
}

// do performs one API call. The path must start with "/_matrix". A nil out
// discards the response body; a nil in sends no body. Rate-limit responses
// pause the shared limiter and are retried within the call.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s body: %w", path, err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("failed to create %s request: %w", path, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.accessToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s failed: %w", method, path, err)
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("failed to read %s response: %w", path, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to parse %s response: %w", path, err)
			}
			return nil
		}

		apiErr := parseAPIError(resp.StatusCode, respBody)
		if resp.StatusCode == http.StatusTooManyRequests {
			if wait := capRetryAfter(parseRetryAfter(respBody)); wait > 0 {
				c.limiter.Pause(wait)
				lastErr = apiErr
				continue
			}
		}
		return apiErr
	}
	return lastErr
}

// toDomainError translates an API error into the model taxonomy.
func toDomainError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		if apiErr.Code == "M_NOT_FOUND" || apiErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", op, model.ErrNotFound)
		}
		return &model.ConnError{Code: apiErr.Code, Message: apiErr.Message, Err: apiErr}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func cleanBaseURL(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if idx := strings.Index(trimmed, "/_matrix"); idx != -1 {
		return trimmed[:idx]
	}
	return trimmed
}

// Localpart extracts "alice" from "@alice:example.org". Inputs without the
// user-ID sigil pass through unchanged.
func Localpart(userID string) string {
	if strings.HasPrefix(userID, "@") {
		trimmed := strings.TrimPrefix(userID, "@")
		if idx := strings.Index(trimmed, ":"); idx != -1 {
			return trimmed[:idx]
		}
		return trimmed
	}
	return userID
}

func generateTxnID() string {
	return "buddyd-" + uuid.NewString()
}

func extractDomain(id string) string {
	if idx := strings.Index(id, ":"); idx != -1 && idx+1 < len(id) {
		return id[idx+1:]
	}
	return ""
}
