package matrix

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/retroim/buddyd/pkg/log"
)

// maxDownloadBytes caps inline media fetches. Larger payloads belong in
// a proper file transfer, not a chat window preview.
const maxDownloadBytes = 32 << 20

// UploadMedia stores a blob on the homeserver and returns its mxc:// URI.
func (c *Client) UploadMedia(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	endpoint := c.baseURL + "/_matrix/media/v3/upload"
	if filename != "" {
		endpoint += "?filename=" + url.QueryEscape(filename)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", toDomainError("upload", parseAPIError(resp.StatusCode, respBody))
	}

	var result struct {
		ContentURI string `json:"content_uri"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if result.ContentURI == "" {
		return "", fmt.Errorf("upload response missing content_uri")
	}
	return result.ContentURI, nil
}

// DownloadMedia fetches an mxc:// URI as raw bytes plus the served
// content type. The authenticated v1 endpoint is tried first; servers
// predating it fall back to the legacy unauthenticated path.
func (c *Client) DownloadMedia(ctx context.Context, mxcURI string) ([]byte, string, error) {
	server, mediaID, err := splitMXC(mxcURI)
	if err != nil {
		return nil, "", err
	}

	paths := []string{
		fmt.Sprintf("/_matrix/client/v1/media/download/%s/%s", url.PathEscape(server), url.PathEscape(mediaID)),
		fmt.Sprintf("/_matrix/media/v3/download/%s/%s", url.PathEscape(server), url.PathEscape(mediaID)),
	}

	var lastErr error
	for i, path := range paths {
		data, contentType, err := c.fetchMedia(ctx, path)
		if err == nil {
			return data, contentType, nil
		}
		lastErr = err
		if i == 0 {
			log.WithError(err).Debug("authenticated media endpoint unavailable, trying legacy path")
		}
	}
	return nil, "", toDomainError("download media", lastErr)
}

func (c *Client) fetchMedia(ctx context.Context, path string) ([]byte, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", parseAPIError(resp.StatusCode, body)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// DownloadAsDataURL fetches media and wraps it in a data: URL, ready to
// hand to a window without further server round-trips. The content type
// is sniffed from the payload when the server's header is generic.
func (c *Client) DownloadAsDataURL(ctx context.Context, mxcURI string) (string, error) {
	data, contentType, err := c.DownloadMedia(ctx, mxcURI)
	if err != nil {
		return "", err
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// splitMXC decomposes "mxc://server/mediaID".
func splitMXC(mxcURI string) (server, mediaID string, err error) {
	trimmed := strings.TrimPrefix(mxcURI, "mxc://")
	if trimmed == mxcURI {
		return "", "", fmt.Errorf("not an mxc URI: %q", mxcURI)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed mxc URI: %q", mxcURI)
	}
	return parts[0], parts[1], nil
}
