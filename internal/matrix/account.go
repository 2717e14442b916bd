package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/retroim/buddyd/internal/model"
)

// GetAccountData fetches one global account data event, e.g. m.direct.
// Missing account data returns ErrNotFound.
func (c *Client) GetAccountData(ctx context.Context, eventType string, out interface{}) error {
	path := "/_matrix/client/v3/user/" + url.PathEscape(c.userID) +
		"/account_data/" + url.PathEscape(eventType)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, out); err != nil {
		return toDomainError("account data", err)
	}
	return nil
}

// SetAccountData replaces one global account data event.
func (c *Client) SetAccountData(ctx context.Context, eventType string, content interface{}) error {
	path := "/_matrix/client/v3/user/" + url.PathEscape(c.userID) +
		"/account_data/" + url.PathEscape(eventType)
	if err := c.do(ctx, http.MethodPut, path, nil, content, nil); err != nil {
		return toDomainError("set account data", err)
	}
	return nil
}

// AddDirectRoom merges roomID into the m.direct map for userID.
func (c *Client) AddDirectRoom(ctx context.Context, userID, roomID string) error {
	directs := map[string][]string{}
	if err := c.GetAccountData(ctx, "m.direct", &directs); err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	for _, existing := range directs[userID] {
		if existing == roomID {
			return nil
		}
	}
	directs[userID] = append(directs[userID], roomID)
	return c.SetAccountData(ctx, "m.direct", directs)
}

// DirectsFromContent decodes an m.direct content blob.
func DirectsFromContent(content json.RawMessage) map[string][]string {
	directs := map[string][]string{}
	_ = json.Unmarshal(content, &directs)
	return directs
}
