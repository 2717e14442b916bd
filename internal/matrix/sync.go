package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Event is one raw event from a sync response. Content stays undecoded
// until the consumer knows the event type.
type Event struct {
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	EventID        string          `json:"event_id"`
	StateKey       *string         `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
	Redacts        string          `json:"redacts,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

// RelatesTo is the m.relates_to block of a message-like event.
type RelatesTo struct {
	RelType   string `json:"rel_type,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	Key       string `json:"key,omitempty"`
	InReplyTo *struct {
		EventID string `json:"event_id"`
	} `json:"m.in_reply_to,omitempty"`
}

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType    string       `json:"msgtype"`
	Body       string       `json:"body"`
	URL        string       `json:"url,omitempty"`
	Filename   string       `json:"filename,omitempty"`
	RelatesTo  *RelatesTo   `json:"m.relates_to,omitempty"`
	NewContent *EditContent `json:"m.new_content,omitempty"`
	Info       *MediaInfo   `json:"info,omitempty"`
}

// EditContent is the replacement body carried by an edit event.
type EditContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
	URL     string `json:"url,omitempty"`
}

// MediaInfo is the subset of media metadata buddyd surfaces.
type MediaInfo struct {
	MimeType string `json:"mimetype,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ReactionContent is the content of an m.reaction event.
type ReactionContent struct {
	RelatesTo RelatesTo `json:"m.relates_to"`
}

// MemberContent is the content of an m.room.member event.
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// TypingContent is the content of an m.typing ephemeral event.
type TypingContent struct {
	UserIDs []string `json:"user_ids"`
}

// PresenceContent is the content of an m.presence event.
type PresenceContent struct {
	Presence        string `json:"presence"`
	LastActiveAgo   *int64 `json:"last_active_ago,omitempty"`
	CurrentlyActive *bool  `json:"currently_active,omitempty"`
	StatusMsg       string `json:"status_msg,omitempty"`
}

// EventList wraps the {"events": [...]} shape used across the sync body.
type EventList struct {
	Events []Event `json:"events"`
}

// Timeline is a joined room's timeline chunk.
type Timeline struct {
	Events    []Event `json:"events"`
	Limited   bool    `json:"limited,omitempty"`
	PrevBatch string  `json:"prev_batch,omitempty"`
}

// JoinedRoom is the sync payload for a room the account is in.
type JoinedRoom struct {
	State               EventList `json:"state"`
	Timeline            Timeline  `json:"timeline"`
	Ephemeral           EventList `json:"ephemeral"`
	AccountData         EventList `json:"account_data"`
	UnreadNotifications struct {
		NotificationCount int `json:"notification_count"`
		HighlightCount    int `json:"highlight_count"`
	} `json:"unread_notifications"`
}

// InvitedRoom carries the stripped state of a pending invite.
type InvitedRoom struct {
	InviteState EventList `json:"invite_state"`
}

// LeftRoom marks a room the account left or was removed from.
type LeftRoom struct {
	Timeline Timeline `json:"timeline"`
}

// SyncResponse is one increment of the event stream.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join   map[string]JoinedRoom  `json:"join"`
		Invite map[string]InvitedRoom `json:"invite"`
		Leave  map[string]LeftRoom    `json:"leave"`
	} `json:"rooms"`
	Presence    EventList `json:"presence"`
	AccountData EventList `json:"account_data"`
	ToDevice    EventList `json:"to_device"`
}

// longPollClient has no global timeout; sync calls bound themselves via
// the request context instead.
var longPollClient = &http.Client{}

// Sync requests the next increment after the cursor. timeout is the
// server-side long-poll window; the HTTP request itself is bounded at
// timeout plus a grace period.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	params := url.Values{}
	if since != "" {
		params.Set("since", since)
	}
	if timeout > 0 {
		params.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	endpoint := c.baseURL + "/_matrix/client/v3/sync?" + params.Encode()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := longPollClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, toDomainError("sync", parseAPIError(resp.StatusCode, body))
	}

	var result SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse sync response: %w", err)
	}
	return &result, nil
}
