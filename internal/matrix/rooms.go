package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// SendMessage sends a plain text message, optionally as a reply, and
// returns the new event ID.
func (c *Client) SendMessage(ctx context.Context, roomID, body, replyToEventID string) (string, error) {
	content := MessageContent{MsgType: "m.text", Body: body}
	if replyToEventID != "" {
		content.RelatesTo = &RelatesTo{
			InReplyTo: &struct {
				EventID string `json:"event_id"`
			}{EventID: replyToEventID},
		}
	}
	return c.sendEvent(ctx, roomID, "m.room.message", content)
}

// SendEdit replaces the body of a previously sent message. The fallback
// body carries the "* " prefix for clients that do not render edits.
func (c *Client) SendEdit(ctx context.Context, roomID, targetEventID, newBody string) (string, error) {
	content := MessageContent{
		MsgType:    "m.text",
		Body:       "* " + newBody,
		NewContent: &EditContent{MsgType: "m.text", Body: newBody},
		RelatesTo:  &RelatesTo{RelType: "m.replace", EventID: targetEventID},
	}
	return c.sendEvent(ctx, roomID, "m.room.message", content)
}

// SendReaction annotates the target event with the given key.
func (c *Client) SendReaction(ctx context.Context, roomID, targetEventID, key string) (string, error) {
	content := ReactionContent{
		RelatesTo: RelatesTo{RelType: "m.annotation", EventID: targetEventID, Key: key},
	}
	return c.sendEvent(ctx, roomID, "m.reaction", content)
}

// SendFileMessage posts a message referencing already-uploaded media.
func (c *Client) SendFileMessage(ctx context.Context, roomID, msgType, filename, mxcURI, mimeType string) (string, error) {
	content := MessageContent{
		MsgType:  msgType,
		Body:     filename,
		URL:      mxcURI,
		Filename: filename,
		Info:     &MediaInfo{MimeType: mimeType},
	}
	return c.sendEvent(ctx, roomID, "m.room.message", content)
}

func (c *Client) sendEvent(ctx context.Context, roomID, eventType string, content interface{}) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID), url.PathEscape(eventType), url.PathEscape(generateTxnID()))

	var result struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPut, path, nil, content, &result); err != nil {
		return "", toDomainError("send "+eventType, err)
	}
	return result.EventID, nil
}

// Redact removes the target event from the visible timeline server-side.
func (c *Client) Redact(ctx context.Context, roomID, eventID, reason string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/redact/%s/%s",
		url.PathEscape(roomID), url.PathEscape(eventID), url.PathEscape(generateTxnID()))

	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	if err := c.do(ctx, http.MethodPut, path, nil, body, nil); err != nil {
		return toDomainError("redact", err)
	}
	return nil
}

// SendTyping publishes a typing notice with the given validity window.
func (c *Client) SendTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/typing/%s",
		url.PathEscape(roomID), url.PathEscape(c.userID))

	body := map[string]interface{}{"typing": typing}
	if typing {
		body["timeout"] = timeout.Milliseconds()
	}
	if err := c.do(ctx, http.MethodPut, path, nil, body, nil); err != nil {
		return toDomainError("typing", err)
	}
	return nil
}

// SendReadReceipt marks everything up to eventID as read.
func (c *Client) SendReadReceipt(ctx context.Context, roomID, eventID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/receipt/m.read/%s",
		url.PathEscape(roomID), url.PathEscape(eventID))
	if err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, nil); err != nil {
		return toDomainError("read receipt", err)
	}
	return nil
}

// JoinRoom joins by room ID or alias and returns the resolved room ID.
// Unknown aliases surface as ErrNotFound so callers can offer creation.
func (c *Client) JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomIDOrAlias)
	query := url.Values{}
	if domain := extractDomain(roomIDOrAlias); domain != "" {
		query.Set("server_name", domain)
	}

	var result struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodPost, path, query, struct{}{}, &result); err != nil {
		return "", toDomainError("join room", err)
	}
	if result.RoomID == "" {
		return "", fmt.Errorf("join response missing room_id")
	}
	return result.RoomID, nil
}

// CreateRoomRequest carries the room creation parameters buddyd uses.
type CreateRoomRequest struct {
	Name          string   `json:"name,omitempty"`
	RoomAliasName string   `json:"room_alias_name,omitempty"`
	Preset        string   `json:"preset,omitempty"`
	Invite        []string `json:"invite,omitempty"`
	IsDirect      bool     `json:"is_direct,omitempty"`
}

// CreateRoom creates a room and returns its ID.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (string, error) {
	var result struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", nil, req, &result); err != nil {
		return "", toDomainError("create room", err)
	}
	if result.RoomID == "" {
		return "", fmt.Errorf("createRoom response missing room_id")
	}
	return result.RoomID, nil
}

// LeaveRoom leaves (or rejects an invite to) the room.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID))
	if err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, nil); err != nil {
		return toDomainError("leave room", err)
	}
	return nil
}

// SetRoomTag attaches a free-form tag to the room for this account.
func (c *Client) SetRoomTag(ctx context.Context, roomID, tag string) error {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/rooms/%s/tags/%s",
		url.PathEscape(c.userID), url.PathEscape(roomID), url.PathEscape(tag))
	if err := c.do(ctx, http.MethodPut, path, nil, map[string]interface{}{}, nil); err != nil {
		return toDomainError("set tag", err)
	}
	return nil
}

// RemoveRoomTag detaches a tag from the room for this account.
func (c *Client) RemoveRoomTag(ctx context.Context, roomID, tag string) error {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/rooms/%s/tags/%s",
		url.PathEscape(c.userID), url.PathEscape(roomID), url.PathEscape(tag))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, nil); err != nil {
		return toDomainError("remove tag", err)
	}
	return nil
}

// RoomStateContent fetches one state event's content, e.g. m.room.name.
func (c *Client) RoomStateContent(ctx context.Context, roomID, eventType string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s",
		url.PathEscape(roomID), url.PathEscape(eventType))
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &raw); err != nil {
		return nil, toDomainError("room state", err)
	}
	return raw, nil
}

// JoinedMember is one entry of the joined-members map.
type JoinedMember struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// JoinedMembers returns the currently joined members of a room.
func (c *Client) JoinedMembers(ctx context.Context, roomID string) (map[string]JoinedMember, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/joined_members", url.PathEscape(roomID))
	var result struct {
		Joined map[string]JoinedMember `json:"joined"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &result); err != nil {
		return nil, toDomainError("joined members", err)
	}
	return result.Joined, nil
}

// MessagesChunk is one page of scrollback.
type MessagesChunk struct {
	Chunk []Event `json:"chunk"`
	Start string  `json:"start"`
	End   string  `json:"end"`
}

// Messages fetches history backwards from the given token (or the room's
// current end when from is empty).
func (c *Client) Messages(ctx context.Context, roomID, from string, limit int) (*MessagesChunk, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/messages", url.PathEscape(roomID))
	query := url.Values{}
	query.Set("dir", "b")
	if from != "" {
		query.Set("from", from)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var result MessagesChunk
	if err := c.do(ctx, http.MethodGet, path, query, nil, &result); err != nil {
		return nil, toDomainError("messages", err)
	}
	return &result, nil
}
