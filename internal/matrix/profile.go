package matrix

import (
	"context"
	"net/http"
	"net/url"

	"github.com/retroim/buddyd/internal/model"
)

// Profile is a user's public profile.
type Profile struct {
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}

// GetProfile fetches the display name and avatar of a user.
func (c *Client) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID)
	var result Profile
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &result); err != nil {
		return nil, toDomainError("profile", err)
	}
	return &result, nil
}

// PresenceStatus is the decoded result of a presence query.
type PresenceStatus struct {
	Presence      model.Presence
	LastActiveAgo int64
	// Supported is false when the server returned only stub data
	// (offline, no activity timestamps), which homeservers with presence
	// disabled do instead of erroring. Callers must treat that as "no
	// information", never as a downgrade to offline.
	Supported bool
}

// GetPresence queries a user's presence with stale-data detection.
func (c *Client) GetPresence(ctx context.Context, userID string) (*PresenceStatus, error) {
	path := "/_matrix/client/v3/presence/" + url.PathEscape(userID) + "/status"
	var result PresenceContent
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &result); err != nil {
		return nil, toDomainError("presence", err)
	}

	status := &PresenceStatus{Supported: true}
	if result.LastActiveAgo != nil {
		status.LastActiveAgo = *result.LastActiveAgo / 1000
	}
	if result.CurrentlyActive == nil && result.LastActiveAgo == nil && result.Presence == "offline" {
		status.Supported = false
		status.Presence = model.PresenceUnknown
		return status, nil
	}
	status.Presence = MapWirePresence(result.Presence)
	return status, nil
}

// MapWirePresence converts a Matrix presence state to the domain enum.
func MapWirePresence(wire string) model.Presence {
	switch wire {
	case "online":
		return model.PresenceOnline
	case "unavailable":
		return model.PresenceAway
	case "offline":
		return model.PresenceOffline
	default:
		return model.PresenceUnknown
	}
}

// MapLocalPresence converts an ICQ status to the Matrix presence state and
// a status message for the statuses Matrix cannot express directly.
func MapLocalPresence(p model.Presence) (wire, statusMsg string) {
	switch p {
	case model.PresenceOnline:
		return "online", ""
	case model.PresenceFreeForChat:
		return "online", "Free for Chat"
	case model.PresenceAway:
		return "unavailable", ""
	case model.PresenceNA:
		return "unavailable", "Not Available"
	case model.PresenceOccupied:
		return "unavailable", "Occupied"
	case model.PresenceDND:
		return "unavailable", "Do Not Disturb"
	case model.PresenceInvisible, model.PresenceOffline:
		return "offline", ""
	default:
		return "online", ""
	}
}

// SetPresence publishes the account's own presence.
func (c *Client) SetPresence(ctx context.Context, presence model.Presence) error {
	wire, statusMsg := MapLocalPresence(presence)
	body := map[string]interface{}{"presence": wire}
	if statusMsg != "" {
		body["status_msg"] = statusMsg
	}
	path := "/_matrix/client/v3/presence/" + url.PathEscape(c.userID) + "/status"
	if err := c.do(ctx, http.MethodPut, path, nil, body, nil); err != nil {
		return toDomainError("set presence", err)
	}
	return nil
}

// DirectoryUser is one user-directory search hit.
type DirectoryUser struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// SearchUsers queries the homeserver's user directory.
func (c *Client) SearchUsers(ctx context.Context, query string, limit int) ([]DirectoryUser, error) {
	body := map[string]interface{}{"search_term": query}
	if limit > 0 {
		body["limit"] = limit
	}
	var result struct {
		Results []DirectoryUser `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/user_directory/search", nil, body, &result); err != nil {
		return nil, toDomainError("user search", err)
	}
	return result.Results, nil
}

// PublicRoom is one public-directory entry.
type PublicRoom struct {
	RoomID        string `json:"room_id"`
	Name          string `json:"name"`
	Topic         string `json:"topic"`
	CanonicalAlias string `json:"canonical_alias"`
	NumJoined     int    `json:"num_joined_members"`
	RoomType      string `json:"room_type"`
}

// SearchPublicRooms queries the public room directory, optionally on
// another server. Callers filter on RoomType for space discovery.
func (c *Client) SearchPublicRooms(ctx context.Context, query string, limit int, server string) ([]PublicRoom, error) {
	params := url.Values{}
	if server != "" {
		params.Set("server", server)
	}
	body := map[string]interface{}{}
	if query != "" {
		body["filter"] = map[string]string{"generic_search_term": query}
	}
	if limit > 0 {
		body["limit"] = limit
	}
	var result struct {
		Chunk []PublicRoom `json:"chunk"`
	}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/publicRooms", params, body, &result); err != nil {
		return nil, toDomainError("public rooms", err)
	}
	return result.Chunk, nil
}

// SendToDevice delivers an event directly to one device of one user.
// deviceID "*" broadcasts to all of the user's devices.
func (c *Client) SendToDevice(ctx context.Context, eventType, userID, deviceID string, content interface{}) error {
	path := "/_matrix/client/v3/sendToDevice/" + url.PathEscape(eventType) + "/" + url.PathEscape(generateTxnID())
	body := map[string]interface{}{
		"messages": map[string]interface{}{
			userID: map[string]interface{}{deviceID: content},
		},
	}
	if err := c.do(ctx, http.MethodPut, path, nil, body, nil); err != nil {
		return toDomainError("to-device send", err)
	}
	return nil
}
