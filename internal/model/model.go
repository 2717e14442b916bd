// Package model defines the domain types shared by the state store, the
// command surface and the gateway, plus the error taxonomy for remote
// operations.
package model

// Presence is the buddy-list status shown next to a user. The full ICQ
// range is representable; only online, away, offline and unknown can
// originate from the homeserver, the rest are local statuses that map down
// to Matrix presence states when set.
type Presence string

const (
	PresenceOnline      Presence = "online"
	PresenceAway        Presence = "away"
	PresenceNA          Presence = "na"
	PresenceOccupied    Presence = "occupied"
	PresenceDND         Presence = "dnd"
	PresenceFreeForChat Presence = "free_for_chat"
	PresenceInvisible   Presence = "invisible"
	PresenceOffline     Presence = "offline"
	PresenceUnknown     Presence = "unknown"
)

// MessageType classifies a timeline message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageAudio MessageType = "audio"
	MessageVideo MessageType = "video"
)

// Buddy is a remote user known to the account.
type Buddy struct {
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	AvatarURL   string   `json:"avatar_url,omitempty"`
	Presence    Presence `json:"presence"`
}

// Room is a joined room as shown in the room list.
type Room struct {
	RoomID      string   `json:"room_id"`
	Name        string   `json:"name"`
	IsDirect    bool     `json:"is_direct"`
	Topic       string   `json:"topic,omitempty"`
	MemberCount int      `json:"member_count"`
	LastMessage string   `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
	Tags        []string `json:"tags,omitempty"`
	SpaceIDs    []string `json:"space_ids,omitempty"`
}

// Space is a room-like container grouping child rooms, one level deep.
type Space struct {
	SpaceID  string   `json:"space_id"`
	Name     string   `json:"name"`
	Children []string `json:"children"`
}

// Message is one visible timeline entry.
type Message struct {
	RoomID          string      `json:"room_id"`
	EventID         string      `json:"event_id"`
	Sender          string      `json:"sender"`
	SenderName      string      `json:"sender_name"`
	Body            string      `json:"body"`
	Timestamp       int64       `json:"timestamp"`
	MsgType         MessageType `json:"msg_type"`
	MediaURL        string      `json:"media_url,omitempty"`
	Filename        string      `json:"filename,omitempty"`
	InReplyTo       string      `json:"in_reply_to,omitempty"`
	ReplySenderName string      `json:"reply_sender_name,omitempty"`
	ReplyBody       string      `json:"reply_body,omitempty"`
}

// MessagesPage is one page of back-filled history.
type MessagesPage struct {
	Messages []Message `json:"messages"`
	EndToken string    `json:"end_token,omitempty"`
}

// Invite is a pending room invitation.
type Invite struct {
	RoomID      string `json:"room_id"`
	RoomName    string `json:"room_name,omitempty"`
	Inviter     string `json:"inviter,omitempty"`
	InviterName string `json:"inviter_name,omitempty"`
}

// SharedRoom names a room both the account and a profiled user belong to.
type SharedRoom struct {
	RoomID string `json:"room_id"`
	Name   string `json:"name"`
}

// UserProfile is the info-panel view of a user.
type UserProfile struct {
	UserID      string       `json:"user_id"`
	DisplayName string       `json:"display_name"`
	AvatarURL   string       `json:"avatar_url,omitempty"`
	Presence    Presence     `json:"presence"`
	LastSeenAgo int64        `json:"last_seen_ago,omitempty"`
	SharedRooms []SharedRoom `json:"shared_rooms"`
}

// RoomProfile is the info-panel view of a room.
type RoomProfile struct {
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	Topic       string `json:"topic,omitempty"`
	IsDirect    bool   `json:"is_direct"`
	MemberCount int    `json:"member_count"`
}

// VerificationEmoji is one symbol of a SAS comparison set.
type VerificationEmoji struct {
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
}

// ConnState is the lifecycle state of the homeserver connection.
type ConnState string

const (
	ConnAbsent       ConnState = "absent"
	ConnConnecting   ConnState = "connecting"
	ConnLive         ConnState = "live"
	ConnDisconnected ConnState = "disconnected"
)
