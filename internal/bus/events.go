package bus

import "github.com/retroim/buddyd/internal/model"

// Event kinds carried on the bus. Gateway clients receive them verbatim
// as the envelope type.
const (
	TypeMessageNew      = "message.new"
	TypeMessageEdited   = "message.edited"
	TypeMessageDeleted  = "message.deleted"
	TypeReactionUpdated = "reaction.updated"
	TypeTypingChanged   = "typing.changed"
	TypeRoomUpdated     = "room.updated"
	TypeRoomRemoved     = "room.removed"
	TypeInviteNew       = "invite.new"
	TypeInviteRemoved   = "invite.removed"
	TypeSyncStatus      = "sync.status"
	TypeUnreadChanged   = "unread.changed"
	TypePresenceChanged = "presence.changed"
	TypeVerifyRequest   = "verification.request"
	TypeVerifyEmojis    = "verification.emojis"
	TypeVerifyDone      = "verification.done"
	TypeVerifyCancelled = "verification.cancelled"
)

// Event is one envelope on the bus.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// MessagePayload carries a new or edited message.
type MessagePayload struct {
	RoomID  string        `json:"room_id"`
	Message model.Message `json:"message"`
}

// MessageDeletedPayload marks a redacted message.
type MessageDeletedPayload struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
}

// ReactionPayload carries the full aggregate for one target event after
// a reaction changed.
type ReactionPayload struct {
	RoomID    string              `json:"room_id"`
	EventID   string              `json:"event_id"`
	Reactions map[string][]string `json:"reactions"`
}

// TypingPayload replaces the typing list of a room.
type TypingPayload struct {
	RoomID  string   `json:"room_id"`
	UserIDs []string `json:"user_ids"`
}

// RoomPayload carries a room snapshot after metadata changed.
type RoomPayload struct {
	Room model.Room `json:"room"`
}

// RoomRemovedPayload marks a room the account left.
type RoomRemovedPayload struct {
	RoomID string `json:"room_id"`
}

// InvitePayload carries a pending invite.
type InvitePayload struct {
	Invite model.Invite `json:"invite"`
}

// InviteRemovedPayload marks an invite that was accepted or rejected.
type InviteRemovedPayload struct {
	RoomID string `json:"room_id"`
}

// SyncStatusPayload reports connection state transitions.
type SyncStatusPayload struct {
	State model.ConnState `json:"state"`
	Error string          `json:"error,omitempty"`
}

// UnreadPayload carries a room's unread counter after it changed.
type UnreadPayload struct {
	RoomID string `json:"room_id"`
	Count  int    `json:"count"`
}

// PresencePayload carries a buddy snapshot after presence changed.
type PresencePayload struct {
	Buddy model.Buddy `json:"buddy"`
}

// VerifyPayload carries SAS verification progress.
type VerifyPayload struct {
	TransactionID string                    `json:"transaction_id"`
	UserID        string                    `json:"user_id,omitempty"`
	Emojis        []model.VerificationEmoji `json:"emojis,omitempty"`
	Reason        string                    `json:"reason,omitempty"`
}
