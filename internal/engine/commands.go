package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/retroim/buddyd/internal/matrix"
	"github.com/retroim/buddyd/internal/model"
	"github.com/retroim/buddyd/pkg/log"
)

// The command surface. All commands validate against the state store,
// never hold its lock across network I/O, and rely on the sync loop
// for the authoritative state change. Remote-mutating commands retry
// once on transient network failure.

func (e *Engine) connected() (*matrix.Client, error) {
	client := e.currentClient()
	if client == nil {
		return nil, &model.ConnError{Message: "not connected"}
	}
	return client, nil
}

// withTimeout bounds a remote call with the configured request timeout.
func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.requestTimeout())
}

func (e *Engine) observe(command string, start time.Time, err error) {
	e.rec.RecordCommand(command, time.Since(start).Seconds(), err)
}

// SendMessage posts a text message, optionally as a reply, returning
// the new event ID.
func (e *Engine) SendMessage(ctx context.Context, roomID, body, replyToEventID string) (eventID string, err error) {
	defer e.observe("send_message", time.Now(), err)

	if strings.TrimSpace(body) == "" {
		return "", model.Validationf("body", "cannot be empty")
	}
	client, err := e.connected()
	if err != nil {
		return "", err
	}
	if !e.store.HasRoom(roomID) {
		return "", model.Validationf("room", "%s is not a joined room", roomID)
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	err = matrix.RetryOnce(ctx, "send message", func() error {
		var sendErr error
		eventID, sendErr = client.SendMessage(ctx, roomID, body, replyToEventID)
		return sendErr
	})
	return eventID, err
}

// EditMessage replaces the body of one of the account's own messages.
func (e *Engine) EditMessage(ctx context.Context, roomID, eventID, newBody string) (err error) {
	defer e.observe("edit_message", time.Now(), err)

	if strings.TrimSpace(newBody) == "" {
		return model.Validationf("body", "cannot be empty")
	}
	client, err := e.connected()
	if err != nil {
		return err
	}
	if err := e.requireOwnMessage(roomID, eventID, "edit"); err != nil {
		return err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return matrix.RetryOnce(ctx, "edit message", func() error {
		_, sendErr := client.SendEdit(ctx, roomID, eventID, newBody)
		return sendErr
	})
}

// DeleteMessage redacts one of the account's own messages.
func (e *Engine) DeleteMessage(ctx context.Context, roomID, eventID string) (err error) {
	defer e.observe("delete_message", time.Now(), err)

	client, err := e.connected()
	if err != nil {
		return err
	}
	if err := e.requireOwnMessage(roomID, eventID, "delete"); err != nil {
		return err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return matrix.RetryOnce(ctx, "delete message", func() error {
		return client.Redact(ctx, roomID, eventID, "")
	})
}

// requireOwnMessage checks that the target message exists locally and
// belongs to the logged-in user.
func (e *Engine) requireOwnMessage(roomID, eventID, action string) error {
	msg, ok := e.store.Message(roomID, eventID)
	if !ok {
		return model.ErrNotFound
	}
	if msg.Sender != e.store.Self() {
		return &model.PermissionError{Action: action, Reason: "only your own messages"}
	}
	return nil
}

// SendReaction annotates a message with an emoji key.
func (e *Engine) SendReaction(ctx context.Context, roomID, eventID, key string) (err error) {
	defer e.observe("send_reaction", time.Now(), err)

	if key == "" {
		return model.Validationf("key", "cannot be empty")
	}
	client, err := e.connected()
	if err != nil {
		return err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return matrix.RetryOnce(ctx, "send reaction", func() error {
		_, sendErr := client.SendReaction(ctx, roomID, eventID, key)
		return sendErr
	})
}

// JoinRoom joins by ID or alias. Unknown aliases surface ErrNotFound so
// callers can offer to create the room instead.
func (e *Engine) JoinRoom(ctx context.Context, roomIDOrAlias string) (roomID string, err error) {
	defer e.observe("join_room", time.Now(), err)

	client, err := e.connected()
	if err != nil {
		return "", err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	err = matrix.RetryOnce(ctx, "join room", func() error {
		var joinErr error
		roomID, joinErr = client.JoinRoom(ctx, roomIDOrAlias)
		return joinErr
	})
	return roomID, err
}

// CreateRoom creates a named public-ish chat room with an optional
// alias localpart.
func (e *Engine) CreateRoom(ctx context.Context, name, alias string) (roomID string, err error) {
	defer e.observe("create_room", time.Now(), err)

	if name == "" {
		return "", model.Validationf("name", "cannot be empty")
	}
	client, err := e.connected()
	if err != nil {
		return "", err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	err = matrix.RetryOnce(ctx, "create room", func() error {
		var createErr error
		roomID, createErr = client.CreateRoom(ctx, matrix.CreateRoomRequest{
			Name:          name,
			RoomAliasName: alias,
			Preset:        "private_chat",
		})
		return createErr
	})
	return roomID, err
}

// CreateDMRoom opens (or reuses) a direct room with userID and records
// it in m.direct account data.
func (e *Engine) CreateDMRoom(ctx context.Context, userID string) (roomID string, err error) {
	defer e.observe("create_dm", time.Now(), err)

	if !strings.HasPrefix(userID, "@") {
		return "", model.Validationf("user_id", "%q is not a Matrix user ID", userID)
	}
	if existing := e.store.DirectRoomsWith(userID); len(existing) > 0 {
		return existing[0], nil
	}
	client, err := e.connected()
	if err != nil {
		return "", err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	err = matrix.RetryOnce(ctx, "create dm", func() error {
		var createErr error
		roomID, createErr = client.CreateRoom(ctx, matrix.CreateRoomRequest{
			Preset:   "trusted_private_chat",
			Invite:   []string{userID},
			IsDirect: true,
		})
		return createErr
	})
	if err != nil {
		return "", err
	}
	if err := client.AddDirectRoom(ctx, userID, roomID); err != nil {
		log.WithError(err).Warn("failed to record dm in m.direct")
	}
	return roomID, nil
}

// LeaveRoom leaves a joined room.
func (e *Engine) LeaveRoom(ctx context.Context, roomID string) (err error) {
	defer e.observe("leave_room", time.Now(), err)

	client, err := e.connected()
	if err != nil {
		return err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err = matrix.RetryOnce(ctx, "leave room", func() error {
		return client.LeaveRoom(ctx, roomID)
	}); err != nil {
		return err
	}
	e.publish(e.store.RemoveRoom(roomID))
	return nil
}

// AcceptInvite joins the invited room and clears the pending invite.
func (e *Engine) AcceptInvite(ctx context.Context, roomID string) (err error) {
	defer e.observe("accept_invite", time.Now(), err)

	if _, err = e.JoinRoom(ctx, roomID); err != nil {
		return err
	}
	e.publish(e.store.RemoveInvite(roomID))
	return nil
}

// RejectInvite declines the invited room and clears the pending invite.
func (e *Engine) RejectInvite(ctx context.Context, roomID string) (err error) {
	defer e.observe("reject_invite", time.Now(), err)

	client, err := e.connected()
	if err != nil {
		return err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err = matrix.RetryOnce(ctx, "reject invite", func() error {
		return client.LeaveRoom(ctx, roomID)
	}); err != nil {
		return err
	}
	e.publish(e.store.RemoveInvite(roomID))
	return nil
}

// SearchUsers queries the homeserver's user directory.
func (e *Engine) SearchUsers(ctx context.Context, query string, limit int) (buddies []model.Buddy, err error) {
	defer e.observe("search_users", time.Now(), err)

	client, err := e.connected()
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	results, err := client.SearchUsers(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	buddies = make([]model.Buddy, 0, len(results))
	for _, hit := range results {
		buddies = append(buddies, model.Buddy{
			UserID:      hit.UserID,
			DisplayName: hit.DisplayName,
			AvatarURL:   hit.AvatarURL,
			Presence:    model.PresenceUnknown,
		})
	}
	return buddies, nil
}

// SearchSpaces queries the public room directory for spaces, optionally
// on another server.
func (e *Engine) SearchSpaces(ctx context.Context, query string, limit int, server string) (spaces []model.Space, err error) {
	defer e.observe("search_spaces", time.Now(), err)

	client, err := e.connected()
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	rooms, err := client.SearchPublicRooms(ctx, query, limit, server)
	if err != nil {
		return nil, err
	}
	for _, room := range rooms {
		if room.RoomType != "m.space" {
			continue
		}
		spaces = append(spaces, model.Space{SpaceID: room.RoomID, Name: room.Name})
	}
	return spaces, nil
}

// GetRoomMessages back-fills history before the given token, folding
// edits into their targets and dropping redacted entries.
func (e *Engine) GetRoomMessages(ctx context.Context, roomID, fromToken string, limit int) (page *model.MessagesPage, err error) {
	defer e.observe("get_room_messages", time.Now(), err)

	client, err := e.connected()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	chunk, err := client.Messages(ctx, roomID, fromToken, limit)
	if err != nil {
		return nil, err
	}
	return e.foldHistory(roomID, chunk), nil
}

// foldHistory turns a backwards chunk into a chronological page. The
// chunk arrives newest first, so edits and redactions are seen before
// the messages they affect.
func (e *Engine) foldHistory(roomID string, chunk *matrix.MessagesChunk) *model.MessagesPage {
	edits := map[string]string{}  // target -> newest replacement body
	redacted := map[string]bool{} // redacted event IDs

	var messages []model.Message
	for _, ev := range chunk.Chunk {
		switch ev.Type {
		case "m.room.redaction":
			if ev.Redacts != "" {
				redacted[ev.Redacts] = true
			}
		case "m.room.message":
			var content matrix.MessageContent
			if err := json.Unmarshal(ev.Content, &content); err != nil {
				continue
			}
			if content.RelatesTo != nil && content.RelatesTo.RelType == "m.replace" {
				target := content.RelatesTo.EventID
				if _, seen := edits[target]; !seen && !redacted[ev.EventID] {
					if content.NewContent != nil {
						edits[target] = content.NewContent.Body
					} else {
						edits[target] = strings.TrimPrefix(content.Body, "* ")
					}
				}
				continue
			}
			if redacted[ev.EventID] {
				continue
			}
			msg := e.messageFromEvent(roomID, ev, content)
			if body, edited := edits[ev.EventID]; edited {
				msg.Body = body
			}
			messages = append(messages, msg)
		}
	}

	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return &model.MessagesPage{Messages: messages, EndToken: chunk.End}
}

// UploadFile uploads a blob and posts it to the room with the message
// type matching its mime class.
func (e *Engine) UploadFile(ctx context.Context, roomID, filename string, data []byte, mimeType string) (eventID string, err error) {
	defer e.observe("upload_file", time.Now(), err)

	if len(data) == 0 {
		return "", model.Validationf("file", "is empty")
	}
	client, err := e.connected()
	if err != nil {
		return "", err
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var mxcURI string
	err = matrix.RetryOnce(ctx, "upload media", func() error {
		var upErr error
		mxcURI, upErr = client.UploadMedia(ctx, data, mimeType, filename)
		return upErr
	})
	if err != nil {
		return "", err
	}
	err = matrix.RetryOnce(ctx, "send file message", func() error {
		var sendErr error
		eventID, sendErr = client.SendFileMessage(ctx, roomID, msgTypeForMime(mimeType), filename, mxcURI, mimeType)
		return sendErr
	})
	return eventID, err
}

func msgTypeForMime(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "m.image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "m.audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "m.video"
	default:
		return "m.file"
	}
}

// FetchMedia downloads an mxc:// attachment as a data URL ready for a
// window to display inline.
func (e *Engine) FetchMedia(ctx context.Context, mxcURI string) (dataURL string, err error) {
	defer e.observe("fetch_media", time.Now(), err)

	client, err := e.connected()
	if err != nil {
		return "", err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return client.DownloadAsDataURL(ctx, mxcURI)
}

// MarkAsRead clears the room's unread counter and tells the server the
// account has read up to eventID.
func (e *Engine) MarkAsRead(ctx context.Context, roomID, eventID string) (err error) {
	defer e.observe("mark_as_read", time.Now(), err)

	client, err := e.connected()
	if err != nil {
		return err
	}

	e.publish(e.store.ClearUnread(roomID))

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return matrix.RetryOnce(ctx, "send read receipt", func() error {
		return client.SendReadReceipt(ctx, roomID, eventID)
	})
}

// SetRoomVisible tells the engine whether a window for the room is
// open. Visible rooms stop accumulating unread counts.
func (e *Engine) SetRoomVisible(roomID string, visible bool) {
	e.publish(e.store.SetRoomVisible(roomID, visible))
}

// SetPresence publishes the account's ICQ-style status.
func (e *Engine) SetPresence(ctx context.Context, presence model.Presence) (err error) {
	defer e.observe("set_presence", time.Now(), err)

	client, err := e.connected()
	if err != nil {
		return err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return matrix.RetryOnce(ctx, "set presence", func() error {
		return client.SetPresence(ctx, presence)
	})
}

// SendTyping publishes a typing notice valid for a few seconds.
func (e *Engine) SendTyping(ctx context.Context, roomID string, typing bool) (err error) {
	defer e.observe("send_typing", time.Now(), err)

	client, err := e.connected()
	if err != nil {
		return err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return matrix.RetryOnce(ctx, "send typing", func() error {
		return client.SendTyping(ctx, roomID, typing, 10*time.Second)
	})
}

// SetRoomTag attaches a tag to the room for this account.
func (e *Engine) SetRoomTag(ctx context.Context, roomID, tag string) (err error) {
	defer e.observe("set_room_tag", time.Now(), err)

	if tag == "" {
		return model.Validationf("tag", "cannot be empty")
	}
	client, err := e.connected()
	if err != nil {
		return err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err = matrix.RetryOnce(ctx, "set tag", func() error {
		return client.SetRoomTag(ctx, roomID, tag)
	}); err != nil {
		return err
	}

	room, _ := e.store.Room(roomID)
	tags := append([]string{}, room.Tags...)
	if !containsChild(tags, tag) {
		tags = append(tags, tag)
		sort.Strings(tags)
		e.publish(e.store.SetRoomTags(roomID, tags))
	}
	return nil
}

// RemoveRoomTag detaches a tag from the room for this account.
func (e *Engine) RemoveRoomTag(ctx context.Context, roomID, tag string) (err error) {
	defer e.observe("remove_room_tag", time.Now(), err)

	client, err := e.connected()
	if err != nil {
		return err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err = matrix.RetryOnce(ctx, "remove tag", func() error {
		return client.RemoveRoomTag(ctx, roomID, tag)
	}); err != nil {
		return err
	}

	room, _ := e.store.Room(roomID)
	tags := make([]string, 0, len(room.Tags))
	for _, existing := range room.Tags {
		if existing != tag {
			tags = append(tags, existing)
		}
	}
	e.publish(e.store.SetRoomTags(roomID, tags))
	return nil
}

// GetUserProfile assembles the info panel for a user: profile,
// presence with stale detection, and the rooms shared with them.
func (e *Engine) GetUserProfile(ctx context.Context, userID string) (profile *model.UserProfile, err error) {
	defer e.observe("get_user_profile", time.Now(), err)

	client, err := e.connected()
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	remote, err := client.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	profile = &model.UserProfile{
		UserID:      userID,
		DisplayName: remote.DisplayName,
		AvatarURL:   remote.AvatarURL,
		Presence:    model.PresenceUnknown,
	}

	if status, presErr := client.GetPresence(ctx, userID); presErr == nil && status.Supported {
		profile.Presence = status.Presence
		profile.LastSeenAgo = status.LastActiveAgo
	} else if buddy, ok := e.store.Buddy(userID); ok {
		profile.Presence = buddy.Presence
	}

	for _, room := range e.store.Rooms() {
		members, memErr := client.JoinedMembers(ctx, room.RoomID)
		if memErr != nil {
			continue
		}
		if _, shared := members[userID]; shared {
			profile.SharedRooms = append(profile.SharedRooms, model.SharedRoom{RoomID: room.RoomID, Name: room.Name})
		}
	}
	return profile, nil
}

// GetRoomInfo returns the info panel view of a room.
func (e *Engine) GetRoomInfo(roomID string) (*model.RoomProfile, error) {
	room, ok := e.store.Room(roomID)
	if !ok {
		return nil, model.ErrNotFound
	}
	return &model.RoomProfile{
		RoomID:      room.RoomID,
		Name:        room.Name,
		Topic:       room.Topic,
		IsDirect:    room.IsDirect,
		MemberCount: room.MemberCount,
	}, nil
}

// RemoveBuddy leaves every direct room shared with the user and drops
// them from the buddy list.
func (e *Engine) RemoveBuddy(ctx context.Context, userID string) (err error) {
	defer e.observe("remove_buddy", time.Now(), err)

	for _, roomID := range e.store.DirectRoomsWith(userID) {
		if leaveErr := e.LeaveRoom(ctx, roomID); leaveErr != nil {
			log.WithError(leaveErr).WithField("room", roomID).Warn("failed to leave dm while removing buddy")
			err = leaveErr
		}
	}
	e.store.RemoveBuddy(userID)
	return err
}

// Buddies returns the known buddy list.
func (e *Engine) Buddies() []model.Buddy { return e.store.Buddies() }

// Rooms returns the joined room list.
func (e *Engine) Rooms() []model.Room { return e.store.Rooms() }

// Invites returns pending invites.
func (e *Engine) Invites() []model.Invite { return e.store.Invites() }

// Spaces returns known spaces.
func (e *Engine) Spaces() []model.Space { return e.store.Spaces() }

// Messages returns the in-memory timeline of a room.
func (e *Engine) Messages(roomID string) []model.Message { return e.store.Messages(roomID) }

// RoomReactions returns the reaction aggregate for one event.
func (e *Engine) RoomReactions(roomID, eventID string) map[string][]string {
	return e.store.Reactions(roomID, eventID)
}

// AcceptVerification accepts the active SAS request.
func (e *Engine) AcceptVerification(ctx context.Context) error {
	return e.verifier.Accept(ctx)
}

// ConfirmVerification confirms the emoji comparison matched.
func (e *Engine) ConfirmVerification(ctx context.Context) error {
	return e.verifier.Confirm(ctx)
}

// CancelVerification aborts the active verification.
func (e *Engine) CancelVerification(ctx context.Context, reason string) error {
	return e.verifier.Cancel(ctx, reason)
}
