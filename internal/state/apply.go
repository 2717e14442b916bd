package state

import (
	"sort"

	"github.com/retroim/buddyd/internal/bus"
	"github.com/retroim/buddyd/internal/model"
)

// ensureRoomLocked returns the room state, creating a skeleton if the
// room is new. Caller holds the write lock.
func (s *Store) ensureRoomLocked(roomID string) *roomState {
	rs, ok := s.rooms[roomID]
	if !ok {
		rs = newRoomState(roomID)
		s.rooms[roomID] = rs
	}
	return rs
}

// UpsertRoom merges metadata into the room list entry. Zero-value
// fields in meta leave the existing values alone, so partial updates
// from state events compose. Unread count is managed separately.
func (s *Store) UpsertRoom(meta model.Room) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.rooms[meta.RoomID]
	rs := s.ensureRoomLocked(meta.RoomID)
	changed := !existed
	if meta.Name != "" && meta.Name != rs.room.Name {
		rs.room.Name = meta.Name
		changed = true
	}
	if meta.Topic != "" && meta.Topic != rs.room.Topic {
		rs.room.Topic = meta.Topic
		changed = true
	}
	if meta.MemberCount > 0 && meta.MemberCount != rs.room.MemberCount {
		rs.room.MemberCount = meta.MemberCount
		changed = true
	}
	if meta.IsDirect && !rs.room.IsDirect {
		rs.room.IsDirect = true
		changed = true
	}
	if meta.LastMessage != "" && meta.LastMessage != rs.room.LastMessage {
		rs.room.LastMessage = meta.LastMessage
		changed = true
	}
	if meta.Tags != nil && !stringsEqual(meta.Tags, rs.room.Tags) {
		rs.room.Tags = meta.Tags
		changed = true
	}
	if meta.SpaceIDs != nil && !stringsEqual(meta.SpaceIDs, rs.room.SpaceIDs) {
		rs.room.SpaceIDs = meta.SpaceIDs
		changed = true
	}
	if !changed {
		return nil
	}
	return []bus.Event{{Type: bus.TypeRoomUpdated, Payload: bus.RoomPayload{Room: rs.room}}}
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RemoveRoom drops a room the account left.
func (s *Store) RemoveRoom(roomID string) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return nil
	}
	delete(s.rooms, roomID)
	delete(s.visible, roomID)
	return []bus.Event{{Type: bus.TypeRoomRemoved, Payload: bus.RoomRemovedPayload{RoomID: roomID}}}
}

// ApplyMessage appends a timeline message. Duplicates and messages for
// already-redacted events are absorbed silently. Reply previews are
// resolved from the known timeline when the sender's client did not
// include them. Unread counters bump only for rooms without an open
// window and never for the account's own messages.
func (s *Store) ApplyMessage(msg model.Message) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.ensureRoomLocked(msg.RoomID)
	if rs.tombstones[msg.EventID] {
		return nil
	}
	if _, dup := rs.byEventID[msg.EventID]; dup {
		return nil
	}

	if msg.InReplyTo != "" && msg.ReplyBody == "" {
		if idx, ok := rs.byEventID[msg.InReplyTo]; ok {
			target := rs.timeline[idx]
			msg.ReplySenderName = target.SenderName
			if msg.ReplySenderName == "" {
				msg.ReplySenderName = target.Sender
			}
			msg.ReplyBody = target.Body
		}
	}

	rs.byEventID[msg.EventID] = len(rs.timeline)
	rs.timeline = append(rs.timeline, msg)
	rs.room.LastMessage = msg.Body

	events := []bus.Event{{Type: bus.TypeMessageNew, Payload: bus.MessagePayload{RoomID: msg.RoomID, Message: msg}}}
	if msg.Sender != s.selfID && !s.visible[msg.RoomID] {
		rs.room.UnreadCount++
		events = append(events, bus.Event{
			Type:    bus.TypeUnreadChanged,
			Payload: bus.UnreadPayload{RoomID: msg.RoomID, Count: rs.room.UnreadCount},
		})
	}
	events = append(events, bus.Event{Type: bus.TypeRoomUpdated, Payload: bus.RoomPayload{Room: rs.room}})
	return events
}

// ApplyEdit replaces the body of a known message. Edits for unknown
// targets are ignored; the history fetch folds them in later. Applying
// the same edit twice converges on the same state without a second
// event.
func (s *Store) ApplyEdit(roomID, targetEventID, newBody string) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	idx, ok := rs.byEventID[targetEventID]
	if !ok {
		return nil
	}
	if rs.timeline[idx].Body == newBody {
		return nil
	}
	rs.timeline[idx].Body = newBody
	if idx == len(rs.timeline)-1 {
		rs.room.LastMessage = newBody
	}
	return []bus.Event{{
		Type:    bus.TypeMessageEdited,
		Payload: bus.MessagePayload{RoomID: roomID, Message: rs.timeline[idx]},
	}}
}

// ApplyRedaction removes the target event. Redacting a message drops it
// from the timeline and tombstones the ID so late-arriving copies stay
// out; redacting a reaction unwinds its aggregate entry. Duplicate
// redactions are absorbed.
func (s *Store) ApplyRedaction(roomID, redactedEventID string) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	if rs.tombstones[redactedEventID] {
		return nil
	}
	rs.tombstones[redactedEventID] = true

	if ref, ok := rs.reactionBy[redactedEventID]; ok {
		delete(rs.reactionBy, redactedEventID)
		if removeReactionLocked(rs, ref) {
			return []bus.Event{{
				Type: bus.TypeReactionUpdated,
				Payload: bus.ReactionPayload{
					RoomID:    roomID,
					EventID:   ref.targetEventID,
					Reactions: copyReactions(rs.reactions[ref.targetEventID]),
				},
			}}
		}
		return nil
	}

	idx, ok := rs.byEventID[redactedEventID]
	if !ok {
		return nil
	}
	rs.timeline = append(rs.timeline[:idx], rs.timeline[idx+1:]...)
	delete(rs.byEventID, redactedEventID)
	for id, i := range rs.byEventID {
		if i > idx {
			rs.byEventID[id] = i - 1
		}
	}
	delete(rs.reactions, redactedEventID)

	return []bus.Event{{
		Type:    bus.TypeMessageDeleted,
		Payload: bus.MessageDeletedPayload{RoomID: roomID, EventID: redactedEventID},
	}}
}

func removeReactionLocked(rs *roomState, ref reactionRef) bool {
	agg := rs.reactions[ref.targetEventID]
	if agg == nil {
		return false
	}
	senders := agg[ref.key]
	for i, sender := range senders {
		if sender == ref.sender {
			agg[ref.key] = append(senders[:i], senders[i+1:]...)
			if len(agg[ref.key]) == 0 {
				delete(agg, ref.key)
			}
			if len(agg) == 0 {
				delete(rs.reactions, ref.targetEventID)
			}
			return true
		}
	}
	return false
}

// ApplyReaction records an annotation. The aggregate has set semantics
// per sender and key: the same sender reacting 👍 twice counts once,
// and the duplicate produces no event.
func (s *Store) ApplyReaction(roomID, reactionEventID, targetEventID, sender, key string) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.ensureRoomLocked(roomID)
	if rs.tombstones[reactionEventID] {
		return nil
	}
	if _, dup := rs.reactionBy[reactionEventID]; dup {
		return nil
	}

	agg := rs.reactions[targetEventID]
	if agg == nil {
		agg = make(map[string][]string)
		rs.reactions[targetEventID] = agg
	}
	for _, existing := range agg[key] {
		if existing == sender {
			// Same sender, same key: track the event so a redaction of
			// either copy unwinds cleanly, but do not double count.
			rs.reactionBy[reactionEventID] = reactionRef{targetEventID: targetEventID, sender: sender, key: key}
			return nil
		}
	}
	agg[key] = append(agg[key], sender)
	sort.Strings(agg[key])
	rs.reactionBy[reactionEventID] = reactionRef{targetEventID: targetEventID, sender: sender, key: key}

	return []bus.Event{{
		Type: bus.TypeReactionUpdated,
		Payload: bus.ReactionPayload{
			RoomID:    roomID,
			EventID:   targetEventID,
			Reactions: copyReactions(agg),
		},
	}}
}

// ApplyTyping replaces the room's typing list. The account's own user
// never appears. No event is emitted when the list is unchanged.
func (s *Store) ApplyTyping(roomID string, userIDs []string) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.ensureRoomLocked(roomID)
	filtered := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id != s.selfID {
			filtered = append(filtered, id)
		}
	}
	sort.Strings(filtered)
	if stringsEqual(rs.typing, filtered) {
		return nil
	}
	rs.typing = filtered
	return []bus.Event{{
		Type:    bus.TypeTypingChanged,
		Payload: bus.TypingPayload{RoomID: roomID, UserIDs: filtered},
	}}
}

// UpsertBuddy records a user seen in room membership, keeping any
// presence already known.
func (s *Store) UpsertBuddy(buddy model.Buddy) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, known := s.buddies[buddy.UserID]
	if known {
		if buddy.DisplayName == "" {
			buddy.DisplayName = existing.DisplayName
		}
		if buddy.AvatarURL == "" {
			buddy.AvatarURL = existing.AvatarURL
		}
		if buddy.Presence == "" || buddy.Presence == model.PresenceUnknown {
			buddy.Presence = existing.Presence
		}
	} else if buddy.Presence == "" {
		buddy.Presence = model.PresenceUnknown
	}
	if known && existing == buddy {
		return nil
	}
	s.buddies[buddy.UserID] = buddy
	return []bus.Event{{Type: bus.TypePresenceChanged, Payload: bus.PresencePayload{Buddy: buddy}}}
}

// ApplyPresence updates a buddy's status. Unknown never downgrades a
// known state: servers without presence support report nothing useful
// and the last observed status stays.
func (s *Store) ApplyPresence(userID string, presence model.Presence) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	buddy, known := s.buddies[userID]
	if !known {
		buddy = model.Buddy{UserID: userID}
	}
	if presence == model.PresenceUnknown && buddy.Presence != "" && buddy.Presence != model.PresenceUnknown {
		return nil
	}
	if known && buddy.Presence == presence {
		return nil
	}
	buddy.Presence = presence
	s.buddies[userID] = buddy
	return []bus.Event{{Type: bus.TypePresenceChanged, Payload: bus.PresencePayload{Buddy: buddy}}}
}

// RemoveBuddy forgets a user entirely.
func (s *Store) RemoveBuddy(userID string) {
	s.mu.Lock()
	delete(s.buddies, userID)
	s.mu.Unlock()
}

// ApplyInvite records a pending invite.
func (s *Store) ApplyInvite(invite model.Invite) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.invites[invite.RoomID]; dup {
		return nil
	}
	s.invites[invite.RoomID] = invite
	return []bus.Event{{Type: bus.TypeInviteNew, Payload: bus.InvitePayload{Invite: invite}}}
}

// RemoveInvite drops a pending invite after accept or reject.
func (s *Store) RemoveInvite(roomID string) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.invites[roomID]; !ok {
		return nil
	}
	delete(s.invites, roomID)
	return []bus.Event{{Type: bus.TypeInviteRemoved, Payload: bus.InviteRemovedPayload{RoomID: roomID}}}
}

// UpsertSpace records a space and its ordered children.
func (s *Store) UpsertSpace(space model.Space) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spaces[space.SpaceID] = space

	var events []bus.Event
	for _, child := range space.Children {
		rs, ok := s.rooms[child]
		if !ok {
			continue
		}
		if !containsString(rs.room.SpaceIDs, space.SpaceID) {
			rs.room.SpaceIDs = append(rs.room.SpaceIDs, space.SpaceID)
			sort.Strings(rs.room.SpaceIDs)
			events = append(events, bus.Event{Type: bus.TypeRoomUpdated, Payload: bus.RoomPayload{Room: rs.room}})
		}
	}
	return events
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// SetRoomTags replaces the account's tags on a room.
func (s *Store) SetRoomTags(roomID string, tags []string) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.ensureRoomLocked(roomID)
	sort.Strings(tags)
	if stringsEqual(rs.room.Tags, tags) {
		return nil
	}
	rs.room.Tags = tags
	return []bus.Event{{Type: bus.TypeRoomUpdated, Payload: bus.RoomPayload{Room: rs.room}}}
}

// SetDirects replaces the m.direct map: peer user ID to room IDs.
// Rooms named in it gain the direct flag.
func (s *Store) SetDirects(directs map[string][]string) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.directs = directs
	var events []bus.Event
	for _, roomIDs := range directs {
		for _, roomID := range roomIDs {
			rs, ok := s.rooms[roomID]
			if !ok || rs.room.IsDirect {
				continue
			}
			rs.room.IsDirect = true
			events = append(events, bus.Event{Type: bus.TypeRoomUpdated, Payload: bus.RoomPayload{Room: rs.room}})
		}
	}
	return events
}

// SetRoomVisible marks a room's window open or closed. Opening clears
// the unread counter.
func (s *Store) SetRoomVisible(roomID string, visible bool) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if visible {
		s.visible[roomID] = true
	} else {
		delete(s.visible, roomID)
	}

	rs, ok := s.rooms[roomID]
	if !ok || !visible || rs.room.UnreadCount == 0 {
		return nil
	}
	rs.room.UnreadCount = 0
	return []bus.Event{
		{Type: bus.TypeUnreadChanged, Payload: bus.UnreadPayload{RoomID: roomID, Count: 0}},
		{Type: bus.TypeRoomUpdated, Payload: bus.RoomPayload{Room: rs.room}},
	}
}

// ClearUnread resets a room's unread counter, e.g. after a read receipt.
func (s *Store) ClearUnread(roomID string) []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[roomID]
	if !ok || rs.room.UnreadCount == 0 {
		return nil
	}
	rs.room.UnreadCount = 0
	return []bus.Event{
		{Type: bus.TypeUnreadChanged, Payload: bus.UnreadPayload{RoomID: roomID, Count: 0}},
		{Type: bus.TypeRoomUpdated, Payload: bus.RoomPayload{Room: rs.room}},
	}
}
