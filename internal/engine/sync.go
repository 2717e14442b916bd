package engine

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/retroim/buddyd/internal/matrix"
	"github.com/retroim/buddyd/internal/model"
	"github.com/retroim/buddyd/internal/verify"
	"github.com/retroim/buddyd/pkg/log"
)

const (
	syncBackoffStart = time.Second
	syncBackoffCap   = 30 * time.Second
)

// runSync is the single sync goroutine: one in-flight request, cursor
// advanced only after the response is fully applied. Failures back off
// exponentially and never kill the loop; only Disconnect or Logout do.
func (e *Engine) runSync(ctx context.Context, client *matrix.Client, done chan struct{}) {
	defer close(done)

	backoff := syncBackoffStart
	lastPauses := client.LimiterStats().Pauses
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		resp, err := client.Sync(ctx, e.cursor(), e.syncTimeout())
		if pauses := client.LimiterStats().Pauses; pauses > lastPauses {
			for ; lastPauses < pauses; lastPauses++ {
				e.rec.RecordCooldown()
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.rec.RecordSyncFailure()
			log.WithError(err).WithField("backoff", backoff.String()).Warn("sync failed, backing off")
			e.setConnState(model.ConnDisconnected, err.Error())

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > syncBackoffCap {
				backoff = syncBackoffCap
			}
			continue
		}

		backoff = syncBackoffStart
		e.setConnState(model.ConnLive, "")
		e.applySync(ctx, client, resp)
		e.setCursor(resp.NextBatch)
		e.rec.RecordSyncBatch(time.Since(start).Seconds())
	}
}

func (e *Engine) cursor() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextBatch
}

func (e *Engine) setCursor(next string) {
	e.mu.Lock()
	e.nextBatch = next
	e.mu.Unlock()
}

// applySync translates one sync response into state mutations and bus
// events, in a fixed order so batch boundaries are unobservable.
// Malformed updates are logged and skipped, never fatal.
func (e *Engine) applySync(ctx context.Context, client *matrix.Client, resp *matrix.SyncResponse) {
	for _, ev := range resp.AccountData.Events {
		if ev.Type == "m.direct" {
			e.publish(e.store.SetDirects(matrix.DirectsFromContent(ev.Content)))
		}
	}

	for roomID, joined := range resp.Rooms.Join {
		e.applyJoinedRoom(ctx, client, roomID, joined)
	}
	for roomID, invited := range resp.Rooms.Invite {
		e.applyInvite(roomID, invited)
	}
	for roomID := range resp.Rooms.Leave {
		e.publish(e.store.RemoveRoom(roomID))
	}

	for _, ev := range resp.Presence.Events {
		e.applyPresenceEvent(ev)
	}
	for _, ev := range resp.ToDevice.Events {
		e.applyToDevice(ev)
	}
}

func (e *Engine) applyJoinedRoom(ctx context.Context, client *matrix.Client, roomID string, joined matrix.JoinedRoom) {
	// Unknown rooms whose batch carries no name get their metadata
	// fetched before anything else is applied, so windows see the room
	// before its first message.
	if room, ok := e.store.Room(roomID); !ok || room.Name == "" {
		if !batchNamesRoom(joined) {
			if _, isSpace := e.spaceMeta[roomID]; !isSpace {
				e.lazyFetchRoom(ctx, client, roomID)
			}
		}
	}

	for _, ev := range joined.State.Events {
		e.applyStateEvent(roomID, ev)
	}
	for _, ev := range joined.Timeline.Events {
		e.applyTimelineEvent(roomID, ev)
	}
	for _, ev := range joined.Ephemeral.Events {
		if ev.Type == "m.typing" {
			var content matrix.TypingContent
			if err := json.Unmarshal(ev.Content, &content); err != nil {
				log.WithError(err).WithField("room", roomID).Debug("skipping malformed typing event")
				continue
			}
			e.publish(e.store.ApplyTyping(roomID, content.UserIDs))
		}
	}
	for _, ev := range joined.AccountData.Events {
		if ev.Type == "m.tag" {
			e.publish(e.store.SetRoomTags(roomID, tagsFromContent(ev.Content)))
		}
	}
}

// batchNamesRoom reports whether the sync batch itself names the room,
// making a metadata fetch redundant.
func batchNamesRoom(joined matrix.JoinedRoom) bool {
	for _, ev := range joined.State.Events {
		if ev.Type == "m.room.name" {
			return true
		}
	}
	for _, ev := range joined.Timeline.Events {
		if ev.Type == "m.room.name" {
			return true
		}
	}
	return false
}

func tagsFromContent(content json.RawMessage) []string {
	var payload struct {
		Tags map[string]json.RawMessage `json:"tags"`
	}
	if err := json.Unmarshal(content, &payload); err != nil {
		return nil
	}
	tags := make([]string, 0, len(payload.Tags))
	for tag := range payload.Tags {
		tags = append(tags, tag)
	}
	return tags
}

// applyStateEvent handles room state, which can arrive both in the
// state block and inline in the timeline.
func (e *Engine) applyStateEvent(roomID string, ev matrix.Event) {
	switch ev.Type {
	case "m.room.name":
		var content struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(ev.Content, &content) == nil && content.Name != "" {
			if sp := e.spaceMeta[roomID]; sp != nil {
				sp.Name = content.Name
				e.publish(e.store.UpsertSpace(*sp))
				return
			}
			e.publish(e.store.UpsertRoom(model.Room{RoomID: roomID, Name: content.Name}))
		}
	case "m.room.topic":
		var content struct {
			Topic string `json:"topic"`
		}
		if json.Unmarshal(ev.Content, &content) == nil && content.Topic != "" {
			e.publish(e.store.UpsertRoom(model.Room{RoomID: roomID, Topic: content.Topic}))
		}
	case "m.room.member":
		e.applyMemberEvent(roomID, ev)
	case "m.room.create":
		var content struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(ev.Content, &content) == nil && content.Type == "m.space" {
			if e.spaceMeta == nil {
				e.spaceMeta = make(map[string]*model.Space)
			}
			if e.spaceMeta[roomID] == nil {
				e.spaceMeta[roomID] = &model.Space{SpaceID: roomID}
			}
		}
	case "m.space.child":
		sp := e.spaceMeta[roomID]
		if sp == nil {
			if e.spaceMeta == nil {
				e.spaceMeta = make(map[string]*model.Space)
			}
			sp = &model.Space{SpaceID: roomID}
			e.spaceMeta[roomID] = sp
		}
		if ev.StateKey != nil && *ev.StateKey != "" && !containsChild(sp.Children, *ev.StateKey) {
			sp.Children = append(sp.Children, *ev.StateKey)
			e.publish(e.store.UpsertSpace(*sp))
		}
	}
}

func containsChild(children []string, child string) bool {
	for _, c := range children {
		if c == child {
			return true
		}
	}
	return false
}

func (e *Engine) applyMemberEvent(roomID string, ev matrix.Event) {
	if ev.StateKey == nil || *ev.StateKey == "" {
		return
	}
	var content matrix.MemberContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		log.WithError(err).WithField("room", roomID).Debug("skipping malformed member event")
		return
	}
	userID := *ev.StateKey
	switch content.Membership {
	case "join":
		if userID != e.store.Self() {
			e.publish(e.store.UpsertBuddy(model.Buddy{
				UserID:      userID,
				DisplayName: content.DisplayName,
				AvatarURL:   content.AvatarURL,
			}))
		}
	case "leave", "ban":
		if userID == e.store.Self() {
			e.publish(e.store.RemoveRoom(roomID))
		}
	}
}

func (e *Engine) applyTimelineEvent(roomID string, ev matrix.Event) {
	switch ev.Type {
	case "m.room.message":
		var content matrix.MessageContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			log.WithError(err).WithField("event", ev.EventID).Debug("skipping malformed message")
			return
		}
		if content.RelatesTo != nil && content.RelatesTo.RelType == "m.replace" {
			newBody := content.Body
			if content.NewContent != nil {
				newBody = content.NewContent.Body
			} else {
				newBody = strings.TrimPrefix(newBody, "* ")
			}
			e.publish(e.store.ApplyEdit(roomID, content.RelatesTo.EventID, newBody))
			return
		}
		e.publish(e.store.ApplyMessage(e.messageFromEvent(roomID, ev, content)))
	case "m.reaction":
		var content matrix.ReactionContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			log.WithError(err).WithField("event", ev.EventID).Debug("skipping malformed reaction")
			return
		}
		rel := content.RelatesTo
		if rel.RelType != "m.annotation" || rel.EventID == "" || rel.Key == "" {
			return
		}
		e.publish(e.store.ApplyReaction(roomID, ev.EventID, rel.EventID, ev.Sender, rel.Key))
	case "m.room.redaction":
		if ev.Redacts != "" {
			e.publish(e.store.ApplyRedaction(roomID, ev.Redacts))
		}
	case "m.room.member", "m.room.name", "m.room.topic", "m.room.create", "m.space.child":
		e.applyStateEvent(roomID, ev)
	}
}

// messageFromEvent builds the domain message: msgtype mapping, sender
// name resolution from known buddies, and reply fallback handling.
func (e *Engine) messageFromEvent(roomID string, ev matrix.Event, content matrix.MessageContent) model.Message {
	msg := model.Message{
		RoomID:    roomID,
		EventID:   ev.EventID,
		Sender:    ev.Sender,
		Body:      content.Body,
		Timestamp: ev.OriginServerTS,
		MsgType:   mapMsgType(content.MsgType),
		MediaURL:  content.URL,
		Filename:  content.Filename,
	}
	if buddy, ok := e.store.Buddy(ev.Sender); ok && buddy.DisplayName != "" {
		msg.SenderName = buddy.DisplayName
	} else {
		msg.SenderName = matrix.Localpart(ev.Sender)
	}
	if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		msg.InReplyTo = content.RelatesTo.InReplyTo.EventID
		if sender, quoted, rest, ok := parseReplyFallback(content.Body); ok {
			msg.ReplySenderName = matrix.Localpart(sender)
			msg.ReplyBody = quoted
			msg.Body = rest
		}
	}
	return msg
}

func mapMsgType(wire string) model.MessageType {
	switch wire {
	case "m.image":
		return model.MessageImage
	case "m.file":
		return model.MessageFile
	case "m.audio":
		return model.MessageAudio
	case "m.video":
		return model.MessageVideo
	default:
		return model.MessageText
	}
}

var replyFallbackRe = regexp.MustCompile(`^> <(@[^>]+)> (.*)$`)

// parseReplyFallback splits the legacy quoted-reply prefix:
//
//	> <@alice:example.org> original text
//	> possibly more lines
//
//	actual reply
func parseReplyFallback(body string) (sender, quoted, rest string, ok bool) {
	if !strings.HasPrefix(body, "> <") {
		return "", "", body, false
	}
	lines := strings.Split(body, "\n")
	match := replyFallbackRe.FindStringSubmatch(lines[0])
	if match == nil {
		return "", "", body, false
	}
	sender = match[1]
	quotedLines := []string{match[2]}

	i := 1
	for ; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "> ") {
			quotedLines = append(quotedLines, strings.TrimPrefix(lines[i], "> "))
		} else if lines[i] == ">" {
			quotedLines = append(quotedLines, "")
		} else {
			break
		}
	}
	// Skip the blank separator line.
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return sender, strings.Join(quotedLines, "\n"), strings.Join(lines[i:], "\n"), true
}

func (e *Engine) applyInvite(roomID string, invited matrix.InvitedRoom) {
	invite := model.Invite{RoomID: roomID}
	self := e.store.Self()
	displayNames := map[string]string{}

	for _, ev := range invited.InviteState.Events {
		switch ev.Type {
		case "m.room.name":
			var content struct {
				Name string `json:"name"`
			}
			if json.Unmarshal(ev.Content, &content) == nil {
				invite.RoomName = content.Name
			}
		case "m.room.member":
			var content matrix.MemberContent
			if json.Unmarshal(ev.Content, &content) != nil {
				continue
			}
			if ev.StateKey != nil {
				displayNames[*ev.StateKey] = content.DisplayName
			}
			if ev.StateKey != nil && *ev.StateKey == self && content.Membership == "invite" {
				invite.Inviter = ev.Sender
			}
		}
	}
	if invite.Inviter != "" {
		if name := displayNames[invite.Inviter]; name != "" {
			invite.InviterName = name
		} else if buddy, ok := e.store.Buddy(invite.Inviter); ok {
			invite.InviterName = buddy.DisplayName
		}
	}
	e.publish(e.store.ApplyInvite(invite))
}

// applyPresenceEvent maps wire presence with stale-data detection:
// offline with no activity markers means the server has presence
// disabled, which must not downgrade anyone.
func (e *Engine) applyPresenceEvent(ev matrix.Event) {
	var content matrix.PresenceContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		log.WithError(err).Debug("skipping malformed presence event")
		return
	}
	if content.Presence == "offline" && content.LastActiveAgo == nil && content.CurrentlyActive == nil {
		return
	}
	e.publish(e.store.ApplyPresence(ev.Sender, matrix.MapWirePresence(content.Presence)))
}

func (e *Engine) applyToDevice(ev matrix.Event) {
	var content struct {
		TransactionID string `json:"transaction_id"`
		FromDevice    string `json:"from_device"`
		Key           string `json:"key"`
		Reason        string `json:"reason"`
	}
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		log.WithError(err).WithField("type", ev.Type).Debug("skipping malformed to-device event")
		return
	}
	switch ev.Type {
	case "m.key.verification.request", "m.key.verification.start":
		e.verifier.OnRequested(content.TransactionID, ev.Sender, content.FromDevice)
	case "m.key.verification.key":
		e.verifier.OnEmojis(content.TransactionID, verify.DeriveEmojis([]byte(content.TransactionID+content.Key)))
	case "m.key.verification.done":
		e.verifier.OnDone(content.TransactionID)
	case "m.key.verification.cancel":
		e.verifier.OnCancelled(content.TransactionID, content.Reason)
	}
}

// lazyFetchRoom pulls name and membership for a room that appeared in
// sync without usable state. DM rooms fall back to the peer's name.
func (e *Engine) lazyFetchRoom(ctx context.Context, client *matrix.Client, roomID string) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.requestTimeout())
	defer cancel()

	meta := model.Room{RoomID: roomID}

	if raw, err := client.RoomStateContent(fetchCtx, roomID, "m.room.name"); err == nil {
		var content struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(raw, &content) == nil {
			meta.Name = content.Name
		}
	}

	members, err := client.JoinedMembers(fetchCtx, roomID)
	if err != nil {
		log.WithError(err).WithField("room", roomID).Debug("room metadata fetch failed")
	} else {
		meta.MemberCount = len(members)
		self := e.store.Self()
		var peerName string
		for userID, member := range members {
			if userID == self {
				continue
			}
			e.publish(e.store.UpsertBuddy(model.Buddy{
				UserID:      userID,
				DisplayName: member.DisplayName,
				AvatarURL:   member.AvatarURL,
			}))
			if peerName == "" {
				peerName = member.DisplayName
				if peerName == "" {
					peerName = matrix.Localpart(userID)
				}
			}
		}
		if meta.Name == "" && len(members) == 2 && peerName != "" {
			meta.Name = peerName
		}
	}
	if meta.Name == "" {
		meta.Name = roomID
	}
	e.publish(e.store.UpsertRoom(meta))
}
