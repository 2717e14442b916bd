package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/retroim/buddyd/internal/bus"
	"github.com/retroim/buddyd/internal/matrix"
	"github.com/retroim/buddyd/internal/model"
	"github.com/retroim/buddyd/internal/session"
	"github.com/retroim/buddyd/internal/state"
	"github.com/retroim/buddyd/pkg/config"
)

const (
	testUser = "@alice:example.org"
	testPeer = "@bob:example.org"
	testRoom = "!room1:example.org"
)

type fakeHomeserver struct {
	mu          sync.Mutex
	syncQueue   []string
	syncCount   int
	logouts     int
	whoami      string
	sent        []string
	receipts    int
	receiptFail bool
}

func newFakeHomeserver(t *testing.T) (*fakeHomeserver, *httptest.Server) {
	t.Helper()
	fake := &fakeHomeserver{whoami: testUser}
	server := httptest.NewServer(http.HandlerFunc(fake.handle))
	t.Cleanup(server.Close)
	return fake, server
}

func (f *fakeHomeserver) queueSync(body string) {
	f.mu.Lock()
	f.syncQueue = append(f.syncQueue, body)
	f.mu.Unlock()
}

func (f *fakeHomeserver) syncs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncCount
}

func (f *fakeHomeserver) logoutCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

func (f *fakeHomeserver) receiptCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts
}

func (f *fakeHomeserver) setReceiptFail(fail bool) {
	f.mu.Lock()
	f.receiptFail = fail
	f.mu.Unlock()
}

func (f *fakeHomeserver) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/_matrix/client/v3/login":
		fmt.Fprintf(w, `{"user_id":%q,"access_token":"syt-test","device_id":"BUDDYD1"}`, testUser)
	case r.URL.Path == "/_matrix/client/v3/account/whoami":
		f.mu.Lock()
		user := f.whoami
		f.mu.Unlock()
		fmt.Fprintf(w, `{"user_id":%q}`, user)
	case r.URL.Path == "/_matrix/client/v3/logout":
		f.mu.Lock()
		f.logouts++
		f.mu.Unlock()
		fmt.Fprint(w, `{}`)
	case r.URL.Path == "/_matrix/client/v3/sync":
		f.mu.Lock()
		f.syncCount++
		count := f.syncCount
		var body string
		if len(f.syncQueue) > 0 {
			body = f.syncQueue[0]
			f.syncQueue = f.syncQueue[1:]
		}
		f.mu.Unlock()
		if body == "" {
			time.Sleep(25 * time.Millisecond)
			body = fmt.Sprintf(`{"next_batch":"s-idle-%d"}`, count)
		}
		fmt.Fprint(w, body)
	case strings.Contains(r.URL.Path, "/send/"):
		data, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.sent = append(f.sent, string(data))
		n := len(f.sent)
		f.mu.Unlock()
		fmt.Fprintf(w, `{"event_id":"$sent%d"}`, n)
	case strings.Contains(r.URL.Path, "/presence/"):
		fmt.Fprint(w, `{}`)
	case strings.Contains(r.URL.Path, "/receipt/"):
		f.mu.Lock()
		f.receipts++
		fail := f.receiptFail
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"errcode":"M_UNKNOWN","error":"receipt rejected"}`)
			return
		}
		fmt.Fprint(w, `{}`)
	case strings.Contains(r.URL.Path, "/typing/"):
		fmt.Fprint(w, `{}`)
	case strings.Contains(r.URL.Path, "/state/m.room.name"):
		fmt.Fprint(w, `{"name":"Fetched Room"}`)
	case strings.Contains(r.URL.Path, "/joined_members"):
		fmt.Fprintf(w, `{"joined":{%q:{"display_name":"Alice"},%q:{"display_name":"Bob"}}}`, testUser, testPeer)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errcode":"M_NOT_FOUND","error":"unknown endpoint"}`)
	}
}

func newTestEngine(t *testing.T, serverURL string) (*Engine, *bus.Bus, *session.Store) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Homeserver.URL = serverURL
	cfg.Homeserver.SyncTimeoutMs = 100
	cfg.Homeserver.RequestTimeoutMs = 2000
	cfg.Homeserver.RateLimit = 0
	cfg.Verification.DisplayDelayMs = 10
	cfg.Session.Path = filepath.Join(t.TempDir(), "session.db")

	sessions, err := session.Open(cfg.Session.Path)
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	b := bus.New()
	eng := New(cfg, state.New(), b, sessions, nil)
	t.Cleanup(eng.stopSyncLoop)
	return eng, b, sessions
}

func waitEvent(t *testing.T, sub *bus.Subscriber, eventType string) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscriber closed while waiting for %s", eventType)
			}
			if evt.Type == eventType {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const firstSyncBody = `{
	"next_batch": "s1",
	"rooms": {"join": {"!room1:example.org": {
		"state": {"events": [
			{"type": "m.room.name", "event_id": "$n1", "sender": "@bob:example.org", "state_key": "", "content": {"name": "Old Friends"}},
			{"type": "m.room.member", "event_id": "$mem1", "sender": "@bob:example.org", "state_key": "@bob:example.org", "content": {"membership": "join", "displayname": "Bob"}}
		]},
		"timeline": {"events": [
			{"type": "m.room.message", "event_id": "$msg1", "sender": "@bob:example.org", "origin_server_ts": 1000, "content": {"msgtype": "m.text", "body": "uh oh"}}
		]}
	}}}
}`

func TestLoginSyncLogout(t *testing.T) {
	fake, server := newFakeHomeserver(t)
	fake.queueSync(firstSyncBody)

	eng, b, sessions := newTestEngine(t, server.URL)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	userID, err := eng.Login(context.Background(), server.URL, "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if userID != testUser {
		t.Fatalf("Login returned %q, want %q", userID, testUser)
	}

	evt := waitEvent(t, sub, bus.TypeMessageNew)
	payload, ok := evt.Payload.(bus.MessagePayload)
	if !ok {
		t.Fatalf("message.new payload has type %T", evt.Payload)
	}
	if payload.Message.Body != "uh oh" || payload.Message.SenderName != "Bob" {
		t.Fatalf("unexpected message payload: %+v", payload.Message)
	}

	room, ok := eng.store.Room(testRoom)
	if !ok || room.Name != "Old Friends" {
		t.Fatalf("room not applied: %+v ok=%v", room, ok)
	}
	if eng.ConnState() != model.ConnLive {
		t.Fatalf("state after login = %s, want live", eng.ConnState())
	}

	if sess, err := sessions.Load(); err != nil || sess.UserID != testUser {
		t.Fatalf("session not persisted: sess=%+v err=%v", sess, err)
	}

	if err := eng.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if fake.logoutCalls() != 1 {
		t.Fatalf("logout calls = %d, want 1", fake.logoutCalls())
	}
	if _, err := sessions.Load(); !errors.Is(err, model.ErrNoSession) {
		t.Fatalf("session after logout: %v, want ErrNoSession", err)
	}
	if len(eng.Rooms()) != 0 {
		t.Fatalf("rooms survived logout: %v", eng.Rooms())
	}
	if eng.ConnState() != model.ConnAbsent {
		t.Fatalf("state after logout = %s, want absent", eng.ConnState())
	}
}

func TestDisconnectStopsSyncReconnectResumes(t *testing.T) {
	fake, server := newFakeHomeserver(t)
	eng, _, _ := newTestEngine(t, server.URL)

	if _, err := eng.Login(context.Background(), server.URL, "alice", "hunter2"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	waitFor(t, "first sync", func() bool { return fake.syncs() > 0 })

	eng.Disconnect()
	if eng.ConnState() != model.ConnDisconnected {
		t.Fatalf("state after disconnect = %s", eng.ConnState())
	}
	settled := fake.syncs()
	time.Sleep(200 * time.Millisecond)
	if after := fake.syncs(); after != settled {
		t.Fatalf("sync kept running after disconnect: %d -> %d", settled, after)
	}

	if err := eng.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if eng.ConnState() != model.ConnLive {
		t.Fatalf("state after reconnect = %s", eng.ConnState())
	}
	waitFor(t, "sync to resume", func() bool { return fake.syncs() > settled })

	// Reconnecting while live is a no-op success.
	if err := eng.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect while live: %v", err)
	}
}

func TestRestoreSession(t *testing.T) {
	fake, server := newFakeHomeserver(t)
	eng, _, sessions := newTestEngine(t, server.URL)

	err := sessions.Save(&session.Session{
		HomeserverURL: server.URL,
		UserID:        testUser,
		AccessToken:   "syt-stored",
		DeviceID:      "BUDDYD1",
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	userID, err := eng.RestoreSession(context.Background())
	if err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}
	if userID != testUser {
		t.Fatalf("restored user %q, want %q", userID, testUser)
	}
	if eng.ConnState() != model.ConnLive {
		t.Fatalf("state after restore = %s", eng.ConnState())
	}
	waitFor(t, "sync after restore", func() bool { return fake.syncs() > 0 })
}

func TestRestoreSessionUserMismatch(t *testing.T) {
	fake, server := newFakeHomeserver(t)
	eng, _, sessions := newTestEngine(t, server.URL)
	fake.mu.Lock()
	fake.whoami = "@mallory:example.org"
	fake.mu.Unlock()

	if err := sessions.Save(&session.Session{
		HomeserverURL: server.URL,
		UserID:        testUser,
		AccessToken:   "syt-stored",
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err := eng.RestoreSession(context.Background())
	var connErr *model.ConnError
	if !errors.As(err, &connErr) {
		t.Fatalf("RestoreSession error = %v, want ConnError", err)
	}
	if eng.ConnState() != model.ConnAbsent {
		t.Fatalf("state after failed restore = %s", eng.ConnState())
	}
}

func TestRestoreSessionEmpty(t *testing.T) {
	_, server := newFakeHomeserver(t)
	eng, _, _ := newTestEngine(t, server.URL)

	if _, err := eng.RestoreSession(context.Background()); !errors.Is(err, model.ErrNoSession) {
		t.Fatalf("RestoreSession on empty store = %v, want ErrNoSession", err)
	}
}

func strPtr(s string) *string { return &s }

func raw(s string) json.RawMessage { return json.RawMessage(s) }

// offlineEngine builds an engine with self set and no network; applySync
// is driven directly with crafted responses.
func offlineEngine(t *testing.T) (*Engine, *bus.Bus) {
	t.Helper()
	eng, b, _ := newTestEngine(t, "http://127.0.0.1:1")
	eng.store.SetSelf(testUser)
	return eng, b
}

func TestApplySyncTimeline(t *testing.T) {
	eng, _ := offlineEngine(t)

	var resp matrix.SyncResponse
	resp.Rooms.Join = map[string]matrix.JoinedRoom{
		testRoom: {
			State: matrix.EventList{Events: []matrix.Event{
				{Type: "m.room.name", EventID: "$n1", StateKey: strPtr(""), Content: raw(`{"name":"Chatter"}`)},
				{Type: "m.room.member", EventID: "$mem1", StateKey: strPtr(testPeer), Sender: testPeer, Content: raw(`{"membership":"join","displayname":"Bob"}`)},
			}},
			Timeline: matrix.Timeline{Events: []matrix.Event{
				{Type: "m.room.message", EventID: "$m1", Sender: testPeer, OriginServerTS: 100, Content: raw(`{"msgtype":"m.text","body":"first"}`)},
				{Type: "m.room.message", EventID: "$m2", Sender: testPeer, OriginServerTS: 200, Content: raw(`{"msgtype":"m.text","body":"secnod"}`)},
				{Type: "m.room.message", EventID: "$e1", Sender: testPeer, OriginServerTS: 300, Content: raw(`{"msgtype":"m.text","body":"* second","m.new_content":{"msgtype":"m.text","body":"second"},"m.relates_to":{"rel_type":"m.replace","event_id":"$m2"}}`)},
				{Type: "m.reaction", EventID: "$r1", Sender: testPeer, OriginServerTS: 400, Content: raw(`{"m.relates_to":{"rel_type":"m.annotation","event_id":"$m1","key":"👍"}}`)},
			}},
		},
	}
	eng.applySync(context.Background(), nil, &resp)

	msgs := eng.Messages(testRoom)
	if len(msgs) != 2 {
		t.Fatalf("timeline length = %d, want 2", len(msgs))
	}
	if msgs[1].Body != "second" {
		t.Fatalf("edit not folded: %q", msgs[1].Body)
	}
	reactions := eng.RoomReactions(testRoom, "$m1")
	if got := reactions["👍"]; len(got) != 1 || got[0] != testPeer {
		t.Fatalf("reaction aggregate = %v", reactions)
	}

	// The redaction arrives in a later batch and unwinds the reaction.
	var next matrix.SyncResponse
	next.Rooms.Join = map[string]matrix.JoinedRoom{
		testRoom: {
			Timeline: matrix.Timeline{Events: []matrix.Event{
				{Type: "m.room.redaction", EventID: "$red1", Sender: testPeer, Redacts: "$r1"},
			}},
		},
	}
	eng.applySync(context.Background(), nil, &next)
	if reactions := eng.RoomReactions(testRoom, "$m1"); len(reactions) != 0 {
		t.Fatalf("reaction survived redaction: %v", reactions)
	}
}

func TestApplySyncDirectsAndTags(t *testing.T) {
	eng, _ := offlineEngine(t)

	var resp matrix.SyncResponse
	resp.AccountData = matrix.EventList{Events: []matrix.Event{
		{Type: "m.direct", Content: raw(fmt.Sprintf(`{%q:[%q]}`, testPeer, testRoom))},
	}}
	resp.Rooms.Join = map[string]matrix.JoinedRoom{
		testRoom: {
			State: matrix.EventList{Events: []matrix.Event{
				{Type: "m.room.name", EventID: "$n1", StateKey: strPtr(""), Content: raw(`{"name":"Bob"}`)},
			}},
			AccountData: matrix.EventList{Events: []matrix.Event{
				{Type: "m.tag", Content: raw(`{"tags":{"u.work":{}}}`)},
			}},
		},
	}
	eng.applySync(context.Background(), nil, &resp)

	room, ok := eng.store.Room(testRoom)
	if !ok {
		t.Fatal("room missing")
	}
	if !room.IsDirect {
		t.Fatal("m.direct did not mark the room direct")
	}
	if len(room.Tags) != 1 || room.Tags[0] != "u.work" {
		t.Fatalf("tags = %v", room.Tags)
	}
	if got := eng.store.DirectRoomsWith(testPeer); len(got) != 1 || got[0] != testRoom {
		t.Fatalf("DirectRoomsWith = %v", got)
	}
}

func TestApplySyncPresenceStaleSkipped(t *testing.T) {
	eng, _ := offlineEngine(t)
	eng.store.UpsertBuddy(model.Buddy{UserID: testPeer, DisplayName: "Bob", Presence: model.PresenceOnline})

	var resp matrix.SyncResponse
	resp.Presence = matrix.EventList{Events: []matrix.Event{
		{Type: "m.presence", Sender: testPeer, Content: raw(`{"presence":"offline"}`)},
	}}
	eng.applySync(context.Background(), nil, &resp)

	if buddy, _ := eng.store.Buddy(testPeer); buddy.Presence != model.PresenceOnline {
		t.Fatalf("stale presence downgraded buddy to %s", buddy.Presence)
	}

	var real matrix.SyncResponse
	real.Presence = matrix.EventList{Events: []matrix.Event{
		{Type: "m.presence", Sender: testPeer, Content: raw(`{"presence":"offline","last_active_ago":5000}`)},
	}}
	eng.applySync(context.Background(), nil, &real)

	if buddy, _ := eng.store.Buddy(testPeer); buddy.Presence != model.PresenceOffline {
		t.Fatalf("real offline not applied, presence = %s", buddy.Presence)
	}
}

func TestApplySyncInviteAndLeave(t *testing.T) {
	eng, _ := offlineEngine(t)

	var resp matrix.SyncResponse
	resp.Rooms.Invite = map[string]matrix.InvitedRoom{
		"!party:example.org": {InviteState: matrix.EventList{Events: []matrix.Event{
			{Type: "m.room.name", Content: raw(`{"name":"Party"}`)},
			{Type: "m.room.member", Sender: testPeer, StateKey: strPtr(testPeer), Content: raw(`{"membership":"join","displayname":"Bob"}`)},
			{Type: "m.room.member", Sender: testPeer, StateKey: strPtr(testUser), Content: raw(`{"membership":"invite"}`)},
		}}},
	}
	eng.applySync(context.Background(), nil, &resp)

	invites := eng.Invites()
	if len(invites) != 1 {
		t.Fatalf("invites = %v", invites)
	}
	inv := invites[0]
	if inv.RoomName != "Party" || inv.Inviter != testPeer || inv.InviterName != "Bob" {
		t.Fatalf("invite = %+v", inv)
	}

	eng.store.UpsertRoom(model.Room{RoomID: testRoom, Name: "Chatter"})
	var leave matrix.SyncResponse
	leave.Rooms.Leave = map[string]matrix.LeftRoom{testRoom: {}}
	eng.applySync(context.Background(), nil, &leave)
	if eng.store.HasRoom(testRoom) {
		t.Fatal("left room still present")
	}
}

func TestApplySyncVerificationRequest(t *testing.T) {
	eng, b := offlineEngine(t)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	var resp matrix.SyncResponse
	resp.ToDevice = matrix.EventList{Events: []matrix.Event{
		{Type: "m.key.verification.request", Sender: testPeer, Content: raw(`{"transaction_id":"txn1","from_device":"PHONE"}`)},
	}}
	eng.applySync(context.Background(), nil, &resp)

	evt := waitEvent(t, sub, bus.TypeVerifyRequest)
	payload := evt.Payload.(bus.VerifyPayload)
	if payload.TransactionID != "txn1" || payload.UserID != testPeer {
		t.Fatalf("verify payload = %+v", payload)
	}
	if _, ok := eng.Verifier().Active(); !ok {
		t.Fatal("verification not active after request")
	}
}

func TestParseReplyFallback(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		ok     bool
		sender string
		quoted string
		rest   string
	}{
		{
			name:   "single quoted line",
			body:   "> <@bob:example.org> hello there\n\nhi yourself",
			ok:     true,
			sender: testPeer,
			quoted: "hello there",
			rest:   "hi yourself",
		},
		{
			name:   "multi line quote",
			body:   "> <@bob:example.org> line one\n> line two\n\nreply",
			ok:     true,
			sender: testPeer,
			quoted: "line one\nline two",
			rest:   "reply",
		},
		{
			name: "plain message",
			body: "no quote here",
			rest: "no quote here",
		},
		{
			name: "angle bracket but not a fallback",
			body: "> <not a user id> text",
			rest: "> <not a user id> text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, quoted, rest, ok := parseReplyFallback(tt.body)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if sender != tt.sender || quoted != tt.quoted || rest != tt.rest {
				t.Fatalf("got (%q, %q, %q), want (%q, %q, %q)", sender, quoted, rest, tt.sender, tt.quoted, tt.rest)
			}
		})
	}
}

func TestFoldHistory(t *testing.T) {
	eng, _ := offlineEngine(t)

	// Backwards pagination: newest events first, so the edit and the
	// redaction precede their targets.
	chunk := &matrix.MessagesChunk{
		End: "tok-end",
		Chunk: []matrix.Event{
			{Type: "m.room.redaction", EventID: "$red", Redacts: "$old2"},
			{Type: "m.room.message", EventID: "$edit", Sender: testPeer, OriginServerTS: 400, Content: raw(`{"msgtype":"m.text","body":"* fixed","m.new_content":{"msgtype":"m.text","body":"fixed"},"m.relates_to":{"rel_type":"m.replace","event_id":"$old1"}}`)},
			{Type: "m.room.message", EventID: "$old2", Sender: testPeer, OriginServerTS: 300, Content: raw(`{"msgtype":"m.text","body":"oops"}`)},
			{Type: "m.room.message", EventID: "$old1", Sender: testPeer, OriginServerTS: 200, Content: raw(`{"msgtype":"m.text","body":"typo'd"}`)},
			{Type: "m.room.message", EventID: "$old0", Sender: testPeer, OriginServerTS: 100, Content: raw(`{"msgtype":"m.text","body":"start"}`)},
		},
	}
	page := eng.foldHistory(testRoom, chunk)
	if page.EndToken != "tok-end" {
		t.Fatalf("end token = %q", page.EndToken)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("messages = %+v, want 2", page.Messages)
	}
	if page.Messages[0].EventID != "$old0" || page.Messages[1].EventID != "$old1" {
		t.Fatalf("order = %s, %s", page.Messages[0].EventID, page.Messages[1].EventID)
	}
	if page.Messages[1].Body != "fixed" {
		t.Fatalf("edit not folded into history: %q", page.Messages[1].Body)
	}
}

func TestCommandValidation(t *testing.T) {
	eng, _ := offlineEngine(t)
	ctx := context.Background()

	var valErr *model.ValidationError
	if _, err := eng.SendMessage(ctx, testRoom, "   ", ""); !errors.As(err, &valErr) {
		t.Fatalf("empty body error = %v, want ValidationError", err)
	}

	var connErr *model.ConnError
	if _, err := eng.SendMessage(ctx, testRoom, "hello", ""); !errors.As(err, &connErr) {
		t.Fatalf("offline send error = %v, want ConnError", err)
	}

	// With a client present but the room unknown locally.
	eng.mu.Lock()
	eng.client = matrix.NewClient("http://127.0.0.1:1", "tok", testUser, time.Second)
	eng.mu.Unlock()
	if _, err := eng.SendMessage(ctx, "!nowhere:example.org", "hello", ""); !errors.As(err, &valErr) {
		t.Fatalf("unknown room error = %v, want ValidationError", err)
	}
}

func TestEditForeignMessageRejected(t *testing.T) {
	eng, _ := offlineEngine(t)
	eng.mu.Lock()
	eng.client = matrix.NewClient("http://127.0.0.1:1", "tok", testUser, time.Second)
	eng.mu.Unlock()

	eng.store.UpsertRoom(model.Room{RoomID: testRoom, Name: "Chatter"})
	eng.store.ApplyMessage(model.Message{RoomID: testRoom, EventID: "$bobs", Sender: testPeer, Body: "mine"})

	ctx := context.Background()
	var permErr *model.PermissionError
	if err := eng.EditMessage(ctx, testRoom, "$bobs", "hijack"); !errors.As(err, &permErr) {
		t.Fatalf("foreign edit error = %v, want PermissionError", err)
	}
	if err := eng.DeleteMessage(ctx, testRoom, "$bobs"); !errors.As(err, &permErr) {
		t.Fatalf("foreign delete error = %v, want PermissionError", err)
	}
	if err := eng.DeleteMessage(ctx, testRoom, "$missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("missing delete error = %v, want ErrNotFound", err)
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	fake, server := newFakeHomeserver(t)
	eng, _, _ := newTestEngine(t, server.URL)

	if _, err := eng.Login(context.Background(), server.URL, "alice", "hunter2"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	eng.store.UpsertRoom(model.Room{RoomID: testRoom, Name: "Chatter"})

	eventID, err := eng.SendMessage(context.Background(), testRoom, "hello world", "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if eventID != "$sent1" {
		t.Fatalf("event ID = %q", eventID)
	}

	fake.mu.Lock()
	sent := append([]string(nil), fake.sent...)
	fake.mu.Unlock()
	if len(sent) != 1 || !strings.Contains(sent[0], `"body":"hello world"`) {
		t.Fatalf("sent bodies = %v", sent)
	}
}

func TestCreateDMRoomReusesExisting(t *testing.T) {
	eng, _ := offlineEngine(t)
	eng.store.SetDirects(map[string][]string{testPeer: {"!dm:example.org"}})

	roomID, err := eng.CreateDMRoom(context.Background(), testPeer)
	if err != nil {
		t.Fatalf("CreateDMRoom: %v", err)
	}
	if roomID != "!dm:example.org" {
		t.Fatalf("room ID = %q, want existing dm", roomID)
	}

	var valErr *model.ValidationError
	if _, err := eng.CreateDMRoom(context.Background(), "bob"); !errors.As(err, &valErr) {
		t.Fatalf("bare localpart error = %v, want ValidationError", err)
	}
}

func TestLoginReturnsPromptly(t *testing.T) {
	_, server := newFakeHomeserver(t)
	eng, _, _ := newTestEngine(t, server.URL)

	done := make(chan error, 1)
	go func() {
		_, err := eng.Login(context.Background(), server.URL, "alice", "hunter2")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Login never returned")
	}
}

func TestMarkAsReadSurfacesReceiptFailure(t *testing.T) {
	fake, server := newFakeHomeserver(t)
	fake.queueSync(firstSyncBody)
	fake.setReceiptFail(true)

	eng, _, _ := newTestEngine(t, server.URL)
	if _, err := eng.Login(context.Background(), server.URL, "alice", "hunter2"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	waitFor(t, "room applied", func() bool {
		_, ok := eng.store.Room(testRoom)
		return ok
	})

	err := eng.MarkAsRead(context.Background(), testRoom, "$msg1")
	if err == nil {
		t.Fatal("expected the receipt failure to surface")
	}
	var connErr *model.ConnError
	if !errors.As(err, &connErr) {
		t.Fatalf("receipt failure = %T %v, want ConnError", err, err)
	}
	// Remote API errors are not retried.
	if got := fake.receiptCalls(); got != 1 {
		t.Fatalf("receipt calls = %d, want 1", got)
	}

	fake.setReceiptFail(false)
	if err := eng.MarkAsRead(context.Background(), testRoom, "$msg1"); err != nil {
		t.Fatalf("MarkAsRead after recovery: %v", err)
	}
}

func TestMutatingCommandsRetryTransientFailures(t *testing.T) {
	eng, _ := offlineEngine(t)
	eng.mu.Lock()
	eng.client = matrix.NewClient("http://127.0.0.1:1", "tok", testUser, time.Second)
	eng.mu.Unlock()
	eng.store.UpsertRoom(model.Room{RoomID: testRoom, Name: "Chatter"})
	ctx := context.Background()

	var transient *model.TransientError
	if err := eng.SendTyping(ctx, testRoom, true); !errors.As(err, &transient) {
		t.Fatalf("SendTyping error = %T %v, want TransientError", err, err)
	}
	if _, err := eng.UploadFile(ctx, testRoom, "a.txt", []byte("x"), "text/plain"); !errors.As(err, &transient) {
		t.Fatalf("UploadFile error = %T %v, want TransientError", err, err)
	}
	if err := eng.MarkAsRead(ctx, testRoom, "$msg1"); !errors.As(err, &transient) {
		t.Fatalf("MarkAsRead error = %T %v, want TransientError", err, err)
	}
}

const unnamedRoomSyncBody = `{
	"next_batch": "s1",
	"rooms": {"join": {"!room1:example.org": {
		"timeline": {"events": [
			{"type": "m.room.message", "event_id": "$msg1", "sender": "@bob:example.org", "origin_server_ts": 1000, "content": {"msgtype": "m.text", "body": "hi"}}
		]}
	}}}
}`

func TestUnnamedRoomFetchedBeforeFirstMessage(t *testing.T) {
	fake, server := newFakeHomeserver(t)
	fake.queueSync(unnamedRoomSyncBody)

	eng, b, _ := newTestEngine(t, server.URL)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	if _, err := eng.Login(context.Background(), server.URL, "alice", "hunter2"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	deadline := time.After(3 * time.Second)
	sawRoom := false
	for {
		select {
		case evt := <-sub.Events():
			switch evt.Type {
			case bus.TypeRoomUpdated:
				if payload, ok := evt.Payload.(bus.RoomPayload); ok && payload.Room.RoomID == testRoom {
					sawRoom = true
				}
			case bus.TypeMessageNew:
				if !sawRoom {
					t.Fatal("message published before the room's metadata")
				}
				room, ok := eng.store.Room(testRoom)
				if !ok || room.Name != "Fetched Room" {
					t.Fatalf("room metadata not fetched: %+v ok=%v", room, ok)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for message.new")
		}
	}
}
