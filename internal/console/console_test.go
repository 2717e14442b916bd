package console

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/retroim/buddyd/internal/bus"
	"github.com/retroim/buddyd/internal/model"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTapEchoesMessages(t *testing.T) {
	b := bus.New()
	out := &safeBuffer{}
	tap := New(out, b)
	tap.Start()

	b.Publish(bus.Event{Type: bus.TypeMessageNew, Payload: bus.MessagePayload{
		RoomID: "!r:example.org",
		Message: model.Message{
			SenderName: "Bob",
			Body:       "anyone around?",
			Timestamp:  time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC).UnixMilli(),
		},
	}})
	b.Publish(bus.Event{Type: bus.TypeSyncStatus, Payload: bus.SyncStatusPayload{State: model.ConnLive}})
	b.Publish(bus.Event{Type: bus.TypeInviteNew, Payload: bus.InvitePayload{
		Invite: model.Invite{RoomID: "!p:example.org", RoomName: "Party", InviterName: "Bob"},
	}})
	// Unhandled event kinds are silently skipped.
	b.Publish(bus.Event{Type: bus.TypeTypingChanged, Payload: bus.TypingPayload{RoomID: "!r:example.org"}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := out.String()
		if strings.Contains(got, "anyone around?") &&
			strings.Contains(got, "connection: live") &&
			strings.Contains(got, "invite to Party from Bob") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tap output incomplete:\n%s", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if strings.Contains(out.String(), "typing") {
		t.Fatalf("typing event should not be echoed:\n%s", out.String())
	}

	tap.Stop()
	if strings.Count(out.String(), "\n") != 3 {
		t.Fatalf("expected 3 lines, got:\n%q", out.String())
	}
}

func TestRenderEventDeterministicRoomColour(t *testing.T) {
	a := roomStyle("!room:example.org")
	b := roomStyle("!room:example.org")
	if a.GetForeground() != b.GetForeground() {
		t.Fatal("room colour not stable across calls")
	}
}
