// Package console echoes bus events to the terminal while buddyd
// serves, so a headless run still shows the conversation flowing.
package console

import (
	"fmt"
	"hash/fnv"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/retroim/buddyd/internal/bus"
)

var (
	senderStyle = lipgloss.NewStyle().Bold(true)

	statusStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.Color("244"))

	inviteStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("226"))

	deletedStyle = lipgloss.NewStyle().Faint(true)

	// Each room gets a stable colour from this palette.
	roomPalette = []string{"39", "42", "86", "99", "135", "172", "203", "214"}
)

// Tap mirrors selected bus events onto out until stopped.
type Tap struct {
	out  io.Writer
	bus  *bus.Bus
	sub  *bus.Subscriber
	done chan struct{}
}

// New creates a tap writing to out.
func New(out io.Writer, b *bus.Bus) *Tap {
	return &Tap{out: out, bus: b}
}

// Start subscribes and begins echoing. Safe to call once.
func (t *Tap) Start() {
	t.sub = t.bus.Subscribe()
	t.done = make(chan struct{})
	go t.run()
}

// Stop detaches from the bus and waits for the echo loop to finish.
func (t *Tap) Stop() {
	if t.sub == nil {
		return
	}
	t.bus.Unsubscribe(t.sub)
	<-t.done
}

func (t *Tap) run() {
	defer close(t.done)
	for evt := range t.sub.Events() {
		if line := renderEvent(evt); line != "" {
			fmt.Fprintln(t.out, line)
		}
	}
}

func roomStyle(roomID string) lipgloss.Style {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	colour := roomPalette[h.Sum32()%uint32(len(roomPalette))]
	return lipgloss.NewStyle().Foreground(lipgloss.Color(colour))
}

func renderEvent(evt bus.Event) string {
	switch evt.Type {
	case bus.TypeMessageNew:
		p, ok := evt.Payload.(bus.MessagePayload)
		if !ok {
			return ""
		}
		stamp := time.UnixMilli(p.Message.Timestamp).Format("15:04")
		return fmt.Sprintf("[%s] %s %s %s",
			stamp,
			roomStyle(p.RoomID).Render(p.RoomID),
			senderStyle.Render("<"+p.Message.SenderName+">"),
			p.Message.Body)

	case bus.TypeMessageEdited:
		p, ok := evt.Payload.(bus.MessagePayload)
		if !ok {
			return ""
		}
		return fmt.Sprintf("%s %s %s (edited)",
			roomStyle(p.RoomID).Render(p.RoomID),
			senderStyle.Render("<"+p.Message.SenderName+">"),
			p.Message.Body)

	case bus.TypeMessageDeleted:
		p, ok := evt.Payload.(bus.MessageDeletedPayload)
		if !ok {
			return ""
		}
		return fmt.Sprintf("%s %s",
			roomStyle(p.RoomID).Render(p.RoomID),
			deletedStyle.Render("message removed"))

	case bus.TypeSyncStatus:
		p, ok := evt.Payload.(bus.SyncStatusPayload)
		if !ok {
			return ""
		}
		line := "connection: " + string(p.State)
		if p.Error != "" {
			line += " (" + p.Error + ")"
		}
		return statusStyle.Render(line)

	case bus.TypeInviteNew:
		p, ok := evt.Payload.(bus.InvitePayload)
		if !ok {
			return ""
		}
		name := p.Invite.RoomName
		if name == "" {
			name = p.Invite.RoomID
		}
		from := p.Invite.InviterName
		if from == "" {
			from = p.Invite.Inviter
		}
		return inviteStyle.Render(fmt.Sprintf("invite to %s from %s", name, from))
	}
	return ""
}
