// Package verify tracks interactive SAS verification. One session is
// active at a time; further incoming requests queue in arrival order
// and are promoted when the active one leaves its terminal display
// window.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/retroim/buddyd/internal/bus"
	"github.com/retroim/buddyd/internal/model"
)

// Phase is the lifecycle stage of a verification session.
type Phase string

const (
	PhaseRequested Phase = "requested"
	PhaseWaiting   Phase = "waiting"
	PhaseEmoji     Phase = "emoji"
	PhaseDone      Phase = "done"
	PhaseCancelled Phase = "cancelled"
)

func (p Phase) terminal() bool {
	return p == PhaseDone || p == PhaseCancelled
}

// ErrNoSession is returned by local actions when nothing is active or
// the active session is in the wrong phase.
var ErrNoSession = errors.New("no verification session in that phase")

// Sender issues to-device events for the session peer.
type Sender interface {
	SendToDevice(ctx context.Context, eventType, userID, deviceID string, content interface{}) error
}

// Session is a snapshot of one verification exchange.
type Session struct {
	TransactionID string
	UserID        string
	DeviceID      string
	Phase         Phase
	Emojis        []model.VerificationEmoji
}

// Machine serializes verification sessions.
type Machine struct {
	mu           sync.Mutex
	active       *Session
	queue        []Session
	send         Sender
	publish      func(bus.Event)
	displayDelay time.Duration
}

// New creates a machine. displayDelay is how long a finished session
// stays visible before the next queued request is promoted.
func New(send Sender, publish func(bus.Event), displayDelay time.Duration) *Machine {
	return &Machine{send: send, publish: publish, displayDelay: displayDelay}
}

// Active returns the current session, if any.
func (m *Machine) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Session{}, false
	}
	return *m.active, true
}

// QueueLen reports how many requests wait behind the active session.
func (m *Machine) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// OnRequested handles an incoming m.key.verification.request. With a
// session already active the request queues; duplicates are dropped.
func (m *Machine) OnRequested(txnID, userID, deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.TransactionID == txnID {
		return
	}
	for _, queued := range m.queue {
		if queued.TransactionID == txnID {
			return
		}
	}

	sess := Session{TransactionID: txnID, UserID: userID, DeviceID: deviceID, Phase: PhaseRequested}
	if m.active != nil {
		m.queue = append(m.queue, sess)
		return
	}
	m.activateLocked(sess)
}

func (m *Machine) activateLocked(sess Session) {
	sess.Phase = PhaseRequested
	m.active = &sess
	m.publish(bus.Event{Type: bus.TypeVerifyRequest, Payload: bus.VerifyPayload{
		TransactionID: sess.TransactionID,
		UserID:        sess.UserID,
	}})
}

// Accept acknowledges the active request and moves to waiting for the
// peer's key material.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.active == nil || m.active.Phase != PhaseRequested {
		m.mu.Unlock()
		return ErrNoSession
	}
	sess := *m.active
	m.active.Phase = PhaseWaiting
	m.mu.Unlock()

	content := map[string]interface{}{
		"transaction_id": sess.TransactionID,
		"methods":        []string{"m.sas.v1"},
	}
	if err := m.send.SendToDevice(ctx, "m.key.verification.ready", sess.UserID, sess.DeviceID, content); err != nil {
		return fmt.Errorf("verification accept: %w", err)
	}
	return nil
}

// OnEmojis presents the comparison set for the active session. Ignored
// unless the session accepted and is waiting.
func (m *Machine) OnEmojis(txnID string, emojis []model.VerificationEmoji) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.TransactionID != txnID || m.active.Phase != PhaseWaiting {
		return
	}
	m.active.Phase = PhaseEmoji
	m.active.Emojis = emojis
	m.publish(bus.Event{Type: bus.TypeVerifyEmojis, Payload: bus.VerifyPayload{
		TransactionID: txnID,
		UserID:        m.active.UserID,
		Emojis:        emojis,
	}})
}

// Confirm reports that the user compared the emojis and they match.
func (m *Machine) Confirm(ctx context.Context) error {
	m.mu.Lock()
	if m.active == nil || m.active.Phase != PhaseEmoji {
		m.mu.Unlock()
		return ErrNoSession
	}
	sess := *m.active
	m.finishLocked(PhaseDone, "")
	m.mu.Unlock()

	content := map[string]interface{}{"transaction_id": sess.TransactionID}
	if err := m.send.SendToDevice(ctx, "m.key.verification.done", sess.UserID, sess.DeviceID, content); err != nil {
		return fmt.Errorf("verification confirm: %w", err)
	}
	return nil
}

// Cancel aborts the active session from any non-terminal phase.
func (m *Machine) Cancel(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.active == nil || m.active.Phase.terminal() {
		m.mu.Unlock()
		return ErrNoSession
	}
	sess := *m.active
	m.finishLocked(PhaseCancelled, reason)
	m.mu.Unlock()

	content := map[string]interface{}{
		"transaction_id": sess.TransactionID,
		"code":           "m.user",
		"reason":         reason,
	}
	if err := m.send.SendToDevice(ctx, "m.key.verification.cancel", sess.UserID, sess.DeviceID, content); err != nil {
		return fmt.Errorf("verification cancel: %w", err)
	}
	return nil
}

// OnDone handles the peer's m.key.verification.done.
func (m *Machine) OnDone(txnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.TransactionID != txnID || m.active.Phase.terminal() {
		return
	}
	m.finishLocked(PhaseDone, "")
}

// OnCancelled handles the peer's m.key.verification.cancel, for the
// active session or any queued one.
func (m *Machine) OnCancelled(txnID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.TransactionID == txnID {
		if !m.active.Phase.terminal() {
			m.finishLocked(PhaseCancelled, reason)
		}
		return
	}
	for i, queued := range m.queue {
		if queued.TransactionID == txnID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// finishLocked moves the active session to a terminal phase, announces
// it and schedules the display-window expiry.
func (m *Machine) finishLocked(phase Phase, reason string) {
	m.active.Phase = phase
	txnID := m.active.TransactionID
	userID := m.active.UserID

	eventType := bus.TypeVerifyDone
	if phase == PhaseCancelled {
		eventType = bus.TypeVerifyCancelled
	}
	m.publish(bus.Event{Type: eventType, Payload: bus.VerifyPayload{
		TransactionID: txnID,
		UserID:        userID,
		Reason:        reason,
	}})

	time.AfterFunc(m.displayDelay, func() { m.expire(txnID) })
}

// expire clears a terminal session from the active slot and promotes
// the next queued request.
func (m *Machine) expire(txnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.TransactionID != txnID || !m.active.Phase.terminal() {
		return
	}
	m.active = nil
	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.activateLocked(next)
	}
}

// Reset drops all sessions. Used on logout.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.active = nil
	m.queue = nil
	m.mu.Unlock()
}
