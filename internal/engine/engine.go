// Package engine is the connection manager, sync loop and command
// surface: it owns the homeserver client, drives the state store from
// the event stream and publishes changes on the bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/retroim/buddyd/internal/bus"
	"github.com/retroim/buddyd/internal/matrix"
	"github.com/retroim/buddyd/internal/model"
	"github.com/retroim/buddyd/internal/session"
	"github.com/retroim/buddyd/internal/state"
	"github.com/retroim/buddyd/internal/verify"
	"github.com/retroim/buddyd/pkg/config"
	"github.com/retroim/buddyd/pkg/log"
)

// Recorder receives operational measurements. The metrics package
// satisfies it; a no-op stands in when metrics are disabled.
type Recorder interface {
	RecordSyncBatch(seconds float64)
	RecordSyncFailure()
	RecordEvent(eventType string)
	RecordCommand(command string, seconds float64, err error)
	RecordReconnect()
	RecordCooldown()
}

type nopRecorder struct{}

func (nopRecorder) RecordSyncBatch(float64)              {}
func (nopRecorder) RecordSyncFailure()                   {}
func (nopRecorder) RecordEvent(string)                   {}
func (nopRecorder) RecordCommand(string, float64, error) {}
func (nopRecorder) RecordReconnect()                     {}
func (nopRecorder) RecordCooldown()                      {}

// Engine ties the client, state store, bus and verification machine
// together behind the command surface.
type Engine struct {
	cfg      *config.Config
	store    *state.Store
	bus      *bus.Bus
	sessions *session.Store
	verifier *verify.Machine
	rec      Recorder

	mu         sync.Mutex
	client     *matrix.Client
	connState  model.ConnState
	syncCancel context.CancelFunc
	syncDone   chan struct{}
	nextBatch  string
	deviceID   string

	// spaceMeta accumulates space definitions across sync batches.
	// Touched only by the sync goroutine.
	spaceMeta map[string]*model.Space
}

// New creates an engine in the absent state. rec may be nil.
func New(cfg *config.Config, store *state.Store, b *bus.Bus, sessions *session.Store, rec Recorder) *Engine {
	if rec == nil {
		rec = nopRecorder{}
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		bus:       b,
		sessions:  sessions,
		rec:       rec,
		connState: model.ConnAbsent,
	}
	delay := time.Duration(cfg.Verification.DisplayDelayMs) * time.Millisecond
	e.verifier = verify.New(e, e.publishOne, delay)
	return e
}

// SendToDevice lets the verification machine issue to-device events
// through whatever client is currently connected.
func (e *Engine) SendToDevice(ctx context.Context, eventType, userID, deviceID string, content interface{}) error {
	client := e.currentClient()
	if client == nil {
		return &model.ConnError{Message: "not connected"}
	}
	return client.SendToDevice(ctx, eventType, userID, deviceID, content)
}

// ConnState returns the current connection state.
func (e *Engine) ConnState() model.ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connState
}

// UserID returns the logged-in user, empty when absent.
func (e *Engine) UserID() string {
	return e.store.Self()
}

// Verifier exposes the verification machine for local SAS actions.
func (e *Engine) Verifier() *verify.Machine {
	return e.verifier
}

func (e *Engine) currentClient() *matrix.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

func (e *Engine) publishOne(evt bus.Event) {
	e.bus.Publish(evt)
	e.rec.RecordEvent(evt.Type)
}

func (e *Engine) publish(events []bus.Event) {
	for _, evt := range events {
		e.publishOne(evt)
	}
}

// setConnState transitions the connection state and announces it.
func (e *Engine) setConnState(next model.ConnState, errMsg string) {
	e.mu.Lock()
	if e.connState == next {
		e.mu.Unlock()
		return
	}
	e.connState = next
	e.mu.Unlock()

	log.WithField("state", string(next)).Info("connection state changed")
	e.publishOne(bus.Event{Type: bus.TypeSyncStatus, Payload: bus.SyncStatusPayload{State: next, Error: errMsg}})
}

func (e *Engine) config() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) requestTimeout() time.Duration {
	return time.Duration(e.config().Homeserver.RequestTimeoutMs) * time.Millisecond
}

func (e *Engine) syncTimeout() time.Duration {
	return time.Duration(e.config().Homeserver.SyncTimeoutMs) * time.Millisecond
}

// UpdateConfig applies a reloaded configuration. Request pacing and the
// sync long-poll window take effect without a reconnect.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.mu.Lock()
	e.cfg = cfg
	client := e.client
	e.mu.Unlock()

	if client != nil {
		client.ConfigureLimiter(cfg.Homeserver.RateLimit, cfg.Homeserver.RateBurst)
	}
	log.WithFields(map[string]interface{}{
		"rate_limit": cfg.Homeserver.RateLimit,
		"sync_ms":    cfg.Homeserver.SyncTimeoutMs,
	}).Info("engine configuration updated")
}

// Login performs a password login, persists the session and starts the
// sync loop.
func (e *Engine) Login(ctx context.Context, homeserver, username, password string) (string, error) {
	e.setConnState(model.ConnConnecting, "")

	result, err := matrix.LoginWithPassword(ctx, homeserver, username, password, e.config().Homeserver.DeviceName)
	if err != nil {
		e.setConnState(model.ConnAbsent, err.Error())
		return "", err
	}
	return e.adopt(homeserver, result)
}

// Register creates an account via the interactive-auth handshake and
// logs straight in.
func (e *Engine) Register(ctx context.Context, homeserver, username, password string) (string, error) {
	e.setConnState(model.ConnConnecting, "")

	result, err := matrix.Register(ctx, homeserver, username, password, e.config().Homeserver.DeviceName)
	if err != nil {
		e.setConnState(model.ConnAbsent, err.Error())
		return "", err
	}
	return e.adopt(homeserver, result)
}

// adopt installs fresh credentials: persist, build the client, start
// syncing.
func (e *Engine) adopt(homeserver string, result *matrix.LoginResult) (string, error) {
	sess := &session.Session{
		HomeserverURL: homeserver,
		UserID:        result.UserID,
		AccessToken:   result.AccessToken,
		DeviceID:      result.DeviceID,
		RefreshToken:  result.RefreshToken,
	}
	if err := e.sessions.Save(sess); err != nil {
		log.WithError(err).Warn("failed to persist session; login continues for this run")
	}
	e.connect(sess)
	return result.UserID, nil
}

// RestoreSession resumes from persisted credentials. model.ErrNoSession
// when nothing is stored; ConnError when the stored token is rejected.
func (e *Engine) RestoreSession(ctx context.Context) (string, error) {
	sess, err := e.sessions.Load()
	if err != nil {
		return "", err
	}

	e.setConnState(model.ConnConnecting, "")
	cfg := e.config()
	client := matrix.NewClient(sess.HomeserverURL, sess.AccessToken, sess.UserID, e.requestTimeout())
	client.ConfigureLimiter(cfg.Homeserver.RateLimit, cfg.Homeserver.RateBurst)

	probeCtx, cancel := context.WithTimeout(ctx, e.requestTimeout())
	defer cancel()
	userID, err := client.WhoAmI(probeCtx)
	if err != nil {
		e.setConnState(model.ConnAbsent, err.Error())
		var connErr *model.ConnError
		if errors.As(err, &connErr) {
			return "", connErr
		}
		return "", &model.ConnError{Message: fmt.Sprintf("stored session rejected: %v", err), Err: err}
	}
	if userID != sess.UserID {
		e.setConnState(model.ConnAbsent, "session user mismatch")
		return "", &model.ConnError{Message: "stored session belongs to a different user"}
	}

	e.connect(sess)
	return sess.UserID, nil
}

// connect builds the client from a session and starts the sync loop.
func (e *Engine) connect(sess *session.Session) {
	// requestTimeout locks e.mu itself, so resolve it first.
	timeout := e.requestTimeout()

	e.mu.Lock()
	e.client = matrix.NewClient(sess.HomeserverURL, sess.AccessToken, sess.UserID, timeout)
	e.client.ConfigureLimiter(e.cfg.Homeserver.RateLimit, e.cfg.Homeserver.RateBurst)
	e.deviceID = sess.DeviceID
	e.mu.Unlock()

	e.store.SetSelf(sess.UserID)
	e.startSyncLoop()
	e.setConnState(model.ConnLive, "")
}

// startSyncLoop launches the sync goroutine, replacing any previous one.
func (e *Engine) startSyncLoop() {
	e.stopSyncLoop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.mu.Lock()
	e.syncCancel = cancel
	e.syncDone = done
	client := e.client
	e.mu.Unlock()

	go e.runSync(ctx, client, done)
}

// stopSyncLoop cancels the sync goroutine and waits for it to exit.
func (e *Engine) stopSyncLoop() {
	e.mu.Lock()
	cancel := e.syncCancel
	done := e.syncDone
	e.syncCancel = nil
	e.syncDone = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Logout invalidates the session remotely (best effort), erases it
// locally and drops all state.
func (e *Engine) Logout(ctx context.Context) error {
	e.stopSyncLoop()

	if client := e.currentClient(); client != nil {
		logoutCtx, cancel := context.WithTimeout(ctx, e.requestTimeout())
		if err := client.Logout(logoutCtx); err != nil {
			log.WithError(err).Warn("remote logout failed; clearing local session anyway")
		}
		cancel()
	}

	if err := e.sessions.Clear(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	e.mu.Lock()
	e.client = nil
	e.nextBatch = ""
	e.mu.Unlock()

	e.store.Reset()
	e.verifier.Reset()
	e.setConnState(model.ConnAbsent, "")
	return nil
}

// Disconnect stops syncing but keeps the session for a later
// Reconnect. Presence is marked offline best-effort.
func (e *Engine) Disconnect() {
	if client := e.currentClient(); client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.requestTimeout())
		if err := client.SetPresence(ctx, model.PresenceOffline); err != nil {
			log.WithError(err).Debug("failed to mark presence offline on disconnect")
		}
		cancel()
	}

	e.stopSyncLoop()
	e.setConnState(model.ConnDisconnected, "")
}

// Reconnect resumes syncing after Disconnect, or rebuilds the client
// from the stored session after a restart. Already live is a no-op
// success.
func (e *Engine) Reconnect(ctx context.Context) error {
	e.mu.Lock()
	if e.connState == model.ConnLive {
		e.mu.Unlock()
		return nil
	}
	client := e.client
	e.mu.Unlock()

	e.rec.RecordReconnect()

	if client == nil {
		_, err := e.RestoreSession(ctx)
		return err
	}

	e.setConnState(model.ConnConnecting, "")
	e.startSyncLoop()
	e.setConnState(model.ConnLive, "")
	return nil
}
