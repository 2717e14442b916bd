// Package gateway serves the window processes over a local websocket:
// every bus event is pushed as it happens, and command frames are
// dispatched to the engine with correlated replies.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/retroim/buddyd/internal/bus"
	"github.com/retroim/buddyd/internal/engine"
	"github.com/retroim/buddyd/pkg/log"
)

// SessionGauge tracks the number of attached windows. The metrics
// package satisfies it.
type SessionGauge interface {
	SetGatewaySessions(n int)
}

type nopGauge struct{}

func (nopGauge) SetGatewaySessions(int) {}

// Server is the websocket endpoint the desktop windows connect to.
type Server struct {
	addr   string
	engine *engine.Engine
	bus    *bus.Bus
	gauge  SessionGauge

	httpServer *http.Server

	mu       sync.Mutex
	sessions map[string]*session
}

// NewServer creates a gateway bound to addr. gauge may be nil.
func NewServer(addr string, eng *engine.Engine, b *bus.Bus, gauge SessionGauge) *Server {
	if gauge == nil {
		gauge = nopGauge{}
	}
	s := &Server{
		addr:     addr,
		engine:   eng,
		bus:      b,
		gauge:    gauge,
		sessions: make(map[string]*session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", healthzHandler)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Stop is called. Blocks.
func (s *Server) Start() error {
	log.WithField("addr", s.addr).Info("starting gateway")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("gateway failed")
		return fmt.Errorf("gateway failed: %w", err)
	}
	return nil
}

// Stop closes all window sessions and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	log.Info("stopping gateway")

	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.close()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway shutdown failed: %w", err)
	}
	return nil
}

// Handler exposes the gateway routes for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SessionCount reports the number of connected windows.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// The gateway binds to loopback; windows on the same machine are the
// only expected peers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Error("websocket upgrade failed")
		return
	}

	sess := &session{
		id:     uuid.New().String(),
		conn:   conn,
		sub:    s.bus.Subscribe(),
		out:    make(chan interface{}, 16),
		engine: s.engine,
		server: s,
	}
	s.addSession(sess)
	log.WithField("session", sess.id).Info("window connected")

	go sess.sendLoop()
	go sess.recvLoop()
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	s.gauge.SetGatewaySessions(n)
}

func (s *Server) delSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	n := len(s.sessions)
	s.mu.Unlock()
	s.bus.Unsubscribe(sess.sub)
	s.gauge.SetGatewaySessions(n)
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok","service":"buddyd"}`)
}
