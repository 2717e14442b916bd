package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/retroim/buddyd/internal/bus"
	"github.com/retroim/buddyd/internal/engine"
	"github.com/retroim/buddyd/pkg/log"
)

const (
	// Time allowed to write a frame to the window.
	writeWait = 3 * time.Second

	// Ping period; must be shorter than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong from the window.
	pongWait = 25 * time.Second

	// Max incoming frame size. Upload frames carry base64 payloads.
	readLimit = 16 << 20
)

// pushEnvelope is a server-initiated event frame.
type pushEnvelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// request is a window-initiated command frame.
type request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response correlates with a request by ID.
type response struct {
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *wireError  `json:"error,omitempty"`
}

// session is one connected window: a bus subscription pushed out plus
// a command dispatch loop reading in. A single writer goroutine owns
// the connection for writes.
type session struct {
	id     string
	conn   *websocket.Conn
	sub    *bus.Subscriber
	out    chan interface{}
	engine *engine.Engine
	server *Server

	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
		s.conn.Close()
		s.server.delSession(s)
		log.WithField("session", s.id).Info("window disconnected")
	})
}

func (s *session) reply(resp response) {
	select {
	case s.out <- resp:
	default:
		// Window is not draining replies; drop the connection rather
		// than block the read loop.
		log.WithField("session", s.id).Warn("reply queue full, closing window session")
		s.close()
	}
}

func (s *session) writeFrame(v interface{}) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *session) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		s.close()
	}()

	for {
		select {
		case evt, ok := <-s.sub.Events():
			if !ok {
				return
			}
			if err := s.writeFrame(pushEnvelope{Type: evt.Type, Payload: evt.Payload}); err != nil {
				log.WithError(err).WithField("session", s.id).Debug("event push failed")
				return
			}
		case resp := <-s.out:
			if err := s.writeFrame(resp); err != nil {
				log.WithError(err).WithField("session", s.id).Debug("reply write failed")
				return
			}
		case <-pingTicker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) recvLoop() {
	defer s.close()

	s.conn.SetReadLimit(readLimit)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			s.reply(response{OK: false, Error: &wireError{Code: "bad_request", Message: "only text frames are supported"}})
			continue
		}

		var req request
		if err := json.Unmarshal(msg, &req); err != nil {
			s.reply(response{OK: false, Error: &wireError{Code: "bad_request", Message: "malformed frame: " + err.Error()}})
			continue
		}

		result, err := s.dispatch(req)
		if err != nil {
			s.reply(response{ID: req.ID, OK: false, Error: toWireError(err)})
			continue
		}
		s.reply(response{ID: req.ID, OK: true, Result: result})
	}
}
