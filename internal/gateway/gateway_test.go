package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/retroim/buddyd/internal/bus"
	"github.com/retroim/buddyd/internal/engine"
	"github.com/retroim/buddyd/internal/model"
	sessionstore "github.com/retroim/buddyd/internal/session"
	"github.com/retroim/buddyd/internal/state"
	"github.com/retroim/buddyd/pkg/config"
)

type recordingGauge struct {
	ch chan int
}

func (g *recordingGauge) SetGatewaySessions(n int) {
	select {
	case g.ch <- n:
	default:
	}
}

func newTestGateway(t *testing.T) (*Server, *bus.Bus, *httptest.Server, *recordingGauge) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Session.Path = filepath.Join(t.TempDir(), "session.db")

	sessions, err := sessionstore.Open(cfg.Session.Path)
	if err != nil {
		t.Fatalf("sessionstore.Open: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	b := bus.New()
	eng := engine.New(cfg, state.New(), b, sessions, nil)
	gauge := &recordingGauge{ch: make(chan int, 8)}

	srv := NewServer("127.0.0.1:0", eng, b, gauge)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return srv, b, httpSrv, gauge
}

func dialWS(t *testing.T, httpSrv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame map[string]interface{}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return frame
}

func TestHealthz(t *testing.T) {
	_, _, httpSrv, _ := newTestGateway(t)

	resp, err := http.Get(httpSrv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestEventPush(t *testing.T) {
	srv, b, httpSrv, _ := newTestGateway(t)
	conn := dialWS(t, httpSrv)

	// The subscription is registered once the session is tracked.
	deadline := time.Now().Add(3 * time.Second)
	for srv.SessionCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(bus.Event{Type: bus.TypeMessageNew, Payload: bus.MessagePayload{
		RoomID:  "!r:example.org",
		Message: model.Message{EventID: "$m1", Body: "hello"},
	}})

	frame := readFrame(t, conn)
	if frame["type"] != bus.TypeMessageNew {
		t.Fatalf("pushed type = %v", frame["type"])
	}
	payload, ok := frame["payload"].(map[string]interface{})
	if !ok {
		t.Fatalf("payload shape: %T", frame["payload"])
	}
	if payload["room_id"] != "!r:example.org" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestCommandDispatch(t *testing.T) {
	_, _, httpSrv, _ := newTestGateway(t)
	conn := dialWS(t, httpSrv)

	if err := conn.WriteJSON(map[string]interface{}{"id": "1", "command": "conn_state"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["id"] != "1" || frame["ok"] != true {
		t.Fatalf("reply = %v", frame)
	}
	result := frame["result"].(map[string]interface{})
	if result["state"] != string(model.ConnAbsent) {
		t.Fatalf("conn_state result = %v", result)
	}

	// Queries work without a connection.
	if err := conn.WriteJSON(map[string]interface{}{"id": "2", "command": "rooms"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	frame = readFrame(t, conn)
	if frame["id"] != "2" || frame["ok"] != true {
		t.Fatalf("rooms reply = %v", frame)
	}
}

func TestCommandErrors(t *testing.T) {
	_, _, httpSrv, _ := newTestGateway(t)
	conn := dialWS(t, httpSrv)

	tests := []struct {
		id       string
		command  string
		params   interface{}
		wantCode string
	}{
		{"1", "warp_drive", nil, "invalid_params"},
		{"2", "send_message", map[string]string{"room_id": "!r:x", "body": ""}, "invalid_params"},
		{"3", "send_message", map[string]string{"room_id": "!r:x", "body": "hi"}, "connection"},
		{"4", "restore_session", nil, "no_session"},
	}
	for _, tt := range tests {
		req := map[string]interface{}{"id": tt.id, "command": tt.command}
		if tt.params != nil {
			req["params"] = tt.params
		}
		if err := conn.WriteJSON(req); err != nil {
			t.Fatalf("WriteJSON %s: %v", tt.command, err)
		}
		frame := readFrame(t, conn)
		if frame["id"] != tt.id || frame["ok"] != false {
			t.Fatalf("%s reply = %v", tt.command, frame)
		}
		wireErr := frame["error"].(map[string]interface{})
		if wireErr["code"] != tt.wantCode {
			t.Fatalf("%s error code = %v, want %s", tt.command, wireErr["code"], tt.wantCode)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv, _, httpSrv, gauge := newTestGateway(t)
	conn := dialWS(t, httpSrv)

	if n := <-gauge.ch; n != 1 {
		t.Fatalf("gauge after connect = %d", n)
	}
	if srv.SessionCount() != 1 {
		t.Fatalf("session count = %d", srv.SessionCount())
	}

	conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for srv.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not removed after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMalformedFrame(t *testing.T) {
	_, _, httpSrv, _ := newTestGateway(t)
	conn := dialWS(t, httpSrv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["ok"] != false {
		t.Fatalf("reply = %v", frame)
	}
	var wireErr map[string]interface{}
	data, _ := json.Marshal(frame["error"])
	json.Unmarshal(data, &wireErr)
	if wireErr["code"] != "bad_request" {
		t.Fatalf("error = %v", wireErr)
	}
}
