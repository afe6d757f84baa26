// Package testrelay provides an in-process fake relay WebSocket server for
// exercising relay.Connection and relay.Manager without a real upstream
// relay process: a purely request-driven stand-in that speaks the actual
// relay wire protocol and sends only what the test pushes with Send.
package testrelay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server is a minimal fake relay: it accepts WebSocket clients, hands every
// decoded envelope to a test-supplied handler, and lets the test push
// envelopes with Send to the most recently accepted client.
type Server struct {
	httpServer *httptest.Server

	mu   sync.Mutex
	conn *websocket.Conn

	OnEnvelope func(envelope map[string]any)
}

// NewServer starts a fake relay listening on an ephemeral local port.
func NewServer() *Server {
	s := &Server{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.httpServer = httptest.NewServer(mux)
	return s
}

// URL returns the ws:// URL clients should dial.
func (s *Server) URL() string {
	return "ws" + s.httpServer.URL[len("http"):]
}

// Close tears down the fake relay and any connected client.
func (s *Server) Close() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.httpServer.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if s.OnEnvelope == nil {
			continue
		}
		var env map[string]any
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		s.OnEnvelope(env)
	}
}

// Send pushes a raw envelope value to the currently connected client, if
// any. It is a no-op if no client is connected yet.
func (s *Server) Send(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
