package gateway

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/toio-swarm/control-server/internal/wire"
)

const outboundBufferSize = 64

var defaultStreams = []string{"relay_status", "cube_update", "fleet_state", "log"}

// subscription is one session's stream/cube filter. An empty streams set
// means "every default stream"; an empty cubeFilter means "every cube".
type subscription struct {
	streams    map[string]struct{}
	cubeFilter map[string]struct{}
}

func defaultSubscription() subscription {
	streams := make(map[string]struct{}, len(defaultStreams))
	for _, s := range defaultStreams {
		streams[s] = struct{}{}
	}
	return subscription{streams: streams, cubeFilter: map[string]struct{}{}}
}

func (s subscription) allows(stream string) bool {
	if len(s.streams) == 0 {
		return true
	}
	_, ok := s.streams[stream]
	return ok
}

func (s subscription) allowsCube(cubeID string) bool {
	if len(s.cubeFilter) == 0 {
		return true
	}
	_, ok := s.cubeFilter[cubeID]
	return ok
}

// session is one connected UI client: a fiber/gofiber websocket connection
// plus a dedicated outbound goroutine so a slow peer can't stall any other
// session's delivery (the "per-session write strand").
type session struct {
	id   string
	conn *websocket.Conn

	outbound chan []byte
	sub      subscription
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		id:       uuid.NewString(),
		conn:     conn,
		outbound: make(chan []byte, outboundBufferSize),
		sub:      defaultSubscription(),
	}
}

// writePump drains outbound one frame at a time until the channel is
// closed or a write fails, at which point it closes the connection.
func (s *session) writePump() {
	for frame := range s.outbound {
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			_ = s.conn.Close()
			return
		}
	}
}

// enqueue drops the frame rather than blocking if the session's outbound
// buffer is full, matching RelayConnection.Send's enqueue-or-drop policy.
func (s *session) enqueue(envelopeType string, payload any) {
	env := wire.OutboundEnvelope{
		Type:      envelopeType,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("gateway: failed to marshal %s envelope: %v", envelopeType, err)
		return
	}
	select {
	case s.outbound <- data:
	default:
		log.Printf("gateway: session %s outbound buffer full, dropping %s frame", s.id, envelopeType)
	}
}
