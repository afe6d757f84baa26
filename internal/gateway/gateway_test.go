package gateway

import (
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	gfws "github.com/gofiber/websocket/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toio-swarm/control-server/internal/fleet"
	"github.com/toio-swarm/control-server/internal/registry"
	"github.com/toio-swarm/control-server/internal/wire"
)

type stubRelays struct {
	driveErr error
	ledErr   error
}

func (s *stubRelays) ManualDrive(targets []string, left, right int) error { return s.driveErr }
func (s *stubRelays) SetLed(targets []string, r, g, b int) error         { return s.ledErr }

// testHarness spins a real fiber + gofiber/websocket server around a
// Gateway, since the hub goroutine and session write pump only make sense
// wired to an actual connection.
type testHarness struct {
	gw   *Gateway
	addr string
	app  *fiber.App
}

func newHarness(t *testing.T, relays relayController) *testHarness {
	t.Helper()
	reg := registry.New(map[string]string{"ABC": "relay-1"})
	orch := fleet.New(reg)
	field := wire.FieldPayload{
		TopLeft:     wire.FieldPointPayload{X: 45, Y: 45},
		BottomRight: wire.FieldPointPayload{X: 455, Y: 455},
	}
	gw := New(reg, relays, orch, nil, field)
	go gw.Run()

	app := fiber.New()
	app.Get("/ws", gfws.New(gw.HandleConnection))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	go func() { _ = app.Listener(ln) }()

	t.Cleanup(func() {
		gw.Stop()
		_ = app.Shutdown()
	})

	return &testHarness{gw: gw, addr: addr, app: app}
}

func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", h.addr)
	var conn *websocket.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wire.OutboundEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env wire.OutboundEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestConnectReceivesInitialSnapshot(t *testing.T) {
	h := newHarness(t, &stubRelays{})
	conn := h.dial(t)
	defer conn.Close()

	env := readEnvelope(t, conn)
	assert.Equal(t, "snapshot", env.Type)
}

func TestSubscribeThenFieldInfoAndAck(t *testing.T) {
	h := newHarness(t, &stubRelays{})
	conn := h.dial(t)
	defer conn.Close()
	readEnvelope(t, conn) // initial snapshot

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":       "subscribe",
		"request_id": "req-1",
		"payload":    map[string]any{"streams": []string{"cube_update"}},
	}))

	ack := readEnvelope(t, conn)
	assert.Equal(t, "ack", ack.Type)

	fieldInfo := readEnvelope(t, conn)
	assert.Equal(t, "field_info", fieldInfo.Type)
}

func TestManualDriveErrorBecomesErrorEnvelope(t *testing.T) {
	h := newHarness(t, &stubRelays{driveErr: fmt.Errorf("relay not connected")})
	conn := h.dial(t)
	defer conn.Close()
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":       "manual_drive",
		"request_id": "req-2",
		"payload":    map[string]any{"targets": []string{"ABC"}, "left": 10, "right": 10},
	}))

	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)
	payloadBytes, _ := json.Marshal(env.Payload)
	var errPayload wire.ErrorPayload
	require.NoError(t, json.Unmarshal(payloadBytes, &errPayload))
	assert.Equal(t, wire.ErrCodeRelayError, errPayload.Code)
}

func TestSetGoalAcksWithGoalID(t *testing.T) {
	h := newHarness(t, &stubRelays{})
	conn := h.dial(t)
	defer conn.Close()
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":       "set_goal",
		"request_id": "req-3",
		"payload": map[string]any{
			"targets": []string{"ABC"},
			"goal":    map[string]any{"x": 1.0, "y": 2.0},
		},
	}))

	var ack wire.OutboundEnvelope
	var cubeUpdate, fleetState *wire.OutboundEnvelope
	for i := 0; i < 3; i++ {
		env := readEnvelope(t, conn)
		switch env.Type {
		case "ack":
			ack = env
		case "cube_update":
			cubeUpdate = &env
		case "fleet_state":
			fleetState = &env
		}
	}
	assert.Equal(t, "ack", ack.Type)
	ackBytes, _ := json.Marshal(ack.Payload)
	var ackPayload struct {
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(ackBytes, &ackPayload))
	assert.Equal(t, "goal-1", ackPayload.Details["goal_id"])
	assert.NotNil(t, cubeUpdate)
	assert.NotNil(t, fleetState)
}

func TestUnknownCommandTypeReturnsError(t *testing.T) {
	h := newHarness(t, &stubRelays{})
	conn := h.dial(t)
	defer conn.Close()
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "not_a_real_command"}))

	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)
}
