package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toio-swarm/control-server/internal/registry"
	"github.com/toio-swarm/control-server/internal/testrelay"
)

func newTestManager(t *testing.T, server *testrelay.Server) (*Manager, *registry.Registry) {
	t.Helper()
	reg := registry.New(map[string]string{"ABC": "relay-1"})
	mgr := NewManager(reg, 20, []RelayConfig{
		{ID: "relay-1", URI: server.URL(), Cubes: []string{"ABC"}},
	})
	return mgr, reg
}

func TestBootstrapSequenceSentOnConnect(t *testing.T) {
	server := testrelay.NewServer()
	defer server.Close()

	var mu sync.Mutex
	var cmds []string
	server.OnEnvelope = func(env map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		typ, _ := env["type"].(string)
		payload, _ := env["payload"].(map[string]any)
		if typ == "command" {
			cmd, _ := payload["cmd"].(string)
			cmds = append(cmds, "command:"+cmd)
		} else if typ == "query" {
			info, _ := payload["info"].(string)
			cmds = append(cmds, "query:"+info)
		}
	}

	mgr, _ := newTestManager(t, server)
	mgr.Start()
	defer mgr.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cmds) >= 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"command:connect", "query:position", "query:battery"}, cmds)
}

func TestManualDriveRejectsUnknownCube(t *testing.T) {
	server := testrelay.NewServer()
	defer server.Close()
	mgr, _ := newTestManager(t, server)

	err := mgr.ManualDrive([]string{"XXX"}, 50, 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestManualDriveRejectsWhenRelayDisconnected(t *testing.T) {
	server := testrelay.NewServer()
	defer server.Close()
	mgr, _ := newTestManager(t, server)

	err := mgr.ManualDrive([]string{"ABC"}, 50, 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestSetLedOptimisticallyUpdatesRegistry(t *testing.T) {
	server := testrelay.NewServer()
	defer server.Close()
	mgr, reg := newTestManager(t, server)

	var gotUpdate bool
	mgr.SetCubeUpdateCallback(func(changed []registry.CubeState) {
		if len(changed) > 0 {
			gotUpdate = true
		}
	})
	mgr.Start()
	defer mgr.Stop()

	waitFor(t, time.Second, func() bool {
		state, _ := reg.Get("ABC")
		return state.RelayID == "relay-1"
	})
	// Wait for the connection to actually be connected before sending.
	waitFor(t, time.Second, func() bool { return mgr.stateOf("relay-1") == Connected })

	require.NoError(t, mgr.SetLed([]string{"ABC"}, 10, 20, 30))

	state, _ := reg.Get("ABC")
	assert.Equal(t, registry.LED{R: 10, G: 20, B: 30}, state.Led)
	assert.True(t, gotUpdate, "SetLed must publish a cube_update when the registry actually changes")
}

func TestBootstrapMarksCubesConnected(t *testing.T) {
	server := testrelay.NewServer()
	defer server.Close()
	mgr, reg := newTestManager(t, server)
	mgr.Start()
	defer mgr.Stop()

	waitFor(t, time.Second, func() bool {
		state, _ := reg.Get("ABC")
		return state.Connected
	})
	state, _ := reg.Get("ABC")
	assert.True(t, state.Connected)
}

func TestHandleSystemDisconnectedClearsConnected(t *testing.T) {
	server := testrelay.NewServer()
	defer server.Close()
	mgr, reg := newTestManager(t, server)
	mgr.Start()
	defer mgr.Stop()

	waitFor(t, time.Second, func() bool {
		state, _ := reg.Get("ABC")
		return state.Connected
	})

	require.NoError(t, server.Send(map[string]any{
		"type":    "system",
		"payload": map[string]any{"status": "disconnected", "target": "ABC", "message": "cube lost"},
	}))

	waitFor(t, time.Second, func() bool {
		state, _ := reg.Get("ABC")
		return !state.Connected
	})
	state, _ := reg.Get("ABC")
	assert.False(t, state.Connected)
}

func TestHandlePositionResponseUpdatesRegistry(t *testing.T) {
	server := testrelay.NewServer()
	defer server.Close()
	mgr, reg := newTestManager(t, server)

	var gotUpdate bool
	mgr.SetCubeUpdateCallback(func(changed []registry.CubeState) {
		if len(changed) > 0 {
			gotUpdate = true
		}
	})
	mgr.Start()
	defer mgr.Stop()

	waitFor(t, time.Second, func() bool { return mgr.stateOf("relay-1") == Connected })

	require.NoError(t, server.Send(map[string]any{
		"type": "response",
		"payload": map[string]any{
			"info":   "position",
			"target": "ABC",
			"position": map[string]any{
				"x": 100.0, "y": 200.0, "angle": 45.0, "on_mat": true,
			},
		},
	}))

	waitFor(t, time.Second, func() bool {
		state, _ := reg.Get("ABC")
		return state.Position != nil
	})
	state, _ := reg.Get("ABC")
	assert.Equal(t, 100.0, state.Position.X)
	assert.Equal(t, 45.0, state.Position.Deg)
	assert.True(t, gotUpdate)
}

func TestHandleBatteryResponseUpdatesRegistry(t *testing.T) {
	server := testrelay.NewServer()
	defer server.Close()
	mgr, reg := newTestManager(t, server)
	mgr.Start()
	defer mgr.Stop()

	waitFor(t, time.Second, func() bool { return mgr.stateOf("relay-1") == Connected })

	require.NoError(t, server.Send(map[string]any{
		"type":    "response",
		"payload": map[string]any{"info": "battery", "target": "ABC", "battery_level": 73},
	}))

	waitFor(t, time.Second, func() bool {
		state, _ := reg.Get("ABC")
		return state.HasBattery
	})
	state, _ := reg.Get("ABC")
	assert.Equal(t, 73, state.Battery)
}

func TestHandleErrorInvokesLogCallback(t *testing.T) {
	server := testrelay.NewServer()
	defer server.Close()
	mgr, _ := newTestManager(t, server)

	logs := make(chan LogEvent, 1)
	mgr.SetLogCallback(func(ev LogEvent) { logs <- ev })
	mgr.Start()
	defer mgr.Stop()

	waitFor(t, time.Second, func() bool { return mgr.stateOf("relay-1") == Connected })

	require.NoError(t, server.Send(map[string]any{
		"type":    "error",
		"payload": map[string]any{"message": "boom"},
	}))

	select {
	case ev := <-logs:
		assert.Equal(t, "error", ev.Level)
		assert.Equal(t, "boom", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("did not receive log event")
	}
}
