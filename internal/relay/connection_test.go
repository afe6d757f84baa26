package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toio-swarm/control-server/internal/testrelay"
	"github.com/toio-swarm/control-server/internal/wire"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConnectionReachesConnectedState(t *testing.T) {
	server := testrelay.NewServer()
	defer server.Close()

	conn := NewConnection(Options{RelayID: "relay-1", URI: server.URL(), ReconnectDelay: 20 * time.Millisecond})
	conn.Start()
	defer conn.Stop()

	waitFor(t, time.Second, func() bool { return conn.State() == Connected })
}

func TestConnectionRejectsNonWsScheme(t *testing.T) {
	var mu sync.Mutex
	var lastMsg string
	conn := NewConnection(Options{RelayID: "relay-1", URI: "wss://example.invalid", ReconnectDelay: 5 * time.Millisecond})
	conn.SetStatusHandler(func(state State, message string) {
		mu.Lock()
		defer mu.Unlock()
		if state == Stopped {
			lastMsg = message
		}
	})
	conn.Start()
	defer conn.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lastMsg != ""
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, lastMsg, "only ws://")
}

func TestConnectionDeliversDecodedEnvelope(t *testing.T) {
	server := testrelay.NewServer()
	defer server.Close()

	received := make(chan wire.RelayEnvelope, 1)
	conn := NewConnection(Options{RelayID: "relay-1", URI: server.URL(), ReconnectDelay: 20 * time.Millisecond})
	conn.SetMessageHandler(func(env wire.RelayEnvelope) { received <- env })
	conn.Start()
	defer conn.Stop()

	waitFor(t, time.Second, func() bool { return conn.State() == Connected })
	require.NoError(t, server.Send(map[string]any{
		"type":    "system",
		"payload": map[string]any{"status": "connected", "target": "ABC", "message": "ok"},
	}))

	select {
	case env := <-received:
		assert.Equal(t, "system", env.Type)
	case <-time.After(time.Second):
		t.Fatal("did not receive envelope")
	}
}

func TestSendDropsWhenNotConnected(t *testing.T) {
	conn := NewConnection(Options{RelayID: "relay-1", URI: "ws://127.0.0.1:1"})
	conn.Send(wire.NewQuery("battery", "ABC", false))
}

func TestStopIsIdempotent(t *testing.T) {
	server := testrelay.NewServer()
	defer server.Close()

	conn := NewConnection(Options{RelayID: "relay-1", URI: server.URL(), ReconnectDelay: 20 * time.Millisecond})
	conn.Start()
	waitFor(t, time.Second, func() bool { return conn.State() == Connected })

	conn.Stop()
	conn.Stop()
	waitFor(t, time.Second, func() bool { return conn.State() == Stopped })
}
