// Package relay owns the upstream WebSocket link to one relay process and
// the routing/bootstrap logic that sits on top of a pool of them.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toio-swarm/control-server/internal/wire"
)

// State is RelayConnection's lifecycle state.
type State int

const (
	Stopped State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	defaultReconnectDelay = 2000 * time.Millisecond
	maxReadBytes          = 1 << 20 // 1 MiB
	outboundQueueSize     = 256
)

// MessageHandler receives every successfully decoded inbound envelope.
type MessageHandler func(wire.RelayEnvelope)

// StatusHandler receives every connection state transition.
type StatusHandler func(state State, message string)

// Options configures a Connection.
type Options struct {
	RelayID        string
	URI            string
	ReconnectDelay time.Duration
}

// Connection is one upstream relay WebSocket link. Start/Stop are
// idempotent. Internally it runs three goroutines: a connection strand
// that owns state transitions and reconnect scheduling, a write strand
// that drains the outbound queue one frame at a time, and a blocking
// reader that hands each decoded envelope straight to the message handler
// and, on a read error, reports Stopped and ends the live connection so
// the connection strand can schedule a reconnect.
type Connection struct {
	opts Options

	onMessage MessageHandler
	onStatus  StatusHandler

	mu      sync.Mutex
	state   State
	stopped bool
	cancel  context.CancelFunc

	outbound chan []byte
	done     chan struct{}
}

// NewConnection builds a Connection in the Stopped state. It does not dial
// until Start is called.
func NewConnection(opts Options) *Connection {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	return &Connection{
		opts:     opts,
		state:    Stopped,
		outbound: make(chan []byte, outboundQueueSize),
	}
}

// SetMessageHandler registers the callback for decoded inbound envelopes.
// Must be called before Start.
func (c *Connection) SetMessageHandler(h MessageHandler) { c.onMessage = h }

// SetStatusHandler registers the callback for state transitions. Must be
// called before Start.
func (c *Connection) SetStatusHandler(h StatusHandler) { c.onStatus = h }

// RelayID returns the configured relay identifier.
func (c *Connection) RelayID() string { return c.opts.RelayID }

// Start begins the connect/reconnect loop. Calling Start on an
// already-started Connection is a no-op.
func (c *Connection) Start() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.stopped = false
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.connectionStrand(ctx)
}

// Stop tears down the connection and cancels any pending reconnect.
// Idempotent: calling Stop twice, or before Start, is safe.
func (c *Connection) Stop() {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// Send enqueues a frame for the write strand. If Connection is not
// currently connected, or the outbound queue is full, the frame is
// dropped rather than blocking the caller.
func (c *Connection) Send(env wire.RelayEnvelope) {
	if c.State() != Connected {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.outbound <- data:
	default:
		log.Printf("relay %s: outbound queue full, dropping frame", c.opts.RelayID)
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State, message string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onStatus != nil {
		c.onStatus(s, message)
	}
}

func (c *Connection) connectionStrand(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.setState(Stopped, "stopped")
			return
		default:
		}

		c.setState(Connecting, "dialing "+c.opts.URI)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(Stopped, err.Error())
			if !c.waitReconnect(ctx) {
				return
			}
			continue
		}

		c.setState(Connected, "connected")
		c.runConnection(ctx, conn)

		select {
		case <-ctx.Done():
			c.setState(Stopped, "stopped")
			return
		default:
		}
		if !c.waitReconnect(ctx) {
			return
		}
	}
}

func (c *Connection) waitReconnect(ctx context.Context) bool {
	timer := time.NewTimer(c.opts.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	parsed, err := url.Parse(c.opts.URI)
	if err != nil {
		return nil, fmt.Errorf("relay %s: invalid uri: %w", c.opts.RelayID, err)
	}
	if parsed.Scheme != "ws" {
		return nil, fmt.Errorf("relay %s: only ws:// uris are supported, got %q", c.opts.RelayID, parsed.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.opts.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("relay %s: dial failed: %w", c.opts.RelayID, err)
	}
	conn.SetReadLimit(maxReadBytes)
	return conn, nil
}

// runConnection drives one live socket until it errs out or ctx is
// cancelled, running the write strand and the blocking reader
// concurrently and waiting for both to finish.
func (c *Connection) runConnection(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the socket on cancellation unblocks the reader's ReadMessage.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.writeStrand(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		c.readLoop(connCtx, conn)
		cancel()
	}()

	wg.Wait()
	conn.Close()
}

func (c *Connection) writeStrand(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.outbound:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.setState(Stopped, err.Error())
			}
			return
		}

		var env wire.RelayEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("relay %s: discarding malformed frame: %v", c.opts.RelayID, err)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(env)
		}
	}
}
