package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/toio-swarm/control-server/internal/registry"
	"github.com/toio-swarm/control-server/internal/wire"
)

// ErrUnknownCube is returned (wrapped) whenever a command targets a cube id
// not present in any relay's cube list, so callers can distinguish it from
// a relay being disconnected.
var ErrUnknownCube = errors.New("cube is not registered to any relay")

// RelayConfig describes one upstream relay and the cubes routed to it, the
// subset of config.Relay the manager needs.
type RelayConfig struct {
	ID    string
	URI   string
	Cubes []string
}

// StatusEvent mirrors one RelayConnection state transition, enriched with
// the relay id for consumers watching every relay at once.
type StatusEvent struct {
	RelayID string
	Status  string
	Message string
}

// LogEvent is a single operator-facing log line produced while handling
// relay traffic, routed to whatever sink the owner wires up (UiGateway's
// `log` stream, the audit log, or both).
type LogEvent struct {
	Level   string
	Message string
	RelayID string
	CubeID  string
}

// StatusCallback is invoked on every relay connection state transition.
type StatusCallback func(StatusEvent)

// CubeUpdateCallback is invoked with every registry.CubeState that changed
// as a result of relay telemetry, a relay bootstrap marking its cubes
// connected, or an optimistic SetLed update.
type CubeUpdateCallback func([]registry.CubeState)

// LogCallback is invoked for every relay `system`/`error` envelope.
type LogCallback func(LogEvent)

type relayHandle struct {
	config RelayConfig
	conn   *Connection
}

// Manager owns one Connection per configured relay, routes outbound cube
// commands to the right relay, runs the bootstrap sequence on every
// (re)connect, and ingests inbound telemetry into a registry.Registry.
type Manager struct {
	registry *registry.Registry

	mu          sync.RWMutex
	relays      map[string]*relayHandle
	cubeToRelay map[string]string
	relayState  map[string]State

	onStatus StatusCallback
	onCube   CubeUpdateCallback
	onLog    LogCallback
}

// NewManager builds a Manager with one Connection per entry in relays. It
// does not start any connection; call Start for that.
func NewManager(reg *registry.Registry, relayReconnectMs uint32, relays []RelayConfig) *Manager {
	m := &Manager{
		registry:    reg,
		relays:      make(map[string]*relayHandle, len(relays)),
		cubeToRelay: make(map[string]string),
		relayState:  make(map[string]State, len(relays)),
	}

	for _, rc := range relays {
		handle := &relayHandle{config: rc}
		handle.conn = NewConnection(Options{
			RelayID:        rc.ID,
			URI:            rc.URI,
			ReconnectDelay: time.Duration(relayReconnectMs) * time.Millisecond,
		})
		relayID := rc.ID
		handle.conn.SetMessageHandler(func(env wire.RelayEnvelope) { m.handleMessage(relayID, env) })
		handle.conn.SetStatusHandler(func(state State, message string) { m.handleStatus(relayID, state, message) })

		m.relays[rc.ID] = handle
		m.relayState[rc.ID] = Stopped
		for _, cube := range rc.Cubes {
			m.cubeToRelay[cube] = rc.ID
		}
	}
	return m
}

// SetStatusCallback registers the relay status sink. Must be called
// before Start.
func (m *Manager) SetStatusCallback(cb StatusCallback) { m.onStatus = cb }

// SetCubeUpdateCallback registers the telemetry sink. Must be called
// before Start.
func (m *Manager) SetCubeUpdateCallback(cb CubeUpdateCallback) { m.onCube = cb }

// SetLogCallback registers the system/error log sink. Must be called
// before Start.
func (m *Manager) SetLogCallback(cb LogCallback) { m.onLog = cb }

// Start connects every configured relay.
func (m *Manager) Start() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, handle := range m.relays {
		handle.conn.Start()
	}
}

// Stop disconnects every configured relay.
func (m *Manager) Stop() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, handle := range m.relays {
		handle.conn.Stop()
	}
}

// ManualDrive sends a `move` command to every target, validating that all
// targets are routable and their relays connected before sending any of
// them, so a partially valid batch never produces partial motion.
func (m *Manager) ManualDrive(targets []string, left, right int) error {
	if len(targets) == 0 {
		return fmt.Errorf("manual_drive requires at least one target")
	}
	if err := m.checkAllAvailable(targets); err != nil {
		return err
	}
	for _, target := range targets {
		m.sendToCube(target, wire.NewCommand("move", target, map[string]any{
			"left_speed":  left,
			"right_speed": right,
		}))
	}
	return nil
}

// SetLed sends a `led` command to every target and optimistically updates
// the registry's LED state for each, so the UI reflects the change before
// telemetry confirms it.
func (m *Manager) SetLed(targets []string, r, g, b int) error {
	if len(targets) == 0 {
		return fmt.Errorf("set_led requires at least one target")
	}
	if err := m.checkAllAvailable(targets); err != nil {
		return err
	}
	for _, target := range targets {
		m.sendToCube(target, wire.NewCommand("led", target, map[string]any{
			"r": r, "g": g, "b": b,
		}))
		led := registry.LED{R: r, G: g, B: b}
		if state, changed := m.registry.ApplyUpdate(registry.Update{CubeID: target, Led: &led}); changed && m.onCube != nil {
			m.onCube([]registry.CubeState{state})
		}
	}
	return nil
}

func (m *Manager) checkAllAvailable(targets []string) error {
	for _, target := range targets {
		relayID, err := m.relayForCube(target)
		if err != nil {
			return err
		}
		if m.stateOf(relayID) != Connected {
			return fmt.Errorf("relay %s is not connected", relayID)
		}
	}
	return nil
}

func (m *Manager) relayForCube(cubeID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relayID, ok := m.cubeToRelay[cubeID]
	if !ok {
		return "", fmt.Errorf("cube %s: %w", cubeID, ErrUnknownCube)
	}
	return relayID, nil
}

func (m *Manager) stateOf(relayID string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relayState[relayID]
}

func (m *Manager) sendToCube(cubeID string, env wire.RelayEnvelope) {
	m.mu.RLock()
	relayID, ok := m.cubeToRelay[cubeID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	handle, ok := m.relays[relayID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	handle.conn.Send(env)
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (m *Manager) handleStatus(relayID string, state State, message string) {
	m.mu.Lock()
	m.relayState[relayID] = state
	m.mu.Unlock()

	if m.onStatus != nil {
		m.onStatus(StatusEvent{RelayID: relayID, Status: state.String(), Message: message})
	}

	if state == Connected {
		m.bootstrapRelay(relayID)
	}
}

func (m *Manager) bootstrapRelay(relayID string) {
	m.mu.RLock()
	handle, ok := m.relays[relayID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	trueVal := true
	for _, cube := range handle.config.Cubes {
		handle.conn.Send(wire.NewCommand("connect", cube, nil))
		handle.conn.Send(wire.NewQuery("position", cube, true))
		handle.conn.Send(wire.NewQuery("battery", cube, false))

		if state, changed := m.registry.ApplyUpdate(registry.Update{CubeID: cube, RelayID: relayID, Connected: &trueVal}); changed && m.onCube != nil {
			m.onCube([]registry.CubeState{state})
		}
	}
}

func (m *Manager) handleMessage(relayID string, env wire.RelayEnvelope) {
	switch env.Type {
	case "response":
		m.handleResponse(relayID, env)
	case "system":
		m.handleSystem(relayID, env)
	case "error":
		m.handleError(relayID, env)
	}
}

func (m *Manager) handleResponse(relayID string, env wire.RelayEnvelope) {
	var resp wire.RelayResponsePayload
	if err := unmarshalPayload(env.Payload, &resp); err != nil || resp.Target == "" {
		return
	}

	switch resp.Info {
	case "position":
		update := registry.Update{CubeID: resp.Target, RelayID: relayID}
		if resp.Position != nil {
			pose := registryPoseFrom(resp.Position)
			if pose != nil {
				update.Position = pose
			}
		}
		if resp.Led != nil {
			led := registryLedFrom(resp.Led)
			if led != nil {
				update.Led = led
			}
		}
		if changed := m.registry.ApplyUpdates([]registry.Update{update}); len(changed) > 0 && m.onCube != nil {
			m.onCube(changed)
		}
	case "battery":
		update := registry.Update{CubeID: resp.Target, RelayID: relayID}
		if resp.BatteryLevel != nil {
			update.Battery = resp.BatteryLevel
		}
		if state, changed := m.registry.ApplyUpdate(update); changed && m.onCube != nil {
			m.onCube([]registry.CubeState{state})
		}
	case "led":
		if resp.Led == nil {
			return
		}
		led := registryLedFrom(resp.Led)
		if led == nil {
			return
		}
		if state, changed := m.registry.ApplyUpdate(registry.Update{CubeID: resp.Target, RelayID: relayID, Led: led}); changed && m.onCube != nil {
			m.onCube([]registry.CubeState{state})
		}
	}
}

// registryPoseFrom converts the partial wire.RelayPosition into a
// registry.Pose only if at least one field was actually present, matching
// the original's "has_value" gate so an empty position object doesn't
// clobber a previously known pose with zeros.
func registryPoseFrom(p *wire.RelayPosition) *registry.Pose {
	if p.X == nil && p.Y == nil && p.Angle == nil && p.OnMat == nil {
		return nil
	}
	pose := registry.Pose{}
	if p.X != nil {
		pose.X = *p.X
	}
	if p.Y != nil {
		pose.Y = *p.Y
	}
	if p.Angle != nil {
		pose.Deg = *p.Angle
	}
	if p.OnMat != nil {
		pose.OnMat = *p.OnMat
	}
	return &pose
}

func registryLedFrom(l *wire.RelayLed) *registry.LED {
	if l.R == nil && l.G == nil && l.B == nil {
		return nil
	}
	led := registry.LED{}
	if l.R != nil {
		led.R = *l.R
	}
	if l.G != nil {
		led.G = *l.G
	}
	if l.B != nil {
		led.B = *l.B
	}
	return &led
}

func (m *Manager) handleSystem(relayID string, env wire.RelayEnvelope) {
	var sys wire.RelaySystemPayload
	_ = unmarshalPayload(env.Payload, &sys)
	if m.onLog != nil {
		m.onLog(LogEvent{Level: "info", Message: "relay system message: " + sys.Message, RelayID: relayID, CubeID: sys.Target})
	}

	if sys.Status == "disconnected" && sys.Target != "" {
		falseVal := false
		if state, changed := m.registry.ApplyUpdate(registry.Update{CubeID: sys.Target, RelayID: relayID, Connected: &falseVal}); changed && m.onCube != nil {
			m.onCube([]registry.CubeState{state})
		}
	}
}

func (m *Manager) handleError(relayID string, env wire.RelayEnvelope) {
	var errPayload wire.RelayErrorPayload
	_ = unmarshalPayload(env.Payload, &errPayload)
	if m.onLog != nil {
		m.onLog(LogEvent{Level: "error", Message: errPayload.Message, RelayID: relayID})
	}
}
