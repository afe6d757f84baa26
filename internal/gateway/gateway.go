// Package gateway implements the downstream UI WebSocket protocol: session
// lifecycle, subscription filtering, inbound command dispatch, and the
// outbound envelope catalog, built on fiber + gofiber/websocket/v2 with a
// single hub goroutine owning shared state and one write pump goroutine
// per session.
package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/toio-swarm/control-server/internal/auditlog"
	"github.com/toio-swarm/control-server/internal/fleet"
	"github.com/toio-swarm/control-server/internal/registry"
	"github.com/toio-swarm/control-server/internal/relay"
	"github.com/toio-swarm/control-server/internal/wire"
)

// relayController is the subset of relay.Manager the gateway needs,
// narrowed to an interface so tests can exercise dispatch without a real
// relay pool.
type relayController interface {
	ManualDrive(targets []string, left, right int) error
	SetLed(targets []string, r, g, b int) error
}

type registerEvent struct{ sess *session }
type unregisterEvent struct{ id string }
type inboundEvent struct {
	id  string
	raw []byte
}
type relayStatusEvent struct{ event relay.StatusEvent }
type cubeUpdateEvent struct{ states []registry.CubeState }
type logEvent struct{ event relay.LogEvent }
type fleetStateEvent struct{}
type healthQuery struct{ response chan HealthSnapshot }

// Gateway owns every connected UI session and serializes all mutation of
// session state and all fan-out through one hub goroutine (the "gateway
// strand"), mirroring handlers.ClientManager.Start()'s select loop over
// register/unregister/broadcast channels.
type Gateway struct {
	registry     *registry.Registry
	relays       relayController
	orchestrator *fleet.Orchestrator
	audit        *auditlog.Store
	field        wire.FieldPayload

	events chan any
	done   chan struct{}

	sessions    map[string]*session
	relayStatus map[string]wire.RelayStatusSummary
	groups      map[string][]string
}

// New builds a Gateway. Call Run to start its hub goroutine before
// accepting any connection.
func New(reg *registry.Registry, relays relayController, orchestrator *fleet.Orchestrator, audit *auditlog.Store, field wire.FieldPayload) *Gateway {
	return &Gateway{
		registry:     reg,
		relays:       relays,
		orchestrator: orchestrator,
		audit:        audit,
		field:        field,
		events:       make(chan any, 256),
		done:         make(chan struct{}),
		sessions:     make(map[string]*session),
		relayStatus:  make(map[string]wire.RelayStatusSummary),
		groups:       make(map[string][]string),
	}
}

// Run starts the hub goroutine. It returns once Stop is called.
func (g *Gateway) Run() {
	for {
		select {
		case <-g.done:
			return
		case ev := <-g.events:
			g.handleEvent(ev)
		}
	}
}

// Stop ends the hub goroutine.
func (g *Gateway) Stop() { close(g.done) }

// HandleConnection is the gofiber/websocket/v2 handler for /ws/ui. It
// registers a session, sends the initial snapshot, blocks reading inbound
// frames until the client disconnects, then unregisters.
func (g *Gateway) HandleConnection(conn *websocket.Conn) {
	sess := newSession(conn)
	go sess.writePump()

	g.events <- registerEvent{sess: sess}
	defer func() {
		g.events <- unregisterEvent{id: sess.id}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		g.events <- inboundEvent{id: sess.id, raw: data}
	}
}

// PublishRelayStatus fans a relay state transition out to every session
// subscribed to the relay_status stream.
func (g *Gateway) PublishRelayStatus(event relay.StatusEvent) {
	g.events <- relayStatusEvent{event: event}
}

// PublishCubeUpdates fans changed cube states out to every session
// subscribed to cube_update, filtered per session by cube_filter.
func (g *Gateway) PublishCubeUpdates(states []registry.CubeState) {
	if len(states) == 0 {
		return
	}
	g.events <- cubeUpdateEvent{states: states}
}

// PublishLog fans a log line out to every session subscribed to log, and
// persists it to the audit log if one is configured.
func (g *Gateway) PublishLog(event relay.LogEvent) {
	g.events <- logEvent{event: event}
}

// PublishFleetState fans the current fleet snapshot out to every session
// subscribed to fleet_state.
func (g *Gateway) PublishFleetState() {
	g.events <- fleetStateEvent{}
}

func (g *Gateway) handleEvent(ev any) {
	switch e := ev.(type) {
	case registerEvent:
		g.sessions[e.sess.id] = e.sess
		g.sendSnapshot(e.sess, false)
	case unregisterEvent:
		if sess, ok := g.sessions[e.id]; ok {
			delete(g.sessions, e.id)
			close(sess.outbound)
		}
	case inboundEvent:
		g.dispatch(e.id, e.raw)
	case relayStatusEvent:
		g.onRelayStatus(e.event)
	case cubeUpdateEvent:
		g.onCubeUpdate(e.states)
	case logEvent:
		g.onLog(e.event)
	case fleetStateEvent:
		g.broadcastFleetState()
	case healthQuery:
		e.response <- g.healthLocked()
	}
}

func (g *Gateway) healthLocked() HealthSnapshot {
	connected := 0
	for _, status := range g.relayStatus {
		if status.Status == "connected" {
			connected++
		}
	}
	cubesConnected := 0
	for _, cube := range g.registry.Snapshot() {
		if cube.Connected {
			cubesConnected++
		}
	}
	return HealthSnapshot{
		Status:          "ok",
		RelaysConnected: connected,
		CubesConnected:  cubesConnected,
		UiSessions:      len(g.sessions),
		UptimeSeconds:   int64(time.Since(startTime).Seconds()),
	}
}

func (g *Gateway) onRelayStatus(event relay.StatusEvent) {
	g.relayStatus[event.RelayID] = wire.RelayStatusSummary{
		RelayID: event.RelayID, Status: event.Status, Message: event.Message,
	}
	payload := wire.RelayStatusPayload{RelayID: event.RelayID, Status: event.Status, Message: event.Message}
	for _, sess := range g.sessions {
		if sess.sub.allows("relay_status") {
			sess.enqueue("relay_status", payload)
		}
	}
}

func (g *Gateway) onCubeUpdate(states []registry.CubeState) {
	for _, sess := range g.sessions {
		if !sess.sub.allows("cube_update") {
			continue
		}
		updates := make([]wire.CubeStatePayload, 0, len(states))
		for _, state := range states {
			if !sess.sub.allowsCube(state.CubeID) {
				continue
			}
			updates = append(updates, cubeStateToPayload(state))
		}
		if len(updates) == 0 {
			continue
		}
		sess.enqueue("cube_update", wire.CubeUpdatePayload{Updates: updates})
	}
}

func (g *Gateway) onLog(event relay.LogEvent) {
	if g.audit != nil {
		context := map[string]string{"relay_id": event.RelayID, "cube_id": event.CubeID}
		g.audit.Append(event.Level, event.Message, event.RelayID, event.CubeID, context)
	}
	payload := wire.LogPayload{Level: event.Level, Message: event.Message}
	for _, sess := range g.sessions {
		if sess.sub.allows("log") {
			sess.enqueue("log", payload)
		}
	}
}

func (g *Gateway) broadcastFleetState() {
	payload := fleetStatePayload(g.orchestrator.Snapshot())
	for _, sess := range g.sessions {
		if sess.sub.allows("fleet_state") {
			sess.enqueue("fleet_state", payload)
		}
	}
}

func fleetStatePayload(state fleet.FleetState) wire.FleetStatePayload {
	goals := make([]wire.GoalAssignmentPayload, 0, len(state.ActiveGoals))
	for _, g := range state.ActiveGoals {
		goals = append(goals, wire.GoalAssignmentPayload{
			GoalID:    g.GoalID,
			CubeID:    g.CubeID,
			Pose:      wire.GoalPose{X: g.Pose.X, Y: g.Pose.Y, Angle: g.Pose.Angle},
			Priority:  g.Priority,
			CreatedAt: g.CreatedAt.UnixMilli(),
		})
	}
	return wire.FleetStatePayload{
		TickHz:       state.TickHz,
		TasksInQueue: state.TasksInQueue,
		Warnings:     state.Warnings,
		ActiveGoals:  goals,
	}
}

func cubeStateToPayload(state registry.CubeState) wire.CubeStatePayload {
	payload := wire.CubeStatePayload{
		CubeID:    state.CubeID,
		RelayID:   state.RelayID,
		Connected: state.Connected,
		State:     state.State,
		GoalID:    state.GoalID,
		Led:       wire.ColorPayload{R: state.Led.R, G: state.Led.G, B: state.Led.B},
	}
	if state.Position != nil {
		payload.Position = &wire.PosePayload{
			X: state.Position.X, Y: state.Position.Y, Deg: state.Position.Deg, OnMat: state.Position.OnMat,
		}
	}
	if state.HasBattery {
		battery := state.Battery
		payload.Battery = &battery
	}
	return payload
}

func (g *Gateway) dispatch(sessionID string, raw []byte) {
	sess, ok := g.sessions[sessionID]
	if !ok {
		return
	}

	var env wire.InboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		g.sendError(sess, "", wire.ErrCodeInvalidPayload, "message.type must be string")
		return
	}

	switch env.Type {
	case "subscribe":
		g.handleSubscribe(sess, env)
	case "manual_drive":
		g.handleManualDrive(sess, env)
	case "set_led":
		g.handleSetLed(sess, env)
	case "set_goal":
		g.handleSetGoal(sess, env)
	case "set_group":
		g.handleSetGroup(sess, env)
	case "request_snapshot":
		g.handleRequestSnapshot(sess, env)
	default:
		g.sendError(sess, env.RequestID, wire.ErrCodeInvalidPayload, "unknown command type: "+env.Type)
	}
}

func (g *Gateway) handleSubscribe(sess *session, env wire.InboundEnvelope) {
	var payload wire.SubscribePayload
	_ = json.Unmarshal(env.Payload, &payload)

	sub := subscription{streams: map[string]struct{}{}, cubeFilter: map[string]struct{}{}}
	if len(payload.Streams) > 0 {
		for _, s := range payload.Streams {
			sub.streams[s] = struct{}{}
		}
	} else {
		sub = defaultSubscription()
	}
	for _, c := range payload.CubeFilter {
		sub.cubeFilter[c] = struct{}{}
	}
	sess.sub = sub

	g.sendAck(sess, env.RequestID, nil)
	g.sendFieldInfo(sess)
	if payload.IncludeHistory {
		g.sendSnapshot(sess, true)
	}
}

func (g *Gateway) handleManualDrive(sess *session, env wire.InboundEnvelope) {
	var payload wire.ManualDrivePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || len(payload.Targets) == 0 {
		g.sendError(sess, env.RequestID, wire.ErrCodeInvalidPayload, "manual_drive.targets must be array")
		return
	}
	if err := g.relays.ManualDrive(payload.Targets, payload.Left, payload.Right); err != nil {
		g.sendError(sess, env.RequestID, relayErrorCode(err), err.Error())
		return
	}
	g.sendAck(sess, env.RequestID, nil)
}

func (g *Gateway) handleSetLed(sess *session, env wire.InboundEnvelope) {
	var payload wire.SetLedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || len(payload.Targets) == 0 {
		g.sendError(sess, env.RequestID, wire.ErrCodeInvalidPayload, "set_led.targets must be array")
		return
	}
	if err := g.relays.SetLed(payload.Targets, payload.Color.R, payload.Color.G, payload.Color.B); err != nil {
		g.sendError(sess, env.RequestID, relayErrorCode(err), err.Error())
		return
	}
	g.sendAck(sess, env.RequestID, nil)
}

// relayErrorCode maps a relayController error to the wire error taxonomy,
// distinguishing an unrouted cube from a relay that is simply disconnected.
func relayErrorCode(err error) string {
	if errors.Is(err, relay.ErrUnknownCube) {
		return wire.ErrCodeUnknownCube
	}
	return wire.ErrCodeRelayError
}

func (g *Gateway) handleSetGoal(sess *session, env wire.InboundEnvelope) {
	var payload wire.SetGoalPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || len(payload.Targets) == 0 {
		g.sendError(sess, env.RequestID, wire.ErrCodeInvalidPayload, "set_goal.targets must be non-empty array")
		return
	}

	goalID, err := g.orchestrator.AssignGoal(fleet.GoalRequest{
		Targets:     payload.Targets,
		Pose:        fleet.GoalPose{X: payload.Goal.X, Y: payload.Goal.Y, Angle: payload.Goal.Angle},
		Priority:    payload.Priority,
		KeepHistory: payload.KeepHistory,
	})
	if err != nil {
		g.sendError(sess, env.RequestID, wire.ErrCodeInvalidPayload, err.Error())
		return
	}

	// AssignGoal only tracks payload.Targets[0] (first-target-wins), so only
	// that cube's registry goal_id should reflect the new assignment.
	if state, changed := g.registry.ApplyUpdate(registry.Update{CubeID: payload.Targets[0], GoalID: &goalID}); changed {
		g.onCubeUpdate([]registry.CubeState{state})
	}
	g.broadcastFleetState()
	g.sendAck(sess, env.RequestID, map[string]string{"goal_id": goalID})
}

func (g *Gateway) handleSetGroup(sess *session, env wire.InboundEnvelope) {
	var payload wire.SetGroupPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.GroupID == "" {
		g.sendError(sess, env.RequestID, wire.ErrCodeInvalidPayload, "group_id is required")
		return
	}
	g.groups[payload.GroupID] = payload.Members
	g.sendAck(sess, env.RequestID, nil)
}

func (g *Gateway) handleRequestSnapshot(sess *session, env wire.InboundEnvelope) {
	var payload wire.RequestSnapshotPayload
	_ = json.Unmarshal(env.Payload, &payload)
	g.sendSnapshot(sess, payload.IncludeHistory)
	g.sendAck(sess, env.RequestID, nil)
}

func (g *Gateway) sendAck(sess *session, requestID string, details any) {
	sess.enqueue("ack", wire.AckPayload{RequestID: requestID, Details: details})
}

func (g *Gateway) sendError(sess *session, requestID, code, message string) {
	sess.enqueue("error", wire.ErrorPayload{RequestID: requestID, Code: code, Message: message})
}

func (g *Gateway) sendFieldInfo(sess *session) {
	sess.enqueue("field_info", g.field)
}

func (g *Gateway) sendSnapshot(sess *session, includeHistory bool) {
	relays := make([]wire.RelayStatusSummary, 0, len(g.relayStatus))
	for _, status := range g.relayStatus {
		relays = append(relays, status)
	}

	cubes := make([]wire.CubeStatePayload, 0)
	for _, state := range g.registry.Snapshot() {
		cubes = append(cubes, cubeStateToPayload(state))
	}

	history := make([]wire.CubeStatePayload, 0)
	if includeHistory {
		for _, state := range g.registry.History(64) {
			history = append(history, cubeStateToPayload(state))
		}
	}

	sess.enqueue("snapshot", wire.SnapshotPayload{
		Field:   g.field,
		Relays:  relays,
		Cubes:   cubes,
		History: history,
	})
}

// HealthSnapshot is the payload of GET /api/health.
type HealthSnapshot struct {
	Status          string `json:"status"`
	RelaysConnected int    `json:"relays_connected"`
	CubesConnected  int    `json:"cubes_connected"`
	UiSessions      int    `json:"ui_sessions"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

var startTime = time.Now()

// Health asks the hub goroutine for a consistent snapshot of session and
// relay-status counts, since those maps are owned by the hub and not
// otherwise safe to read from the HTTP handler's goroutine.
func (g *Gateway) Health() HealthSnapshot {
	response := make(chan HealthSnapshot, 1)
	g.events <- healthQuery{response: response}
	return <-response
}

// AuditLog returns the configured audit log store, or nil if none was
// wired up. auditlog.Store is independently safe for concurrent use, so
// HTTP handlers can call it directly without going through the hub.
func (g *Gateway) AuditLog() *auditlog.Store { return g.audit }
