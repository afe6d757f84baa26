package wire

import "encoding/json"

// InboundEnvelope is the shape of every message a UI session sends.
type InboundEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// OutboundEnvelope is the shape of every message UiGateway sends. Timestamp
// is milliseconds since Unix epoch, filled in at send time.
type OutboundEnvelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// SubscribePayload is the payload of an inbound `subscribe` message.
type SubscribePayload struct {
	Streams        []string `json:"streams,omitempty"`
	CubeFilter     []string `json:"cube_filter,omitempty"`
	IncludeHistory bool     `json:"include_history,omitempty"`
}

// ManualDrivePayload is the payload of an inbound `manual_drive` message.
type ManualDrivePayload struct {
	Targets []string `json:"targets"`
	Left    int      `json:"left"`
	Right   int      `json:"right"`
}

// Color is an RGB triple used by `set_led` and echoed in `cube_update`.
type Color struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// SetLedPayload is the payload of an inbound `set_led` message.
type SetLedPayload struct {
	Targets []string `json:"targets"`
	Color   Color    `json:"color"`
}

// GoalPose is a target pose; Angle is optional.
type GoalPose struct {
	X     float64  `json:"x"`
	Y     float64  `json:"y"`
	Angle *float64 `json:"angle,omitempty"`
}

// SetGoalPayload is the payload of an inbound `set_goal` message.
type SetGoalPayload struct {
	Targets     []string `json:"targets"`
	Goal        GoalPose `json:"goal"`
	Priority    int      `json:"priority"`
	KeepHistory bool     `json:"keep_history"`
}

// SetGroupPayload is the payload of an inbound `set_group` message. Groups
// have no consumer in this core; they are stored and echoed only.
type SetGroupPayload struct {
	GroupID string   `json:"group_id"`
	Members []string `json:"members"`
}

// RequestSnapshotPayload is the payload of an inbound `request_snapshot`
// message.
type RequestSnapshotPayload struct {
	IncludeHistory bool `json:"include_history"`
}

// AckPayload is the payload of an outbound `ack` message.
type AckPayload struct {
	RequestID string `json:"request_id"`
	Details   any    `json:"details,omitempty"`
}

// Error codes used across the command/error wire protocol.
const (
	ErrCodeInvalidPayload = "invalid_payload"
	ErrCodeUnknownCube    = "unknown_cube"
	ErrCodeRelayError     = "relay_error"
	ErrCodeBusy           = "busy"
)

// ErrorPayload is the payload of an outbound `error` message.
type ErrorPayload struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// FieldPayload describes the playable rectangle, embedded in both
// `field_info` and `snapshot`.
type FieldPayload struct {
	TopLeft     FieldPointPayload `json:"top_left"`
	BottomRight FieldPointPayload `json:"bottom_right"`
}

// FieldPointPayload is one corner of FieldPayload.
type FieldPointPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// RelayStatusPayload is the payload of an outbound `relay_status` message.
type RelayStatusPayload struct {
	RelayID string `json:"relay_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CubeStatePayload is the wire shape of one cube inside `cube_update` and
// `snapshot`, matching the fields every outbound envelope needs to self-describe.
type CubeStatePayload struct {
	CubeID    string       `json:"cube_id"`
	RelayID   string       `json:"relay_id"`
	Connected bool         `json:"connected"`
	Position  *PosePayload `json:"position,omitempty"`
	Battery   *int         `json:"battery,omitempty"`
	State     string       `json:"state,omitempty"`
	GoalID    string       `json:"goal_id,omitempty"`
	Led       ColorPayload `json:"led"`
}

// PosePayload is the wire shape of a cube's pose.
type PosePayload struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Deg   float64 `json:"deg"`
	OnMat bool    `json:"on_mat"`
}

// ColorPayload is the wire shape of a cube's LED, always present.
type ColorPayload struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// CubeUpdatePayload is the payload of an outbound `cube_update` message.
type CubeUpdatePayload struct {
	Updates []CubeStatePayload `json:"updates"`
}

// LogPayload is the payload of an outbound `log` message.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Context any    `json:"context,omitempty"`
}

// GoalAssignmentPayload is one entry of FleetStatePayload.ActiveGoals.
type GoalAssignmentPayload struct {
	GoalID    string   `json:"goal_id"`
	CubeID    string   `json:"cube_id"`
	Pose      GoalPose `json:"pose"`
	Priority  int      `json:"priority"`
	CreatedAt int64    `json:"created_at"`
}

// FleetStatePayload is the payload of an outbound `fleet_state` message.
type FleetStatePayload struct {
	TickHz        float64                 `json:"tick_hz"`
	TasksInQueue  int                     `json:"tasks_in_queue"`
	Warnings      []string                `json:"warnings"`
	ActiveGoals   []GoalAssignmentPayload `json:"active_goals"`
}

// RelayStatusSummary is one entry of SnapshotPayload.Relays.
type RelayStatusSummary struct {
	RelayID string `json:"relay_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SnapshotPayload is the payload of an outbound `snapshot` message.
type SnapshotPayload struct {
	Field   FieldPayload         `json:"field"`
	Relays  []RelayStatusSummary `json:"relays"`
	Cubes   []CubeStatePayload   `json:"cubes"`
	History []CubeStatePayload   `json:"history"`
}
