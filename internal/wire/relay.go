// Package wire holds the typed JSON envelopes exchanged on both the
// upstream relay link and the downstream UI link. No untyped
// map[string]interface{} value is allowed to leak past RelayManager or
// UiGateway — everything is decoded into one of these structs at the
// boundary.
package wire

import "encoding/json"

// RelayEnvelope is the outer shape of every message on the relay link, in
// both directions. Payload is kept raw so callers can dispatch on Type
// before committing to a concrete payload shape.
type RelayEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RelayCommandPayload is the payload of an outbound `command` envelope:
// connect, disconnect, move, led.
type RelayCommandPayload struct {
	Cmd           string         `json:"cmd"`
	Target        string         `json:"target"`
	Params        map[string]any `json:"params,omitempty"`
	RequireResult bool           `json:"require_result"`
}

// RelayQueryPayload is the payload of an outbound `query` envelope:
// battery, position.
type RelayQueryPayload struct {
	Info   string `json:"info"`
	Target string `json:"target"`
	Notify bool   `json:"notify,omitempty"`
}

// NewCommand builds a ready-to-marshal `command` envelope.
func NewCommand(cmd, target string, params map[string]any) RelayEnvelope {
	payload, _ := json.Marshal(RelayCommandPayload{
		Cmd:           cmd,
		Target:        target,
		Params:        params,
		RequireResult: false,
	})
	return RelayEnvelope{Type: "command", Payload: payload}
}

// NewQuery builds a ready-to-marshal `query` envelope.
func NewQuery(info, target string, notify bool) RelayEnvelope {
	payload, _ := json.Marshal(RelayQueryPayload{
		Info:   info,
		Target: target,
		Notify: notify,
	})
	return RelayEnvelope{Type: "query", Payload: payload}
}

// RelayPosition is the `position` sub-object of a `response` envelope. Each
// field is a pointer so RelayManager can tell "absent" from "zero".
type RelayPosition struct {
	X     *float64 `json:"x,omitempty"`
	Y     *float64 `json:"y,omitempty"`
	Angle *float64 `json:"angle,omitempty"`
	OnMat *bool    `json:"on_mat,omitempty"`
}

// RelayLed is the `led` sub-object of a `response` envelope.
type RelayLed struct {
	R *int `json:"r,omitempty"`
	G *int `json:"g,omitempty"`
	B *int `json:"b,omitempty"`
}

// RelayResponsePayload is the payload of an inbound `response` envelope.
// Info discriminates among "position", "battery", "led".
type RelayResponsePayload struct {
	Info         string         `json:"info"`
	Target       string         `json:"target"`
	Position     *RelayPosition `json:"position,omitempty"`
	BatteryLevel *int           `json:"battery_level,omitempty"`
	Led          *RelayLed      `json:"led,omitempty"`
}

// RelaySystemPayload is the payload of an inbound `system` envelope.
type RelaySystemPayload struct {
	Status  string `json:"status"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

// RelayErrorPayload is the payload of an inbound `error` envelope.
type RelayErrorPayload struct {
	Message string `json:"message"`
}
