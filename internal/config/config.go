// Package config loads and validates the control server's JSON configuration
// file, mirroring the strict fail-fast validation of the original
// config_loader so a malformed deployment never limps along with partial
// state.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// UI holds the downstream WebSocket/HTTP bind settings.
type UI struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// Relay describes one upstream relay and the cubes routed to it.
type Relay struct {
	ID    string   `json:"id"`
	URI   string   `json:"uri"`
	Cubes []string `json:"cubes"`
}

// FieldPoint is one corner of the playable rectangle, in millimetres.
type FieldPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Field is the rectangular playable area used by UI clients to scale their
// canvas. Defaults to (45,45)-(455,455) when absent from the file.
type Field struct {
	TopLeft     FieldPoint `json:"top_left"`
	BottomRight FieldPoint `json:"bottom_right"`
}

var defaultField = Field{
	TopLeft:     FieldPoint{X: 45, Y: 45},
	BottomRight: FieldPoint{X: 455, Y: 455},
}

// Config is the fully validated, typed view of control_server.json.
type Config struct {
	UI               UI      `json:"ui"`
	Relays           []Relay `json:"relays"`
	Field            Field   `json:"field"`
	RelayReconnectMs uint32  `json:"relay_reconnect_ms"`
}

const defaultRelayReconnectMs = 2000

// rawConfig mirrors Config but leaves Field as a pointer so we can detect
// "section absent" and fall back to defaultField, and RelayReconnectMs as a
// pointer so we can fall back to defaultRelayReconnectMs.
type rawConfig struct {
	UI               UI      `json:"ui"`
	Relays           []Relay `json:"relays"`
	Field            *Field  `json:"field"`
	RelayReconnectMs *uint32 `json:"relay_reconnect_ms"`
}

// Load reads and validates the config file at path. Any violation of the
// configured invariants returns a descriptive error; callers
// should treat this as fatal at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: invalid JSON in %s: %w", path, err)
	}

	cfg := &Config{
		UI:     raw.UI,
		Relays: raw.Relays,
	}
	if raw.Field != nil {
		cfg.Field = *raw.Field
	} else {
		cfg.Field = defaultField
	}
	if raw.RelayReconnectMs != nil {
		cfg.RelayReconnectMs = *raw.RelayReconnectMs
	} else {
		cfg.RelayReconnectMs = defaultRelayReconnectMs
	}

	if err := cfg.validate(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate(path string) error {
	if c.UI.Port == 0 {
		return fmt.Errorf("config: %s: ui.port must be > 0", path)
	}
	if len(c.Relays) == 0 {
		return fmt.Errorf("config: %s: at least one relay is required", path)
	}

	relayIDs := make(map[string]struct{}, len(c.Relays))
	cubeIDs := make(map[string]string, 32) // cube_id -> relay_id that claimed it

	for _, relay := range c.Relays {
		if relay.ID == "" {
			return fmt.Errorf("config: %s: relay entry missing id", path)
		}
		if _, dup := relayIDs[relay.ID]; dup {
			return fmt.Errorf("config: %s: duplicate relay id %q", path, relay.ID)
		}
		relayIDs[relay.ID] = struct{}{}

		if relay.URI == "" {
			return fmt.Errorf("config: %s: relay %q missing uri", path, relay.ID)
		}
		if len(relay.Cubes) == 0 {
			return fmt.Errorf("config: %s: relay %q must define at least one cube", path, relay.ID)
		}
		for _, cube := range relay.Cubes {
			if len(cube) != 3 {
				return fmt.Errorf("config: %s: cube id %q must be exactly 3 characters", path, cube)
			}
			if owner, seen := cubeIDs[cube]; seen {
				return fmt.Errorf("config: %s: cube id %q assigned to both relay %q and %q", path, cube, owner, relay.ID)
			}
			cubeIDs[cube] = relay.ID
		}
	}

	if c.Field.BottomRight.X <= c.Field.TopLeft.X || c.Field.BottomRight.Y <= c.Field.TopLeft.Y {
		return fmt.Errorf("config: %s: field.bottom_right must be greater than field.top_left on both axes", path)
	}

	return nil
}

// ResolvePath implements the CLI fallback chain: an explicit path always
// wins; otherwise prefer config/control_server.json and fall back to the
// bundled example when that file is absent.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	const primary = "config/control_server.json"
	if _, err := os.Stat(primary); err == nil {
		return primary
	}
	return "config/control_server.example.json"
}
