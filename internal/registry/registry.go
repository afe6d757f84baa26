// Package registry holds the last-known state of every cube in the fleet
// and serializes access to it behind a single mutex guarding the whole map.
package registry

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Pose is a cube's last-known position and heading on the field.
type Pose struct {
	X     float64
	Y     float64
	Deg   float64
	OnMat bool
}

// LED is a cube's last-known (or optimistically set) light color. Unlike
// Pose and Battery this is never "absent": cubes default to off (0,0,0).
type LED struct {
	R int
	G int
	B int
}

// CubeState is the full last-known state of one cube.
type CubeState struct {
	CubeID     string
	RelayID    string
	Connected  bool
	Position   *Pose
	HasBattery bool
	Battery    int
	State      string
	GoalID     string
	Led        LED
	LastUpdate time.Time
}

func (c CubeState) clone() CubeState {
	cp := c
	if c.Position != nil {
		pose := *c.Position
		cp.Position = &pose
	}
	return cp
}

// Update is a partial observation applied to one cube. Nil/zero-value
// pointer fields mean "no new information", not "clear to zero".
type Update struct {
	CubeID    string
	RelayID   string
	Connected *bool
	Position  *Pose
	Battery   *int
	State     *string
	GoalID    *string
	Led       *LED
}

// Registry tracks last-known CubeState for every cube known to the fleet,
// plus a bounded ring of every state transition for UI "include_history"
// requests.
type Registry struct {
	mu      sync.RWMutex
	cubes   map[string]*CubeState
	history []CubeState
	histCap int
}

const defaultHistoryCap = 64

// New builds a Registry seeded with the given cube/relay pairs, each
// starting with no position, no battery, and LED off — matching the state
// a freshly loaded config implies before any relay telemetry arrives.
func New(seeds map[string]string) *Registry {
	r := &Registry{
		cubes:   make(map[string]*CubeState, len(seeds)),
		histCap: defaultHistoryCap,
	}
	for cubeID, relayID := range seeds {
		r.cubes[cubeID] = &CubeState{
			CubeID:  cubeID,
			RelayID: relayID,
		}
	}
	return r
}

func clampLED(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

func clampBattery(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func normalizeDeg(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// ApplyUpdate merges one observation into the registry, clamping LED
// (0-255), battery (0-100), and normalizing heading into [0,360). It
// reports whether anything about the cube's externally visible state
// actually changed, so callers can skip broadcasting no-op updates.
func (r *Registry) ApplyUpdate(u Update) (CubeState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(u)
}

// ApplyUpdates merges a batch of observations atomically and returns only
// the cube states that actually changed, in stable order by cube_id.
func (r *Registry) ApplyUpdates(updates []Update) []CubeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := make([]CubeState, 0, len(updates))
	for _, u := range updates {
		if state, ok := r.applyLocked(u); ok {
			changed = append(changed, state)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].CubeID < changed[j].CubeID })
	return changed
}

func (r *Registry) applyLocked(u Update) (CubeState, bool) {
	cube, known := r.cubes[u.CubeID]
	if !known {
		cube = &CubeState{CubeID: u.CubeID, RelayID: u.RelayID}
		r.cubes[u.CubeID] = cube
	}

	before := cube.clone()

	if u.RelayID != "" {
		cube.RelayID = u.RelayID
	}
	if u.Connected != nil {
		cube.Connected = *u.Connected
	}
	if u.Position != nil {
		pose := *u.Position
		pose.Deg = normalizeDeg(pose.Deg)
		cube.Position = &pose
	}
	if u.Battery != nil {
		cube.HasBattery = true
		cube.Battery = clampBattery(*u.Battery)
	}
	if u.State != nil {
		cube.State = *u.State
	}
	if u.GoalID != nil {
		cube.GoalID = *u.GoalID
	}
	if u.Led != nil {
		cube.Led = LED{
			R: clampLED(u.Led.R),
			G: clampLED(u.Led.G),
			B: clampLED(u.Led.B),
		}
	}

	if !stateEqual(before, *cube) {
		cube.LastUpdate = monotonicAfter(before.LastUpdate)
		snap := cube.clone()
		r.appendHistory(snap)
		return snap, true
	}
	return before, false
}

// monotonicAfter returns a timestamp strictly after prev, so LastUpdate is
// monotonic per cube even when two updates land within the same clock tick.
func monotonicAfter(prev time.Time) time.Time {
	now := time.Now()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func stateEqual(a, b CubeState) bool {
	if a.RelayID != b.RelayID || a.Connected != b.Connected || a.State != b.State || a.GoalID != b.GoalID || a.Led != b.Led {
		return false
	}
	if a.HasBattery != b.HasBattery || (a.HasBattery && a.Battery != b.Battery) {
		return false
	}
	if (a.Position == nil) != (b.Position == nil) {
		return false
	}
	if a.Position != nil && *a.Position != *b.Position {
		return false
	}
	return true
}

func (r *Registry) appendHistory(state CubeState) {
	r.history = append(r.history, state)
	if len(r.history) > r.histCap {
		r.history = r.history[len(r.history)-r.histCap:]
	}
}

// Get returns the current state of one cube, and whether it is known.
func (r *Registry) Get(cubeID string) (CubeState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cube, ok := r.cubes[cubeID]
	if !ok {
		return CubeState{}, false
	}
	return cube.clone(), true
}

// Snapshot returns the current state of every known cube, sorted by
// cube_id for stable output.
func (r *Registry) Snapshot() []CubeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CubeState, 0, len(r.cubes))
	for _, cube := range r.cubes {
		out = append(out, cube.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CubeID < out[j].CubeID })
	return out
}

// History returns up to limit of the most recent state transitions,
// oldest first. limit <= 0 returns the full retained ring.
func (r *Registry) History(limit int) []CubeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	start := len(r.history) - limit
	out := make([]CubeState, limit)
	copy(out, r.history[start:])
	return out
}

// WarnMissingPosition returns the cube IDs currently known to the registry
// that have never reported a position, for FleetOrchestrator's warnings.
func (r *Registry) WarnMissingPosition() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var warn []string
	for cubeID, cube := range r.cubes {
		if cube.Position == nil {
			warn = append(warn, cubeID)
		}
	}
	return warn
}
