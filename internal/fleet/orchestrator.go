// Package fleet assigns navigation goals to cubes and reports fleet-wide
// status, layered on top of registry.Registry rather than touching raw
// connection state directly.
package fleet

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toio-swarm/control-server/internal/registry"
)

// GoalPose is a target pose for a cube to drive to. Angle is optional;
// nil means "face any direction".
type GoalPose struct {
	X     float64
	Y     float64
	Angle *float64
}

// GoalRequest is the input to AssignGoal.
type GoalRequest struct {
	Targets     []string
	Pose        GoalPose
	Priority    int
	KeepHistory bool
}

// GoalAssignment is one active or historical goal.
type GoalAssignment struct {
	GoalID    string
	CubeID    string
	Pose      GoalPose
	Priority  int
	CreatedAt time.Time
}

// FleetState is the full status snapshot returned to UI clients.
type FleetState struct {
	TickHz       float64
	TasksInQueue int
	Warnings     []string
	ActiveGoals  []GoalAssignment
}

const (
	defaultTickHz  = 30.0
	maxGoalHistory = 64
)

// Orchestrator assigns goal-N identifiers to navigation requests and
// tracks one active goal per cube.
type Orchestrator struct {
	registry *registry.Registry

	mu           sync.Mutex
	activeGoals  map[string]GoalAssignment // cube_id -> assignment
	history      []GoalAssignment
	goalCounter  uint64
}

// New builds an Orchestrator layered on reg.
func New(reg *registry.Registry) *Orchestrator {
	return &Orchestrator{
		registry:    reg,
		activeGoals: make(map[string]GoalAssignment),
	}
}

// AssignGoal assigns a new goal to the first target in request.Targets
// (first-target-wins for multi-target requests), replacing any existing
// active goal for that cube, and returns the new goal's id.
func (o *Orchestrator) AssignGoal(request GoalRequest) (string, error) {
	if len(request.Targets) == 0 {
		return "", fmt.Errorf("goal request must not be empty")
	}

	counter := atomic.AddUint64(&o.goalCounter, 1)
	goalID := "goal-" + strconv.FormatUint(counter, 10)
	assignment := GoalAssignment{
		GoalID:    goalID,
		CubeID:    request.Targets[0],
		Pose:      request.Pose,
		Priority:  request.Priority,
		CreatedAt: time.Now(),
	}

	o.mu.Lock()
	o.activeGoals[assignment.CubeID] = assignment
	if request.KeepHistory {
		o.history = append(o.history, assignment)
		if len(o.history) > maxGoalHistory {
			o.history = o.history[len(o.history)-maxGoalHistory:]
		}
	}
	o.mu.Unlock()

	log.Printf("fleet: assigned %s to cube %s", goalID, assignment.CubeID)
	return goalID, nil
}

// ClearGoal removes any active goal for cubeID. A no-op if there is none.
func (o *Orchestrator) ClearGoal(cubeID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeGoals, cubeID)
}

// Snapshot returns the current fleet status: active goals plus warnings
// for every registry cube that has never reported a position.
func (o *Orchestrator) Snapshot() FleetState {
	o.mu.Lock()
	goals := make([]GoalAssignment, 0, len(o.activeGoals))
	for _, g := range o.activeGoals {
		goals = append(goals, g)
	}
	taskCount := len(o.activeGoals)
	o.mu.Unlock()

	missing := o.registry.WarnMissingPosition()
	warnings := make([]string, 0, len(missing))
	for _, cubeID := range missing {
		warnings = append(warnings, fmt.Sprintf("Cube %s position unknown", cubeID))
	}

	return FleetState{
		TickHz:       defaultTickHz,
		TasksInQueue: taskCount,
		Warnings:     warnings,
		ActiveGoals:  goals,
	}
}

// History returns up to limit of the most recently kept goal assignments,
// oldest first. limit <= 0 returns the full retained ring.
func (o *Orchestrator) History(limit int) []GoalAssignment {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.history) {
		limit = len(o.history)
	}
	start := len(o.history) - limit
	out := make([]GoalAssignment, limit)
	copy(out, o.history[start:])
	return out
}
