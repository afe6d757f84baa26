package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toio-swarm/control-server/internal/registry"
)

func TestAssignGoalFirstTargetWins(t *testing.T) {
	reg := registry.New(map[string]string{"ABC": "relay-1", "DEF": "relay-1"})
	orch := New(reg)

	goalID, err := orch.AssignGoal(GoalRequest{Targets: []string{"ABC", "DEF"}, Pose: GoalPose{X: 1, Y: 2}})
	require.NoError(t, err)
	assert.Equal(t, "goal-1", goalID)

	snap := orch.Snapshot()
	require.Len(t, snap.ActiveGoals, 1)
	assert.Equal(t, "ABC", snap.ActiveGoals[0].CubeID)
}

func TestAssignGoalRejectsEmptyTargets(t *testing.T) {
	reg := registry.New(nil)
	orch := New(reg)

	_, err := orch.AssignGoal(GoalRequest{})
	assert.Error(t, err)
}

func TestAssignGoalReplacesExisting(t *testing.T) {
	reg := registry.New(map[string]string{"ABC": "relay-1"})
	orch := New(reg)

	first, _ := orch.AssignGoal(GoalRequest{Targets: []string{"ABC"}, Pose: GoalPose{X: 1, Y: 1}})
	second, _ := orch.AssignGoal(GoalRequest{Targets: []string{"ABC"}, Pose: GoalPose{X: 2, Y: 2}})
	assert.NotEqual(t, first, second)

	snap := orch.Snapshot()
	require.Len(t, snap.ActiveGoals, 1)
	assert.Equal(t, second, snap.ActiveGoals[0].GoalID)
	assert.Equal(t, 2.0, snap.ActiveGoals[0].Pose.X)
}

func TestGoalCounterMonotonicAcrossCubes(t *testing.T) {
	reg := registry.New(map[string]string{"ABC": "relay-1", "DEF": "relay-1"})
	orch := New(reg)

	g1, _ := orch.AssignGoal(GoalRequest{Targets: []string{"ABC"}})
	g2, _ := orch.AssignGoal(GoalRequest{Targets: []string{"DEF"}})
	assert.Equal(t, "goal-1", g1)
	assert.Equal(t, "goal-2", g2)
}

func TestClearGoalRemovesActive(t *testing.T) {
	reg := registry.New(map[string]string{"ABC": "relay-1"})
	orch := New(reg)

	orch.AssignGoal(GoalRequest{Targets: []string{"ABC"}})
	orch.ClearGoal("ABC")

	snap := orch.Snapshot()
	assert.Empty(t, snap.ActiveGoals)
}

func TestSnapshotWarnsOnMissingPosition(t *testing.T) {
	reg := registry.New(map[string]string{"ABC": "relay-1"})
	orch := New(reg)

	snap := orch.Snapshot()
	require.Len(t, snap.Warnings, 1)
	assert.Contains(t, snap.Warnings[0], "ABC")
}

func TestHistoryOnlyKeptWhenRequested(t *testing.T) {
	reg := registry.New(map[string]string{"ABC": "relay-1"})
	orch := New(reg)

	orch.AssignGoal(GoalRequest{Targets: []string{"ABC"}, KeepHistory: false})
	assert.Empty(t, orch.History(0))

	orch.AssignGoal(GoalRequest{Targets: []string{"ABC"}, KeepHistory: true})
	assert.Len(t, orch.History(0), 1)
}

func TestHistoryBounded(t *testing.T) {
	reg := registry.New(map[string]string{"ABC": "relay-1"})
	orch := New(reg)

	for i := 0; i < maxGoalHistory+10; i++ {
		orch.AssignGoal(GoalRequest{Targets: []string{"ABC"}, KeepHistory: true})
	}
	assert.Len(t, orch.History(0), maxGoalHistory)
}
