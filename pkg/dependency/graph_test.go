package dependency

import (
	"testing"
	"time"

	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func j(id string, dur time.Duration, needs ...string) *types.Job {
	return &types.Job{ID: id, EstDuration: dur, Needs: needs}
}

func TestLayersOrdersByDependency(t *testing.T) {
	g := Build([]*types.Job{
		j("a", time.Second),
		j("b", time.Second, "a"),
		j("c", time.Second, "a"),
		j("d", time.Second, "b", "c"),
	})

	layers, err := g.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 3)
	assert.Equal(t, []string{"a"}, layers[0])
	assert.ElementsMatch(t, []string{"b", "c"}, layers[1])
	assert.Equal(t, []string{"d"}, layers[2])
}

func TestDetectCycleFindsCycle(t *testing.T) {
	g := Build([]*types.Job{
		j("a", time.Second, "c"),
		j("b", time.Second, "a"),
		j("c", time.Second, "b"),
	})
	cyc := g.DetectCycle()
	assert.NotEmpty(t, cyc)

	_, err := g.Layers()
	assert.ErrorIs(t, err, types.ErrCyclicDependency)
}

func TestCriticalPathPicksLongestChain(t *testing.T) {
	g := Build([]*types.Job{
		j("a", 1*time.Second),
		j("b", 10*time.Second, "a"),
		j("c", 1*time.Second, "a"),
		j("d", 1*time.Second, "b", "c"),
	})
	path, err := g.CriticalPath()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "d"}, path)
}

func TestReadyHonoursCondition(t *testing.T) {
	g := Build([]*types.Job{j("a", time.Second), j("b", time.Second, "a")})
	g.AddEdge(Edge{From: "a", To: "b", Condition: ConditionFailure})

	statuses := map[string]NodeStatus{"a": {State: types.JobCompleted}}
	assert.False(t, g.Ready("b", statuses))

	statuses["a"] = NodeStatus{State: types.JobFailed}
	assert.True(t, g.Ready("b", statuses))
}

func TestReadyTreatsFailedOptionalEdgeAsSatisfied(t *testing.T) {
	g := Build([]*types.Job{j("a", time.Second), j("b", time.Second, "a")})
	g.AddEdge(Edge{From: "a", To: "b", Condition: ConditionSuccess, Optional: true})

	statuses := map[string]NodeStatus{"a": {State: types.JobFailed}}
	assert.True(t, g.Ready("b", statuses), "a failed optional edge should be treated as satisfied")
}

func TestReadyBlocksOnNonOptionalFailedEdge(t *testing.T) {
	g := Build([]*types.Job{j("a", time.Second), j("b", time.Second, "a")})

	statuses := map[string]NodeStatus{"a": {State: types.JobFailed}}
	assert.False(t, g.Ready("b", statuses))
}

func TestReadyEvaluatesExitCodeExpression(t *testing.T) {
	g := Build([]*types.Job{j("a", time.Second), j("b", time.Second, "a")})
	g.AddEdge(Edge{From: "a", To: "b", Condition: ConditionExpression, Expr: ExprExitCode, ExitCode: 2, ExitCodeOp: "=="})

	statuses := map[string]NodeStatus{"a": {State: types.JobFailed, ExitCode: 1}}
	assert.False(t, g.Ready("b", statuses))

	statuses["a"] = NodeStatus{State: types.JobFailed, ExitCode: 2}
	assert.True(t, g.Ready("b", statuses))
}

func TestPropagateStrictCancelsTransitiveDescendants(t *testing.T) {
	g := Build([]*types.Job{
		j("a", time.Second),
		j("b", time.Second, "a"),
		j("c", time.Second, "b"),
	})
	out := g.Propagate("a", PropagateStrict, 0)
	assert.ElementsMatch(t, []string{"b", "c"}, out)
}

func TestPropagateLenientCancelsOnlyDirect(t *testing.T) {
	g := Build([]*types.Job{
		j("a", time.Second),
		j("b", time.Second, "a"),
		j("c", time.Second, "b"),
	})
	out := g.Propagate("a", PropagateLenient, 0)
	assert.Equal(t, []string{"b"}, out)
}
