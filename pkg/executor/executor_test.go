package executor

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/runnerhub/pkg/container"
	"github.com/cuemby/runnerhub/pkg/dependency"
	"github.com/cuemby/runnerhub/pkg/security"
	"github.com/cuemby/runnerhub/pkg/security/netiso"
	"github.com/cuemby/runnerhub/pkg/security/scanner"
	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyMapsKnownErrors(t *testing.T) {
	assert.Equal(t, ClassRouting, Classify(types.ErrNoEligibleRunner))
	assert.Equal(t, ClassScheduling, Classify(types.ErrNoEligiblePool))
	assert.Equal(t, ClassResource, Classify(types.ErrQuotaViolation))
	assert.Equal(t, ClassDependency, Classify(types.ErrCyclicDependency))
	assert.Equal(t, ClassSystem, Classify(types.ErrInternal))
}

func TestCandidateIDsExtractsIDs(t *testing.T) {
	candidates := []*types.RunnerCandidate{{ID: "a"}, {ID: "b"}}
	assert.Equal(t, []string{"a", "b"}, candidateIDs(candidates))
}

func TestIsTerminalStates(t *testing.T) {
	assert.True(t, isTerminal(types.JobCompleted))
	assert.True(t, isTerminal(types.JobFailed))
	assert.True(t, isTerminal(types.JobCancelled))
	assert.False(t, isTerminal(types.JobRunning))
}

func TestSubmitRejectsCyclicPlan(t *testing.T) {
	e := New(nil, nil, nil, nil, nil, func(*types.Job) []*types.RunnerCandidate { return nil })
	jobs := []*types.Job{
		{ID: "a", Needs: []string{"b"}, EstDuration: time.Second},
		{ID: "b", Needs: []string{"a"}, EstDuration: time.Second},
	}
	_, err := e.Submit(nil, "plan-1", jobs)
	assert.ErrorIs(t, err, types.ErrCyclicDependency)
}

func TestRunContainerWithNilEngineIsNoop(t *testing.T) {
	e := New(nil, nil, nil, nil, nil, nil)
	_, err := e.runContainer(context.Background(), &types.Job{ID: "job-1"}, nil)
	assert.NoError(t, err)
}

func TestRunContainerDrivesEngineLifecycle(t *testing.T) {
	engine := container.NewMemoryEngine()
	e := New(nil, nil, nil, nil, engine, nil)

	job := &types.Job{ID: "job-1", Image: "alpine"}
	_, err := e.runContainer(context.Background(), job, nil)
	require.NoError(t, err)

	_, err = engine.Inspect(context.Background(), "job-1")
	assert.Error(t, err, "container should have been removed after run")
}

func newTrackedExecutor(t *testing.T, jobID, planID string) (*Executor, *container.MemoryEngine, *types.ExecutionJob) {
	t.Helper()
	engine := container.NewMemoryEngine()
	sec := security.New(nil, nil, nil, scanner.Policy{}, netiso.New(), nil)
	e := New(nil, nil, nil, sec, engine, nil)

	job := &types.Job{ID: jobID}
	ctx := context.Background()
	sc, err := sec.Open(ctx, job, "")
	require.NoError(t, err)
	_, err = engine.Create(ctx, container.Spec{ID: job.ID, NetworkID: sc.NetworkID})
	require.NoError(t, err)

	ej := &types.ExecutionJob{Job: job, State: types.JobRunning}
	plan := &types.ExecutionPlan{ID: planID, Jobs: map[string]*types.ExecutionJob{job.ID: ej}}
	e.plans[planID] = plan
	e.graphs[planID] = dependency.Build([]*types.Job{job})
	e.ctxs[job.ID] = sc
	e.planOf[job.ID] = planID
	return e, engine, ej
}

func TestHandleThreatCriticalIsolatesAndTerminates(t *testing.T) {
	e, _, ej := newTrackedExecutor(t, "job-1", "plan-1")

	e.HandleThreat(context.Background(), "job-1", types.Threat{Level: "critical", Kind: "escape-attempt", Detail: "ptrace syscall"})

	assert.Equal(t, types.JobFailed, ej.State)
	require.Len(t, ej.Attempts, 0) // no attempt was ever recorded for this synthetic job
}

func TestHandleThreatHighOnlyTerminatesWhenBlockOnSecurityFailureSet(t *testing.T) {
	e, _, ej := newTrackedExecutor(t, "job-2", "plan-2")

	e.HandleThreat(context.Background(), "job-2", types.Threat{Level: "high", Kind: "suspicious-network", Detail: "unexpected egress"})
	assert.Equal(t, types.JobRunning, ej.State)

	e.SetBlockOnSecurityFailure(true)
	e.HandleThreat(context.Background(), "job-2", types.Threat{Level: "high", Kind: "suspicious-network", Detail: "unexpected egress"})
	assert.Equal(t, types.JobFailed, ej.State)
}

func TestHandleThreatUnknownJobIsNoop(t *testing.T) {
	e, _, _ := newTrackedExecutor(t, "job-3", "plan-3")
	assert.NotPanics(t, func() {
		e.HandleThreat(context.Background(), "no-such-job", types.Threat{Level: "critical"})
	})
}
