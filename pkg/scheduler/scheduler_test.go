package scheduler

import (
	"testing"
	"time"

	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pool(id string, cpu float64) *types.ResourcePool {
	return &types.ResourcePool{
		ID:      id,
		Total:   types.Capacity{CPUCores: cpu, MemoryB: 16 << 30},
		Status:  types.PoolActive,
		Runners: []string{id + "-runner"},
	}
}

func idleRunner(id string, cpu float64) *types.RunnerCandidate {
	return &types.RunnerCandidate{
		ID:       id,
		Status:   types.RunnerIdle,
		Capacity: types.Capacity{CPUCores: cpu, MemoryB: 16 << 30},
	}
}

func smallJob(id string) *types.Job {
	return &types.Job{
		ID:          id,
		Priority:    types.PriorityNormal,
		EstDuration: time.Minute,
		Resources: types.ResourceRequirements{
			CPU:    types.ResourceRange{Min: 1, Pref: 1, Max: 2},
			Memory: types.ResourceRange{Min: 1 << 30, Pref: 1 << 30, Max: 2 << 30},
		},
	}
}

func TestScheduleReservesCapacity(t *testing.T) {
	s := New(PolicyFIFO, types.PreemptionPolicy{})
	p := pool("pool-a", 4)
	s.AddPool(p)
	s.AddRunner(idleRunner("pool-a-runner", 4))

	sj, err := s.Schedule(smallJob("job-1"))
	require.NoError(t, err)
	assert.Equal(t, "pool-a", sj.PoolID)
	assert.Equal(t, float64(1), p.Reserved.CPUCores)
}

func TestScheduleNoEligiblePool(t *testing.T) {
	s := New(PolicyFIFO, types.PreemptionPolicy{})
	_, err := s.Schedule(smallJob("job-1"))
	assert.ErrorIs(t, err, types.ErrNoEligiblePool)
}

func TestReleaseRestoresCapacity(t *testing.T) {
	s := New(PolicyFIFO, types.PreemptionPolicy{})
	p := pool("pool-a", 4)
	s.AddPool(p)
	s.AddRunner(idleRunner("pool-a-runner", 4))

	_, err := s.Schedule(smallJob("job-1"))
	require.NoError(t, err)
	s.Release("job-1")
	assert.Equal(t, float64(0), p.Reserved.CPUCores)
}

func TestPreemptionFreesCapacityForHigherPriority(t *testing.T) {
	pp := types.PreemptionPolicy{Enabled: true, PriorityThreshold: types.PriorityHigh, Strategy: types.PreemptLowestPriority}
	s := New(PolicyFIFO, pp)
	p := pool("pool-a", 1)
	s.AddPool(p)
	s.AddRunner(idleRunner("pool-a-runner", 1))

	low := smallJob("low-job")
	low.Priority = types.PriorityBackground
	_, err := s.Schedule(low)
	require.NoError(t, err)

	var preempted string
	s.OnPreempt(func(jobID string) { preempted = jobID })

	high := smallJob("high-job")
	high.Priority = types.PriorityCritical
	_, err = s.Schedule(high)
	require.NoError(t, err)
	assert.Equal(t, "low-job", preempted)
}

func TestSJFPrefersLeastLoadedPoolOverFIFOOrder(t *testing.T) {
	s := New(PolicyShortestJobFirst, types.PreemptionPolicy{})
	busy := pool("pool-a", 4)
	busy.Reserved.CPUCores = 3
	idle := pool("pool-b", 4)
	s.AddPool(busy)
	s.AddPool(idle)
	s.AddRunner(idleRunner("pool-a-runner", 1))
	s.AddRunner(idleRunner("pool-b-runner", 4))

	sj, err := s.Schedule(smallJob("job-1"))
	require.NoError(t, err)
	assert.Equal(t, "pool-b", sj.PoolID, "SJF should route to the less-loaded pool rather than whichever pool sorts first")
}

func TestSJFBackfillsJobThatFitsBeforeNearestDeadline(t *testing.T) {
	s := New(PolicyShortestJobFirst, types.PreemptionPolicy{})
	p := pool("pool-a", 4)
	s.AddPool(p)
	s.AddRunner(idleRunner("pool-a-runner", 4))

	long := smallJob("long-job")
	long.EstDuration = time.Hour
	_, err := s.Schedule(long)
	require.NoError(t, err)

	short := smallJob("short-job")
	short.EstDuration = time.Millisecond
	sj, err := s.Schedule(short)
	require.NoError(t, err)
	assert.Equal(t, "pool-a", sj.PoolID)
}

func TestAutoScaleEvaluateRespectsCooldown(t *testing.T) {
	s := New(PolicyFIFO, types.PreemptionPolicy{})
	p := pool("pool-a", 10)
	p.Reserved.CPUCores = 9
	p.Runners = []string{"r1"}

	d := s.Evaluate(p, types.PoolPolicies{}, 1, 5, 1, 1, 0.8, 0.3, time.Minute, time.Minute)
	require.NotNil(t, d)
	assert.True(t, d.Up)

	d2 := s.Evaluate(p, types.PoolPolicies{}, 1, 5, 1, 1, 0.8, 0.3, time.Minute, time.Minute)
	assert.Nil(t, d2)
}
