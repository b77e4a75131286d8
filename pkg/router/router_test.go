package router

import (
	"testing"

	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func normalJob() *types.Job {
	return &types.Job{
		ID:             "job-1",
		RequiredLabels: []string{"self-hosted", "linux"},
		Resources: types.ResourceRequirements{
			CPU:    types.ResourceRange{Min: 1, Pref: 2, Max: 4},
			Memory: types.ResourceRange{Min: 1 << 30, Pref: 4 << 30, Max: 8 << 30},
		},
		Priority:      types.PriorityNormal,
		SecurityLevel: types.SecurityPublic,
	}
}

func runner(id string, load float64) *types.RunnerCandidate {
	return &types.RunnerCandidate{
		ID:          id,
		Labels:      map[string]string{"self-hosted": "true", "linux": "true"},
		Capacity:    types.Capacity{CPUCores: 4, MemoryB: 8 << 30},
		CurrentLoad: load,
		Status:      types.RunnerActive,
	}
}

func TestRouteHappyPath(t *testing.T) {
	r := New(100)
	job := normalJob()
	candidates := []*types.RunnerCandidate{runner("runner-a", 0.1)}

	res, err := r.Route(job, candidates)
	require.NoError(t, err)
	assert.Equal(t, "runner-a", res.Runner.ID)
	assert.GreaterOrEqual(t, res.Confidence, 0.6)
}

func TestRouteNoCandidates(t *testing.T) {
	r := New(100)
	_, err := r.Route(normalJob(), nil)
	assert.ErrorIs(t, err, types.ErrNoCandidates)
}

func TestRouteRestrictedRequiresAllowlist(t *testing.T) {
	r := New(100)
	job := normalJob()
	job.SecurityLevel = types.SecurityRestricted
	_, err := r.Route(job, []*types.RunnerCandidate{runner("runner-a", 0.1)})
	assert.ErrorIs(t, err, types.ErrNoEligibleRunner)
}

func TestRouteExcludesOverloadedRunners(t *testing.T) {
	r := New(100)
	job := normalJob()
	candidates := []*types.RunnerCandidate{runner("busy", 0.9), runner("free", 0.2)}
	res, err := r.Route(job, candidates)
	require.NoError(t, err)
	assert.Equal(t, "free", res.Runner.ID)
}

func TestIntelligentAlgorithmSelectedForAffinity(t *testing.T) {
	job := normalJob()
	job.Affinity = []types.AffinityRule{{Key: "zone", Value: "us-east", Hard: true}}
	assert.Equal(t, AlgoIntelligent, selectAlgorithm(job))
}

func TestMLScoredForCriticalWithManyLabels(t *testing.T) {
	job := normalJob()
	job.Priority = types.PriorityCritical
	job.RequiredLabels = []string{"a", "b", "c"}
	assert.Equal(t, AlgoMLScored, selectAlgorithm(job))
}

func TestResourceAwareForLargeRequests(t *testing.T) {
	job := normalJob()
	job.Priority = types.PriorityLow
	job.Resources.CPU.Min = 8
	assert.Equal(t, AlgoResourceAware, selectAlgorithm(job))
}

func TestCacheHitOnRepeatRequest(t *testing.T) {
	r := New(100)
	job := normalJob()
	candidates := []*types.RunnerCandidate{runner("runner-a", 0.1)}

	res1, err := r.Route(job, candidates)
	require.NoError(t, err)
	assert.False(t, res1.CacheHit)

	res2, err := r.Route(job, candidates)
	require.NoError(t, err)
	assert.True(t, res2.CacheHit)
}
