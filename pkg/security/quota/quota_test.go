package quota

import (
	"testing"
	"time"

	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitDeniesOverConcurrencyLimit(t *testing.T) {
	tr := New(Limits{MaxConcurrentJobs: 1})
	job := &types.Job{Repository: "acme/web", EstDuration: time.Minute, Resources: types.ResourceRequirements{CPU: types.ResourceRange{Pref: 1}}}

	ok, err := tr.Admit(job)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.Admit(job)
	assert.ErrorIs(t, err, types.ErrQuotaViolation)
	assert.False(t, ok)
}

func TestReleaseFreesConcurrencySlot(t *testing.T) {
	tr := New(Limits{MaxConcurrentJobs: 1})
	job := &types.Job{Repository: "acme/web"}

	ok, _ := tr.Admit(job)
	require.True(t, ok)
	tr.Release(job, 0.5)

	ok, err := tr.Admit(job)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPerRepoOverrideIsRespected(t *testing.T) {
	tr := New(Limits{MaxConcurrentJobs: 1})
	tr.SetLimits("acme/special", Limits{MaxConcurrentJobs: 5})

	job := &types.Job{Repository: "acme/special"}
	for i := 0; i < 5; i++ {
		ok, err := tr.Admit(job)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := tr.Admit(job)
	assert.ErrorIs(t, err, types.ErrQuotaViolation)
	assert.False(t, ok)
}
