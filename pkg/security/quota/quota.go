// Package quota tracks per-repository resource consumption and enforces
// concurrency and CPU-minute ceilings for the security orchestrator's
// quota stage.
package quota

import (
	"sync"
	"time"

	"github.com/cuemby/runnerhub/pkg/types"
)

// Limits bounds one repository's consumption.
type Limits struct {
	MaxConcurrentJobs int
	MaxCPUMinutesHour float64
}

type usage struct {
	active     int
	cpuMinutes []cpuSample
}

type cpuSample struct {
	at     time.Time
	amount float64
}

// Tracker enforces Limits per repository key.
type Tracker struct {
	mu       sync.Mutex
	limits   map[string]Limits
	fallback Limits
	usage    map[string]*usage
}

// New creates a Tracker with defaultLimits applied to repositories with no
// explicit override.
func New(defaultLimits Limits) *Tracker {
	return &Tracker{
		limits:   make(map[string]Limits),
		fallback: defaultLimits,
		usage:    make(map[string]*usage),
	}
}

// SetLimits overrides the limits for one repository.
func (t *Tracker) SetLimits(repo string, l Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[repo] = l
}

func (t *Tracker) limitsFor(repo string) Limits {
	if l, ok := t.limits[repo]; ok {
		return l
	}
	return t.fallback
}

// Admit reports whether job's repository has room under its quota, and if
// so reserves a concurrency slot. Call Release when the job finishes.
func (t *Tracker) Admit(job *types.Job) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.usageFor(job.Repository)
	limits := t.limitsFor(job.Repository)

	if limits.MaxConcurrentJobs > 0 && u.active >= limits.MaxConcurrentJobs {
		return false, types.ErrQuotaViolation
	}
	if limits.MaxCPUMinutesHour > 0 {
		spent := t.hourlyCPUMinutes(u)
		estimated := job.EstDuration.Minutes() * job.Resources.CPU.Pref
		if spent+estimated > limits.MaxCPUMinutesHour {
			return false, types.ErrQuotaViolation
		}
	}

	u.active++
	return true, nil
}

// Release returns job's concurrency slot and records its actual CPU-minutes
// consumption for the rolling hourly window.
func (t *Tracker) Release(job *types.Job, actualCPUMinutes float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.usageFor(job.Repository)
	if u.active > 0 {
		u.active--
	}
	u.cpuMinutes = append(u.cpuMinutes, cpuSample{at: time.Now(), amount: actualCPUMinutes})
}

func (t *Tracker) usageFor(repo string) *usage {
	u, ok := t.usage[repo]
	if !ok {
		u = &usage{}
		t.usage[repo] = u
	}
	return u
}

func (t *Tracker) hourlyCPUMinutes(u *usage) float64 {
	cutoff := time.Now().Add(-time.Hour)
	var total float64
	kept := u.cpuMinutes[:0]
	for _, s := range u.cpuMinutes {
		if s.at.After(cutoff) {
			total += s.amount
			kept = append(kept, s)
		}
	}
	u.cpuMinutes = kept
	return total
}
