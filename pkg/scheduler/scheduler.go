// Package scheduler owns resource pools and picks a pool and runner inside
// it under a pluggable policy, reserving capacity atomically, per spec §4.3.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/runnerhub/pkg/log"
	"github.com/cuemby/runnerhub/pkg/metrics"
	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Policy selects which scheduling algorithm governs pool/runner choice.
type Policy string

const (
	PolicyFIFO            Policy = "fifo"
	PolicyFairShare        Policy = "fairshare"
	PolicyPriority         Policy = "priority"
	PolicyShortestJobFirst Policy = "sjf"
	PolicyBackfill         Policy = "backfill"
	PolicyDeadlineAware    Policy = "deadline"
	PolicyMultiObjective   Policy = "multiobjective"
)

// MultiObjectiveWeights are the MultiObjective policy's scoring weights from §4.3.
var MultiObjectiveWeights = struct {
	Performance float64
	Fit         float64
	Reliability float64
	Load        float64
	Locality    float64
}{0.30, 0.25, 0.20, 0.15, 0.10}

// Scheduler assigns jobs to resource pools and runners under one active policy.
type Scheduler struct {
	logger zerolog.Logger
	policy Policy

	mu      sync.Mutex
	pools   map[string]*types.ResourcePool
	runners map[string]*types.RunnerCandidate
	scheduled map[string]*types.ScheduledJob // jobID -> ScheduledJob, at most one per job

	preemption types.PreemptionPolicy
	onPreempt  func(jobID string)

	scaleMu   sync.Mutex
	lastScaleUp   map[string]time.Time
	lastScaleDown map[string]time.Time
}

// New creates a Scheduler under the given policy.
func New(policy Policy, preemption types.PreemptionPolicy) *Scheduler {
	return &Scheduler{
		logger:        log.WithComponent("scheduler"),
		policy:        policy,
		pools:         make(map[string]*types.ResourcePool),
		runners:       make(map[string]*types.RunnerCandidate),
		scheduled:     make(map[string]*types.ScheduledJob),
		preemption:    preemption,
		lastScaleUp:   make(map[string]time.Time),
		lastScaleDown: make(map[string]time.Time),
	}
}

// OnPreempt registers a callback invoked with the job ID chosen as a
// preemption victim; the caller is responsible for actually stopping it.
// The callback runs synchronously while the scheduler's lock is held, so it
// must not call back into the Scheduler.
func (s *Scheduler) OnPreempt(fn func(jobID string)) { s.onPreempt = fn }

// AddPool registers a resource pool.
func (s *Scheduler) AddPool(p *types.ResourcePool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[p.ID] = p
}

// AddRunner registers a runner candidate.
func (s *Scheduler) AddRunner(r *types.RunnerCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[r.ID] = r
}

// Pools returns a snapshot of all registered pools.
func (s *Scheduler) Pools() []*types.ResourcePool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.ResourcePool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p)
	}
	return out
}

// Schedule attempts to reserve capacity for job, returning the ScheduledJob
// on success. At most one ScheduledJob exists per job at a time.
func (s *Scheduler) Schedule(job *types.Job) (*types.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scheduled[job.ID]; exists {
		return s.scheduled[job.ID], nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	candidatePools := s.eligiblePools(job)
	if len(candidatePools) == 0 && s.preemption.Enabled && job.Priority <= s.preemption.PriorityThreshold {
		// A full pool is not eligible, so look for a victim in any active
		// pool and re-check eligibility once its capacity is freed.
		var active []*types.ResourcePool
		for _, p := range s.pools {
			if p.Status == types.PoolActive {
				active = append(active, p)
			}
		}
		if s.tryPreempt(job, active) == nil {
			candidatePools = s.eligiblePools(job)
		}
	}
	if len(candidatePools) == 0 {
		return nil, types.ErrNoEligiblePool
	}

	pool, runnerID, alloc, err := s.selectByPolicy(job, candidatePools)
	if err != nil {
		if s.preemption.Enabled && job.Priority <= s.preemption.PriorityThreshold {
			if err2 := s.tryPreempt(job, candidatePools); err2 == nil {
				pool, runnerID, alloc, err = s.selectByPolicy(job, candidatePools)
			}
		}
		if err != nil {
			return nil, err
		}
	}

	s.reserveLocked(pool, runnerID, alloc)

	now := time.Now()
	sj := &types.ScheduledJob{
		JobID:       job.ID,
		PoolID:      pool.ID,
		RunnerID:    runnerID,
		ScheduledAt: now,
		EstStart:    now,
		EstEnd:      now.Add(job.EstDuration),
		Allocation:  alloc,
		Priority:    job.Priority,
		Preemptible: job.Priority >= types.PriorityLow,
	}
	s.scheduled[job.ID] = sj
	metrics.JobsScheduled.Inc()
	s.logger.Info().Str("job_id", job.ID).Str("pool_id", pool.ID).Str("runner_id", runnerID).Msg("job scheduled")
	return sj, nil
}

// Release returns a ScheduledJob's allocation to its pool/runner. Releasing
// twice or releasing an unknown job is a no-op.
func (s *Scheduler) Release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj, ok := s.scheduled[jobID]
	if !ok {
		return
	}
	delete(s.scheduled, jobID)

	if pool, ok := s.pools[sj.PoolID]; ok {
		pool.Reserved.CPUCores -= sj.Allocation.CPUCores
		pool.Reserved.MemoryB -= sj.Allocation.MemoryB
		pool.Reserved.DiskB -= sj.Allocation.DiskB
		clampNonNegative(pool)
	}
	if runner, ok := s.runners[sj.RunnerID]; ok {
		runner.Capacity.CPUCores += sj.Allocation.CPUCores
		runner.Capacity.MemoryB += sj.Allocation.MemoryB
		runner.Capacity.DiskB += sj.Allocation.DiskB
	}
}

func clampNonNegative(pool *types.ResourcePool) {
	if pool.Reserved.CPUCores < 0 {
		pool.Reserved.CPUCores = 0
	}
	if pool.Reserved.MemoryB < 0 {
		pool.Reserved.MemoryB = 0
	}
	if pool.Reserved.DiskB < 0 {
		pool.Reserved.DiskB = 0
	}
}

func (s *Scheduler) eligiblePools(job *types.Job) []*types.ResourcePool {
	var out []*types.ResourcePool
	for _, p := range s.pools {
		if p.Status != types.PoolActive {
			continue
		}
		avail := p.Available()
		if avail.CPUCores < job.Resources.CPU.Min || avail.MemoryB < int64(job.Resources.Memory.Min) {
			continue
		}
		if !withinWindow(p, job) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func withinWindow(p *types.ResourcePool, job *types.Job) bool {
	if len(p.Policies.Windows) == 0 {
		return true
	}
	now := time.Now()
	offset := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute
	for _, w := range p.Policies.Windows {
		if offset >= w.Start && offset <= w.End && w.MinPriority >= job.Priority {
			return true
		}
	}
	return false
}

// selectByPolicy picks a pool, runner, and allocation under the active policy.
func (s *Scheduler) selectByPolicy(job *types.Job, pools []*types.ResourcePool) (*types.ResourcePool, string, types.Allocation, error) {
	switch s.policy {
	case PolicyFairShare:
		return s.selectFairShare(job, pools)
	case PolicyShortestJobFirst:
		return s.selectSJF(job, pools)
	case PolicyDeadlineAware:
		return s.selectDeadlineAware(job, pools)
	case PolicyMultiObjective:
		return s.selectMultiObjective(job, pools)
	case PolicyBackfill:
		return s.selectBackfill(job, pools)
	default:
		return s.selectFIFO(job, pools)
	}
}

func (s *Scheduler) allocationFor(job *types.Job) types.Allocation {
	return types.Allocation{
		CPUCores: job.Resources.CPU.Pref,
		MemoryB:  int64(job.Resources.Memory.Pref),
		DiskB:    int64(job.Resources.Disk.Pref),
		GPU:      job.Resources.GPU,
	}
}

func (s *Scheduler) runnerInPool(pool *types.ResourcePool, job *types.Job) (string, error) {
	for _, rid := range pool.Runners {
		r, ok := s.runners[rid]
		if !ok {
			continue
		}
		if r.Status != types.RunnerActive && r.Status != types.RunnerIdle {
			continue
		}
		if r.Capacity.CPUCores >= job.Resources.CPU.Min && r.Capacity.MemoryB >= int64(job.Resources.Memory.Min) {
			return r.ID, nil
		}
	}
	return "", types.ErrNoAvailableRunner
}

func (s *Scheduler) selectFIFO(job *types.Job, pools []*types.ResourcePool) (*types.ResourcePool, string, types.Allocation, error) {
	pool := pools[0]
	runnerID, err := s.runnerInPool(pool, job)
	if err != nil {
		return nil, "", types.Allocation{}, err
	}
	return pool, runnerID, s.allocationFor(job), nil
}

func (s *Scheduler) selectFairShare(job *types.Job, pools []*types.ResourcePool) (*types.ResourcePool, string, types.Allocation, error) {
	best := pools[0]
	bestRatio := fairShareUsageRatio(best)
	for _, p := range pools[1:] {
		if r := fairShareUsageRatio(p); r < bestRatio {
			best, bestRatio = p, r
		}
	}
	runnerID, err := s.runnerInPool(best, job)
	if err != nil {
		return nil, "", types.Allocation{}, err
	}
	return best, runnerID, s.allocationFor(job), nil
}

func fairShareUsageRatio(p *types.ResourcePool) float64 {
	n := float64(len(p.Runners))
	if n == 0 || p.Total.CPUCores == 0 {
		return 0
	}
	fairShare := p.Total.CPUCores / n
	if fairShare == 0 {
		return 0
	}
	return p.Reserved.CPUCores / fairShare
}

// selectSJF prefers slotting the job into a pool it can clear before that
// pool's nearest existing reservation ends, so short jobs cut through busy
// pools instead of waiting behind FIFO's always-pools[0] choice. Pools with
// no pending reservation are ranked by fair-share load rather than handed to
// whichever pool happened to come first, so the policy still differs from
// Backfill when every pool is idle.
func (s *Scheduler) selectSJF(job *types.Job, pools []*types.ResourcePool) (*types.ResourcePool, string, types.Allocation, error) {
	deadline := time.Now().Add(job.EstDuration)
	for _, pool := range pools {
		nearest := s.nearestDeadline(pool)
		if !nearest.IsZero() && deadline.Before(nearest) {
			if runnerID, err := s.runnerInPool(pool, job); err == nil {
				return pool, runnerID, s.allocationFor(job), nil
			}
		}
	}

	best := pools[0]
	bestRatio := fairShareUsageRatio(best)
	for _, p := range pools[1:] {
		if r := fairShareUsageRatio(p); r < bestRatio {
			best, bestRatio = p, r
		}
	}
	runnerID, err := s.runnerInPool(best, job)
	if err != nil {
		return nil, "", types.Allocation{}, err
	}
	return best, runnerID, s.allocationFor(job), nil
}

func (s *Scheduler) selectDeadlineAware(job *types.Job, pools []*types.ResourcePool) (*types.ResourcePool, string, types.Allocation, error) {
	if job.Deadline == nil {
		return s.selectFIFO(job, pools)
	}
	for _, pool := range pools {
		for _, rid := range pool.Runners {
			r, ok := s.runners[rid]
			if !ok || r.BenchmarkScore <= 0 {
				continue
			}
			projected := float64(job.EstDuration) * (1 + r.CurrentLoad) / r.BenchmarkScore
			remaining := time.Until(*job.Deadline).Seconds()
			if projected <= remaining*float64(time.Second) {
				return pool, r.ID, s.allocationFor(job), nil
			}
		}
	}
	return nil, "", types.Allocation{}, types.ErrNoAvailableRunner
}

func (s *Scheduler) selectMultiObjective(job *types.Job, pools []*types.ResourcePool) (*types.ResourcePool, string, types.Allocation, error) {
	var bestPool *types.ResourcePool
	var bestRunner string
	bestScore := -1.0
	for _, pool := range pools {
		for _, rid := range pool.Runners {
			r, ok := s.runners[rid]
			if !ok || (r.Status != types.RunnerActive && r.Status != types.RunnerIdle) {
				continue
			}
			if r.Capacity.CPUCores < job.Resources.CPU.Min {
				continue
			}
			perf := clamp01(r.BenchmarkScore / 100)
			fit := clamp01(r.Capacity.CPUCores / maxf(job.Resources.CPU.Pref, 1))
			reliability := r.SuccessRate()
			load := 1 - r.CurrentLoad
			locality := 1.0

			score := perf*MultiObjectiveWeights.Performance +
				fit*MultiObjectiveWeights.Fit +
				reliability*MultiObjectiveWeights.Reliability +
				load*MultiObjectiveWeights.Load +
				locality*MultiObjectiveWeights.Locality

			if score > bestScore {
				bestScore = score
				bestPool = pool
				bestRunner = r.ID
			}
		}
	}
	if bestPool == nil {
		return nil, "", types.Allocation{}, types.ErrNoAvailableRunner
	}
	return bestPool, bestRunner, s.allocationFor(job), nil
}

// selectBackfill fills idle runner slots with small jobs that fit before
// the pool's nearest existing reservation deadline.
func (s *Scheduler) selectBackfill(job *types.Job, pools []*types.ResourcePool) (*types.ResourcePool, string, types.Allocation, error) {
	for _, pool := range pools {
		nearest := s.nearestDeadline(pool)
		if nearest.IsZero() || time.Now().Add(job.EstDuration).Before(nearest) {
			if runnerID, err := s.runnerInPool(pool, job); err == nil {
				return pool, runnerID, s.allocationFor(job), nil
			}
		}
	}
	return s.selectFIFO(job, pools)
}

func (s *Scheduler) nearestDeadline(pool *types.ResourcePool) time.Time {
	var nearest time.Time
	for _, sj := range s.scheduled {
		if sj.PoolID != pool.ID {
			continue
		}
		if nearest.IsZero() || sj.EstEnd.Before(nearest) {
			nearest = sj.EstEnd
		}
	}
	return nearest
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func (s *Scheduler) reserveLocked(pool *types.ResourcePool, runnerID string, alloc types.Allocation) {
	pool.Reserved.CPUCores += alloc.CPUCores
	pool.Reserved.MemoryB += alloc.MemoryB
	pool.Reserved.DiskB += alloc.DiskB
	if r, ok := s.runners[runnerID]; ok {
		r.Capacity.CPUCores -= alloc.CPUCores
		r.Capacity.MemoryB -= alloc.MemoryB
		r.Capacity.DiskB -= alloc.DiskB
	}
	if pool.Total.CPUCores > 0 {
		metrics.PoolUtilization.WithLabelValues(pool.ID).Set(pool.Reserved.CPUCores / pool.Total.CPUCores)
	}
}

// tryPreempt evicts one running job per the configured strategy to free
// capacity for job, within candidatePools.
func (s *Scheduler) tryPreempt(job *types.Job, candidatePools []*types.ResourcePool) error {
	poolIDs := make(map[string]bool, len(candidatePools))
	for _, p := range candidatePools {
		poolIDs[p.ID] = true
	}

	var victim *types.ScheduledJob
	for _, sj := range s.scheduled {
		if !poolIDs[sj.PoolID] || !sj.Preemptible || sj.Priority <= job.Priority {
			continue
		}
		if victim == nil || s.beats(sj, victim) {
			victim = sj
		}
	}
	if victim == nil {
		return types.ErrPreemptionFailed
	}

	s.logger.Warn().Str("job_id", victim.JobID).Msg("preempting job to free capacity")
	metrics.JobsPreempted.Inc()
	if s.onPreempt != nil {
		s.onPreempt(victim.JobID)
	}
	delete(s.scheduled, victim.JobID)
	if pool, ok := s.pools[victim.PoolID]; ok {
		pool.Reserved.CPUCores -= victim.Allocation.CPUCores
		pool.Reserved.MemoryB -= victim.Allocation.MemoryB
		pool.Reserved.DiskB -= victim.Allocation.DiskB
		clampNonNegative(pool)
	}
	if runner, ok := s.runners[victim.RunnerID]; ok {
		runner.Capacity.CPUCores += victim.Allocation.CPUCores
		runner.Capacity.MemoryB += victim.Allocation.MemoryB
	}
	return nil
}

// beats reports whether candidate is a "worse" (more preemptable) victim than
// current, per the configured PreemptionStrategy.
func (s *Scheduler) beats(candidate, current *types.ScheduledJob) bool {
	switch s.preemption.Strategy {
	case types.PreemptShortestRemaining:
		return candidate.EstEnd.Before(current.EstEnd)
	case types.PreemptNewestJob:
		return candidate.ScheduledAt.After(current.ScheduledAt)
	default: // PreemptLowestPriority, PreemptLeastProgress fall back to priority
		return candidate.Priority > current.Priority
	}
}

// AutoScaleDecision reports whether the scheduler would scale a pool up or down.
type AutoScaleDecision struct {
	PoolID string
	Up     bool
	Down   bool
	Steps  int
}

// Evaluate runs one autoscaling evaluation pass for pool against cfg,
// honouring cool-down timers to prevent flapping.
func (s *Scheduler) Evaluate(pool *types.ResourcePool, cfg types.PoolPolicies, min, max, upSteps, downSteps int, scaleUp, scaleDown float64, upCooldown, downCooldown time.Duration) *AutoScaleDecision {
	s.scaleMu.Lock()
	defer s.scaleMu.Unlock()

	if pool.Total.CPUCores == 0 {
		return nil
	}
	util := pool.Reserved.CPUCores / pool.Total.CPUCores
	now := time.Now()
	active := len(pool.Runners)

	if util > scaleUp && active < max {
		if last, ok := s.lastScaleUp[pool.ID]; !ok || now.Sub(last) >= upCooldown {
			s.lastScaleUp[pool.ID] = now
			return &AutoScaleDecision{PoolID: pool.ID, Up: true, Steps: upSteps}
		}
	}
	if util < scaleDown && active > min {
		if last, ok := s.lastScaleDown[pool.ID]; !ok || now.Sub(last) >= downCooldown {
			s.lastScaleDown[pool.ID] = now
			return &AutoScaleDecision{PoolID: pool.ID, Down: true, Steps: downSteps}
		}
	}
	return nil
}

// newPoolID is a small helper for callers minting fresh pool identifiers.
func newPoolID() string { return fmt.Sprintf("pool-%s", uuid.New().String()) }
