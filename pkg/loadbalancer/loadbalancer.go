// Package loadbalancer admits jobs, assigns them to priority queues,
// throttles by repo:workflow, trips per-runner circuit breakers, and
// dispatches to the Router when a concurrency slot opens, per spec §4.2.
package loadbalancer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/runnerhub/pkg/log"
	"github.com/cuemby/runnerhub/pkg/metrics"
	"github.com/cuemby/runnerhub/pkg/router"
	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// RejectReason names why a submission was refused admission.
type RejectReason string

const (
	RejectThrottled   RejectReason = "throttled"
	RejectCircuitOpen RejectReason = "circuit_open"
	RejectQueueFull   RejectReason = "queue_full"
)

// AdmitResult is returned synchronously from Submit.
type AdmitResult struct {
	Admitted bool
	Reason   RejectReason
}

// DispatchOutcome is recorded once a queued job has been routed.
type DispatchOutcome struct {
	Job    *types.Job
	Result *router.Result
	Err    error
}

// Config configures a LoadBalancer, mirroring §6's "LoadBalancer" surface.
type Config struct {
	MaxConcurrentJobs int
	MaxQueueSize      int
	PriorityQueues    int
	BreakerThreshold  float64
	HalfOpenTimeout   time.Duration
	RPS               float64
	RPM               float64
	Burst             int
	StickyEnabled     bool
	StickyKey         string // repository | workflow; any other value, including user, disables pinning
	StickyTTL         time.Duration
	MaxStickySessions int
	MaxRetries        int
	RetryBaseDelay    time.Duration
	ConsistentHash    bool
}

// DefaultConfig returns spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs: 50,
		MaxQueueSize:      1000,
		PriorityQueues:    5,
		BreakerThreshold:  0.5,
		HalfOpenTimeout:   60 * time.Second,
		RPS:               10,
		RPM:               60,
		Burst:             20,
		MaxRetries:        3,
		RetryBaseDelay:    time.Second,
	}
}

type queuedJob struct {
	job        *types.Job
	enqueuedAt time.Time
	retry      int
}

// LoadBalancer owns P priority queues and dispatches admitted jobs to a Router.
type LoadBalancer struct {
	cfg    Config
	logger zerolog.Logger
	router *router.Router
	ring   *hashRing

	mu        sync.Mutex
	queues    [][]*queuedJob
	active    int
	stopCh    chan struct{}

	bucketsMu sync.Mutex
	rpsBuckets map[string]*rate.Limiter
	rpmBuckets map[string]*rate.Limiter

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker

	sessionsMu sync.Mutex
	sessions   map[string]stickyEntry
	sessionOrder []string

	onDispatch      func(DispatchOutcome)
	candidateSource func(*types.Job) []*types.RunnerCandidate
}

// SetCandidateSource wires the function the dispatch loop calls to fetch the
// current runner candidate set for a job (owned by the Scheduler/manager
// layer, not the LoadBalancer).
func (lb *LoadBalancer) SetCandidateSource(fn func(*types.Job) []*types.RunnerCandidate) {
	lb.candidateSource = fn
}

type stickyEntry struct {
	runnerID string
	expires  time.Time
}

// New creates a LoadBalancer wired to r for dispatch decisions.
func New(cfg Config, r *router.Router) *LoadBalancer {
	if cfg.PriorityQueues <= 0 {
		cfg.PriorityQueues = 5
	}
	return &LoadBalancer{
		cfg:        cfg,
		logger:     log.WithComponent("loadbalancer"),
		router:     r,
		ring:       newHashRing(150),
		queues:     make([][]*queuedJob, cfg.PriorityQueues),
		stopCh:     make(chan struct{}),
		rpsBuckets: make(map[string]*rate.Limiter),
		rpmBuckets: make(map[string]*rate.Limiter),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		sessions:   make(map[string]stickyEntry),
	}
}

// OnDispatch registers a callback invoked after each job is routed.
func (lb *LoadBalancer) OnDispatch(fn func(DispatchOutcome)) {
	lb.onDispatch = fn
}

// UpdateRunners refreshes the consistent-hash ring membership.
func (lb *LoadBalancer) UpdateRunners(runnerIDs []string) {
	lb.ring.rebuild(runnerIDs)
}

// Submit admits job through rate limiting, circuit breaking, and queue
// capacity checks, per §4.2's admission pipeline. Rejected jobs never enter
// a queue.
func (lb *LoadBalancer) Submit(job *types.Job, candidateRunners []string) AdmitResult {
	key := fmt.Sprintf("%s:%s", job.Repository, job.Workflow)
	if !lb.allow(key) {
		metrics.JobsRejected.WithLabelValues(string(RejectThrottled)).Inc()
		return AdmitResult{Admitted: false, Reason: RejectThrottled}
	}

	if lb.allRunnersCircuitOpen(candidateRunners) {
		metrics.JobsRejected.WithLabelValues(string(RejectCircuitOpen)).Inc()
		return AdmitResult{Admitted: false, Reason: RejectCircuitOpen}
	}

	idx := queueIndex(job.Priority, lb.cfg.PriorityQueues)

	lb.mu.Lock()
	if len(lb.queues[idx]) >= lb.cfg.MaxQueueSize/lb.cfg.PriorityQueues {
		lb.mu.Unlock()
		metrics.JobsRejected.WithLabelValues(string(RejectQueueFull)).Inc()
		return AdmitResult{Admitted: false, Reason: RejectQueueFull}
	}
	lb.queues[idx] = append(lb.queues[idx], &queuedJob{job: job, enqueuedAt: time.Now()})
	metrics.QueueDepth.WithLabelValues(fmt.Sprint(idx)).Set(float64(len(lb.queues[idx])))
	lb.mu.Unlock()

	metrics.JobsAdmitted.Inc()
	return AdmitResult{Admitted: true}
}

// allow applies the per-second and per-minute token buckets plus burst.
func (lb *LoadBalancer) allow(key string) bool {
	lb.bucketsMu.Lock()
	defer lb.bucketsMu.Unlock()

	rps, ok := lb.rpsBuckets[key]
	if !ok {
		rps = rate.NewLimiter(rate.Limit(lb.cfg.RPS), lb.cfg.Burst)
		lb.rpsBuckets[key] = rps
	}
	rpm, ok := lb.rpmBuckets[key]
	if !ok {
		rpm = rate.NewLimiter(rate.Limit(lb.cfg.RPM/60.0), lb.cfg.Burst)
		lb.rpmBuckets[key] = rpm
	}
	return rps.Allow() && rpm.Allow()
}

func queueIndex(p types.Priority, n int) int {
	idx := int(p) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// breakerFor returns (creating if needed) the circuit breaker for runnerID.
func (lb *LoadBalancer) breakerFor(runnerID string) *gobreaker.CircuitBreaker {
	lb.breakersMu.Lock()
	defer lb.breakersMu.Unlock()
	if b, ok := lb.breakers[runnerID]; ok {
		return b
	}
	threshold := lb.cfg.BreakerThreshold
	timeout := lb.cfg.HalfOpenTimeout
	settings := gobreaker.Settings{
		Name:        runnerID,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			total := counts.TotalFailures + counts.TotalSuccesses
			if total == 0 {
				return false
			}
			return float64(counts.TotalFailures)/float64(total) >= threshold
		},
	}
	b := gobreaker.NewCircuitBreaker(settings)
	lb.breakers[runnerID] = b
	return b
}

func (lb *LoadBalancer) allRunnersCircuitOpen(runnerIDs []string) bool {
	if len(runnerIDs) == 0 {
		return false
	}
	for _, id := range runnerIDs {
		if lb.breakerFor(id).State() != gobreaker.StateOpen {
			return false
		}
	}
	return true
}

// RecordOutcome feeds a dispatch result back into the circuit breaker for
// runnerID.
func (lb *LoadBalancer) RecordOutcome(runnerID string, success bool) {
	b := lb.breakerFor(runnerID)
	_, _ = b.Execute(func() (any, error) {
		if success {
			return nil, nil
		}
		return nil, fmt.Errorf("job failed on runner %s", runnerID)
	})
	metrics.CircuitBreakerState.WithLabelValues(runnerID).Set(stateGauge(b.State()))
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Start begins the dispatch loop.
func (lb *LoadBalancer) Start(ctx context.Context) {
	go lb.run(ctx)
}

// Stop halts the dispatch loop.
func (lb *LoadBalancer) Stop() {
	close(lb.stopCh)
}

func (lb *LoadBalancer) run(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			lb.dispatchTick(ctx)
		case <-lb.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// dispatchTick pops from the highest non-empty priority queue, oldest job
// first, while active < maxConcurrent.
func (lb *LoadBalancer) dispatchTick(ctx context.Context) {
	for {
		lb.mu.Lock()
		if lb.active >= lb.cfg.MaxConcurrentJobs {
			lb.mu.Unlock()
			return
		}
		qj, idx := lb.popHighestPriority()
		if qj == nil {
			lb.mu.Unlock()
			return
		}
		lb.active++
		metrics.QueueDepth.WithLabelValues(fmt.Sprint(idx)).Set(float64(len(lb.queues[idx])))
		lb.mu.Unlock()

		go lb.dispatch(ctx, qj)
	}
}

func (lb *LoadBalancer) popHighestPriority() (*queuedJob, int) {
	for i := 0; i < len(lb.queues); i++ {
		if len(lb.queues[i]) > 0 {
			qj := lb.queues[i][0]
			lb.queues[i] = lb.queues[i][1:]
			return qj, i
		}
	}
	return nil, -1
}

func (lb *LoadBalancer) dispatch(ctx context.Context, qj *queuedJob) {
	defer func() {
		lb.mu.Lock()
		lb.active--
		lb.mu.Unlock()
	}()

	if qj.retry > 0 {
		backoff := lb.cfg.RetryBaseDelay * time.Duration(1<<uint(qj.retry-1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}

	candidates := lb.candidatesFor(qj.job)

	var res *router.Result
	var err error
	if lb.cfg.StickyEnabled {
		if pinned, ok := lb.stickyLookup(qj.job); ok {
			if only := onlyRunner(candidates, pinned); only != nil {
				res, err = lb.router.Route(qj.job, only)
			}
		}
	}
	if res == nil && lb.cfg.ConsistentHash {
		if owner, ok := lb.ring.Lookup(fmt.Sprintf("%s:%s", qj.job.Repository, qj.job.Workflow)); ok {
			if only := onlyRunner(candidates, owner); only != nil {
				res, err = lb.router.Route(qj.job, only)
			}
		}
	}
	if res == nil {
		res, err = lb.router.Route(qj.job, candidates)
	}
	outcome := DispatchOutcome{Job: qj.job, Result: res, Err: err}

	if err == nil {
		lb.RecordOutcome(res.Runner.ID, true)
		if lb.cfg.StickyEnabled {
			lb.stickyPin(qj.job, res.Runner.ID)
		}
	} else if qj.retry < lb.cfg.MaxRetries {
		qj.retry++
		idx := queueIndex(qj.job.Priority, lb.cfg.PriorityQueues)
		lb.mu.Lock()
		lb.queues[idx] = append(lb.queues[idx], qj)
		lb.mu.Unlock()
		if lb.onDispatch != nil {
			lb.onDispatch(outcome)
		}
		return
	}

	if lb.onDispatch != nil {
		lb.onDispatch(outcome)
	}
}

// candidatesFor returns the runner candidates for job from the wired
// candidate source (owned by the Scheduler/manager layer), narrowed by
// circuit-breaker health. dispatch then applies the sticky-session and
// consistent-hash preferences when they are enabled.
func (lb *LoadBalancer) candidatesFor(job *types.Job) []*types.RunnerCandidate {
	// Populated by the composition root via SetCandidateSource; see executor.
	if lb.candidateSource == nil {
		return nil
	}
	all := lb.candidateSource(job)
	var healthy []*types.RunnerCandidate
	for _, c := range all {
		if lb.breakerFor(c.ID).State() != gobreaker.StateOpen {
			healthy = append(healthy, c)
		}
	}
	return healthy
}

func onlyRunner(candidates []*types.RunnerCandidate, id string) []*types.RunnerCandidate {
	for _, c := range candidates {
		if c.ID == id {
			return []*types.RunnerCandidate{c}
		}
	}
	return nil
}

func (lb *LoadBalancer) stickyLookup(job *types.Job) (string, bool) {
	key := lb.stickyKey(job)
	if key == "" {
		return "", false
	}
	lb.sessionsMu.Lock()
	defer lb.sessionsMu.Unlock()
	e, ok := lb.sessions[key]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.runnerID, true
}

func (lb *LoadBalancer) stickyPin(job *types.Job, runnerID string) {
	key := lb.stickyKey(job)
	if key == "" {
		return
	}
	lb.sessionsMu.Lock()
	defer lb.sessionsMu.Unlock()
	if _, exists := lb.sessions[key]; !exists {
		lb.sessionOrder = append(lb.sessionOrder, key)
	}
	lb.sessions[key] = stickyEntry{runnerID: runnerID, expires: time.Now().Add(lb.cfg.StickyTTL)}
	lb.evictStickyLocked()
}

func (lb *LoadBalancer) evictStickyLocked() {
	max := lb.cfg.MaxStickySessions
	if max <= 0 {
		return
	}
	for len(lb.sessions) > max && len(lb.sessionOrder) > 0 {
		oldest := lb.sessionOrder[0]
		lb.sessionOrder = lb.sessionOrder[1:]
		delete(lb.sessions, oldest)
	}
}

func (lb *LoadBalancer) stickyKey(job *types.Job) string {
	switch lb.cfg.StickyKey {
	case "repository":
		return job.Repository
	case "workflow":
		return job.Workflow
	default:
		return ""
	}
}
