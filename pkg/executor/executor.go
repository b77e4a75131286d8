// Package executor drives an ExecutionPlan's jobs through the pipeline:
// dependency readiness, routing, load-balanced dispatch, scheduling, the
// security pipeline, and finally completion or retry, per spec §4.5.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/runnerhub/pkg/container"
	"github.com/cuemby/runnerhub/pkg/dependency"
	"github.com/cuemby/runnerhub/pkg/log"
	"github.com/cuemby/runnerhub/pkg/loadbalancer"
	"github.com/cuemby/runnerhub/pkg/metrics"
	"github.com/cuemby/runnerhub/pkg/router"
	"github.com/cuemby/runnerhub/pkg/scheduler"
	"github.com/cuemby/runnerhub/pkg/security"
	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/rs/zerolog"
)

// ErrorClass buckets a failure for retry/classification purposes.
type ErrorClass string

const (
	ClassRouting    ErrorClass = "routing"
	ClassScheduling ErrorClass = "scheduling"
	ClassResource   ErrorClass = "resource"
	ClassDependency ErrorClass = "dependency"
	ClassTimeout    ErrorClass = "timeout"
	ClassSystem     ErrorClass = "system"
)

// Classify maps an error to its ErrorClass for retry/backoff decisions.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassSystem
	case errIs(err, types.ErrNoEligibleRunner, types.ErrNoCandidates):
		return ClassRouting
	case errIs(err, types.ErrNoEligiblePool, types.ErrAllocationRefused, types.ErrPreemptionFailed):
		return ClassScheduling
	case errIs(err, types.ErrQuotaViolation):
		return ClassResource
	case errIs(err, types.ErrCyclicDependency, types.ErrDependencyTimeout):
		return ClassDependency
	case errIs(err, types.ErrTimeout):
		return ClassTimeout
	default:
		return ClassSystem
	}
}

func errIs(err error, targets ...error) bool {
	for _, t := range targets {
		// errors.Is walks the whole wrap chain, not just one level.
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

func unwrap(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return err
}

const (
	maxRetries     = 3
	retryBaseDelay = 2 * time.Second
)

// CandidateSource returns the runner candidates eligible to run job.
type CandidateSource func(job *types.Job) []*types.RunnerCandidate

// Executor drives ExecutionPlans to completion.
type Executor struct {
	logger zerolog.Logger

	router  *router.Router
	lb      *loadbalancer.LoadBalancer
	sched   *scheduler.Scheduler
	sec     *security.Orchestrator
	engine  container.Engine
	source  CandidateSource

	blockOnSecurityFailure bool // when true, a "high" threat also terminates the job, not just "critical"

	mu     sync.Mutex
	plans  map[string]*types.ExecutionPlan
	graphs map[string]*dependency.Graph     // planID -> dependency graph, for threat-triggered cancellation
	ctxs   map[string]*types.SecurityContext // jobID -> context while running
	planOf map[string]string                 // jobID -> planID while running

	onComplete func(planID string, plan *types.ExecutionPlan)
}

// New wires an Executor from its already-constructed pipeline stages. engine
// may be nil, in which case jobs are tracked through the state machine
// without an actual container being created (used in tests and dry runs).
func New(r *router.Router, lb *loadbalancer.LoadBalancer, sched *scheduler.Scheduler, sec *security.Orchestrator, engine container.Engine, source CandidateSource) *Executor {
	return &Executor{
		logger: log.WithComponent("executor"),
		router: r,
		lb:     lb,
		sched:  sched,
		sec:    sec,
		engine: engine,
		source: source,
		plans:  make(map[string]*types.ExecutionPlan),
		graphs: make(map[string]*dependency.Graph),
		ctxs:   make(map[string]*types.SecurityContext),
		planOf: make(map[string]string),
	}
}

// OnComplete registers a callback invoked whenever a plan reaches a
// terminal status.
func (e *Executor) OnComplete(fn func(planID string, plan *types.ExecutionPlan)) { e.onComplete = fn }

// SetBlockOnSecurityFailure toggles whether a "high" severity threat (in
// addition to "critical") terminates the job it was raised against, per the
// blockOnSecurityFailure security policy.
func (e *Executor) SetBlockOnSecurityFailure(block bool) { e.blockOnSecurityFailure = block }

// Submit registers a new ExecutionPlan for jobs and begins running it.
func (e *Executor) Submit(ctx context.Context, planID string, jobs []*types.Job) (*types.ExecutionPlan, error) {
	graph := dependency.Build(jobs)
	if cyc := graph.DetectCycle(); cyc != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCyclicDependency, cyc)
	}

	plan := &types.ExecutionPlan{
		ID:        planID,
		Jobs:      make(map[string]*types.ExecutionJob, len(jobs)),
		Status:    types.PlanRunning,
		CreatedAt: time.Now(),
	}
	for _, j := range jobs {
		plan.Jobs[j.ID] = &types.ExecutionJob{Job: j, Stage: types.StageCreated, State: types.JobPending}
		plan.EstDuration += j.EstDuration
	}

	e.mu.Lock()
	e.plans[planID] = plan
	e.graphs[planID] = graph
	e.mu.Unlock()

	go e.run(ctx, planID, graph)
	return plan, nil
}

// Report returns the current state of an ExecutionPlan by ID.
func (e *Executor) Report(planID string) (*types.ExecutionPlan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.plans[planID]
	return p, ok
}

func (e *Executor) run(ctx context.Context, planID string, graph *dependency.Graph) {
	statuses := make(map[string]dependency.NodeStatus)
	failures := 0

	for {
		e.mu.Lock()
		plan := e.plans[planID]
		var runnable []*types.ExecutionJob
		done := true
		for _, ej := range plan.Jobs {
			statuses[ej.Job.ID] = dependency.NodeStatus{State: ej.State, ExitCode: lastExitCode(ej)}
			if ej.State == types.JobPending && graph.Ready(ej.Job.ID, statuses) {
				runnable = append(runnable, ej)
			}
			if !isTerminal(ej.State) {
				done = false
			}
		}
		e.mu.Unlock()

		if done {
			e.finalize(planID)
			return
		}

		for _, ej := range runnable {
			go e.process(ctx, planID, ej, graph, &failures)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func candidateIDs(candidates []*types.RunnerCandidate) []string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	return ids
}

func isTerminal(s types.JobState) bool {
	return s == types.JobCompleted || s == types.JobFailed || s == types.JobCancelled
}

// lastExitCode returns ej's most recent attempt's exit code, for evaluating
// exit_code dependency expressions against it.
func lastExitCode(ej *types.ExecutionJob) int {
	if len(ej.Attempts) == 0 {
		return 0
	}
	return ej.Attempts[len(ej.Attempts)-1].ExitCode
}

func (e *Executor) process(ctx context.Context, planID string, ej *types.ExecutionJob, graph *dependency.Graph, failures *int) {
	e.setState(ej, types.JobRouting)
	job := ej.Job

	candidates := e.source(job)
	result, err := e.router.Route(job, candidates)
	if err != nil {
		e.fail(planID, ej, graph, failures, err)
		return
	}
	ej.Runner = result.Runner

	e.setState(ej, types.JobQueued)
	admit := e.lb.Submit(job, candidateIDs(candidates))
	if !admit.Admitted {
		e.fail(planID, ej, graph, failures, fmt.Errorf("%w: %s", types.ErrThrottled, admit.Reason))
		return
	}

	e.setState(ej, types.JobScheduled)
	if _, err := e.sched.Schedule(job); err != nil {
		e.fail(planID, ej, graph, failures, err)
		return
	}

	sc, err := e.sec.Open(ctx, job, "")
	if err != nil {
		e.sched.Release(job.ID)
		e.fail(planID, ej, graph, failures, err)
		return
	}
	e.mu.Lock()
	e.ctxs[job.ID] = sc
	e.planOf[job.ID] = planID
	e.mu.Unlock()
	defer e.untrack(job.ID)

	e.setState(ej, types.JobRunning)
	attempt := types.Attempt{Number: len(ej.Attempts) + 1, StartedAt: time.Now()}
	ej.Attempts = append(ej.Attempts, attempt)

	exitCode, err := e.runContainer(ctx, job, sc)
	if err != nil {
		ej.Attempts[len(ej.Attempts)-1].EndedAt = time.Now()
		ej.Attempts[len(ej.Attempts)-1].Error = err.Error()
		e.sched.Release(job.ID)
		e.sec.Close(job, sc, job.EstDuration.Minutes()*job.Resources.CPU.Pref)
		e.fail(planID, ej, graph, failures, err)
		return
	}

	if isTerminal(ej.State) {
		// HandleThreat already moved this job to Failed/Cancelled while its
		// container was running; don't overwrite that with Completed.
		return
	}

	e.setState(ej, types.JobCompleted)
	ej.Attempts[len(ej.Attempts)-1].EndedAt = time.Now()
	ej.Attempts[len(ej.Attempts)-1].ExitCode = exitCode
	e.sched.Release(job.ID)
	e.sec.Close(job, sc, job.EstDuration.Minutes()*job.Resources.CPU.Pref)
	metrics.JobsCompleted.WithLabelValues(string(types.JobCompleted)).Inc()
}

func (e *Executor) untrack(jobID string) {
	e.mu.Lock()
	delete(e.ctxs, jobID)
	delete(e.planOf, jobID)
	e.mu.Unlock()
}

// runContainer drives one job's container through create/start/stop/remove,
// returning its exit code for dependency expressions to evaluate. With no
// engine configured (tests, dry runs) it is a no-op success so the state
// machine still exercises its bookkeeping path.
func (e *Executor) runContainer(ctx context.Context, job *types.Job, sc *types.SecurityContext) (int, error) {
	if e.engine == nil {
		return 0, nil
	}
	spec := container.Spec{
		ID:       job.ID,
		Image:    job.Image,
		CPUCores: job.Resources.CPU.Pref,
		MemoryB:  int64(job.Resources.Memory.Pref),
	}
	if sc != nil {
		spec.NetworkID = sc.NetworkID
	}
	id, err := e.engine.Create(ctx, spec)
	if err != nil {
		return 0, fmt.Errorf("create container: %w", err)
	}
	if err := e.engine.Start(ctx, id); err != nil {
		return 0, fmt.Errorf("start container: %w", err)
	}
	exitCode := 0
	if insp, err := e.engine.Inspect(ctx, id); err != nil {
		e.logger.Warn().Str("job_id", job.ID).Err(err).Msg("inspect container failed")
	} else {
		exitCode = insp.ExitCode
	}
	if err := e.engine.Stop(ctx, id, 30*time.Second); err != nil {
		e.logger.Warn().Str("job_id", job.ID).Err(err).Msg("stop container failed")
	}
	if err := e.engine.Remove(ctx, id, true); err != nil {
		e.logger.Warn().Str("job_id", job.ID).Err(err).Msg("remove container failed")
	}
	return exitCode, nil
}

func (e *Executor) fail(planID string, ej *types.ExecutionJob, graph *dependency.Graph, failures *int, err error) {
	attempt := types.Attempt{Number: len(ej.Attempts) + 1, StartedAt: time.Now(), EndedAt: time.Now(), Error: err.Error()}
	ej.Attempts = append(ej.Attempts, attempt)
	class := Classify(err)
	e.logger.Warn().Str("job_id", ej.Job.ID).Str("class", string(class)).Err(err).Msg("job attempt failed")

	if types.IsNonRetryable(err) || len(ej.Attempts) > maxRetries {
		e.setState(ej, types.JobFailed)
		metrics.JobsCompleted.WithLabelValues(string(types.JobFailed)).Inc()
		*failures++
		e.cancelDescendants(planID, ej.Job.ID, graph, *failures)
		return
	}

	e.setState(ej, types.JobRetrying)
	metrics.JobRetries.Inc()
	delay := retryBaseDelay * time.Duration(1<<uint(len(ej.Attempts)-1))
	time.AfterFunc(delay, func() {
		e.setState(ej, types.JobPending)
	})
}

// HandleThreat folds a runtime-monitor threat into the job's security
// context and, per the severity, isolates or terminates the job: critical
// threats stop the container and detach it from its network before
// terminating the job outright; high threats detach the network and
// terminate the job only when blockOnSecurityFailure is set; anything else
// is recorded against the security score but otherwise left to run.
func (e *Executor) HandleThreat(ctx context.Context, jobID string, t types.Threat) {
	e.mu.Lock()
	sc, ok := e.ctxs[jobID]
	planID := e.planOf[jobID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.sec.ReportThreat(sc, t)
	e.logger.Warn().Str("job_id", jobID).Str("level", t.Level).Str("kind", t.Kind).Msg("threat detected")

	switch t.Level {
	case "critical":
		e.isolate(ctx, jobID, sc, true)
		e.terminateJob(planID, jobID, fmt.Errorf("%w: %s (%s)", types.ErrSecurityViolation, t.Kind, t.Detail))
	case "high":
		e.isolate(ctx, jobID, sc, false)
		if e.blockOnSecurityFailure {
			e.terminateJob(planID, jobID, fmt.Errorf("%w: %s (%s)", types.ErrSecurityViolation, t.Kind, t.Detail))
		}
	}
}

// isolate detaches jobID's container from its allocated network and, for a
// critical threat, stops it outright.
func (e *Executor) isolate(ctx context.Context, jobID string, sc *types.SecurityContext, stop bool) {
	if e.engine == nil {
		return
	}
	if stop {
		if err := e.engine.Stop(ctx, jobID, 5*time.Second); err != nil {
			e.logger.Warn().Str("job_id", jobID).Err(err).Msg("isolate: stop container failed")
		}
	}
	if sc != nil && sc.NetworkID != "" {
		if err := e.engine.Disconnect(ctx, sc.NetworkID, jobID); err != nil {
			e.logger.Warn().Str("job_id", jobID).Err(err).Msg("isolate: detach network failed")
		}
	}
}

// terminateJob marks jobID Failed outside the normal retry path and cancels
// its descendants, for threat-triggered termination.
func (e *Executor) terminateJob(planID, jobID string, err error) {
	e.mu.Lock()
	plan, ok := e.plans[planID]
	graph := e.graphs[planID]
	e.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	ej, ok := plan.Jobs[jobID]
	e.mu.Unlock()
	if !ok || isTerminal(ej.State) {
		return
	}

	e.mu.Lock()
	if n := len(ej.Attempts); n > 0 && ej.Attempts[n-1].EndedAt.IsZero() {
		ej.Attempts[n-1].EndedAt = time.Now()
		ej.Attempts[n-1].Error = err.Error()
	}
	ej.State = types.JobFailed
	e.mu.Unlock()

	metrics.JobsCompleted.WithLabelValues(string(types.JobFailed)).Inc()
	e.logger.Warn().Str("job_id", jobID).Err(err).Msg("job terminated")

	if graph != nil {
		e.cancelDescendants(planID, jobID, graph, 1)
	}
}

func (e *Executor) cancelDescendants(planID, failedID string, graph *dependency.Graph, failures int) {
	cancel := graph.Propagate(failedID, dependency.PropagateLenient, failures)
	e.mu.Lock()
	defer e.mu.Unlock()
	plan, ok := e.plans[planID]
	if !ok {
		return
	}
	for _, id := range cancel {
		if dep, ok := plan.Jobs[id]; ok && !isTerminal(dep.State) {
			dep.State = types.JobCancelled
		}
	}
}

func (e *Executor) setState(ej *types.ExecutionJob, s types.JobState) {
	e.mu.Lock()
	ej.State = s
	e.mu.Unlock()
}

func (e *Executor) finalize(planID string) {
	e.mu.Lock()
	plan := e.plans[planID]
	status := types.PlanCompleted
	for _, ej := range plan.Jobs {
		if ej.State == types.JobFailed {
			status = types.PlanFailed
			break
		}
	}
	plan.Status = status
	e.mu.Unlock()

	e.logger.Info().Str("plan_id", planID).Str("status", string(status)).Msg("execution plan finished")
	if e.onComplete != nil {
		e.onComplete(planID, plan)
	}
}
