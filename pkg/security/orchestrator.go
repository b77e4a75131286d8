// Package security coordinates the fixed security-check pipeline a job
// passes through before its container starts, and tears it down after.
package security

import (
	"context"
	"fmt"

	"github.com/cuemby/runnerhub/pkg/log"
	"github.com/cuemby/runnerhub/pkg/metrics"
	"github.com/cuemby/runnerhub/pkg/security/netiso"
	"github.com/cuemby/runnerhub/pkg/security/quota"
	"github.com/cuemby/runnerhub/pkg/security/rbac"
	"github.com/cuemby/runnerhub/pkg/security/scanner"
	"github.com/cuemby/runnerhub/pkg/security/secrets"
	"github.com/cuemby/runnerhub/pkg/types"
)

const (
	startingScore        = 100
	failedCheckPenalty   = 10
	threatPenalty        = 5
	criticalThreatPenalty = 15
)

// Orchestrator runs the ordered check pipeline: authenticate, authorize,
// scan the image, enforce quota, then isolate the network. Checks run in
// this fixed order and the first failure short-circuits the rest. Runtime
// monitoring is not part of the pipeline; runtime threats are folded in
// afterwards through ReportThreat.
type Orchestrator struct {
	rbac    *rbac.Store
	quota   *quota.Tracker
	scanner scanner.Client
	policy  scanner.Policy
	net     *netiso.Manager
	secrets *secrets.Manager

	requireActor bool // when false, Authenticate is a no-op (no caller identity wired)
}

// New builds an Orchestrator from its subsystems.
func New(rbacStore *rbac.Store, quotaTracker *quota.Tracker, scanClient scanner.Client, scanPolicy scanner.Policy, net *netiso.Manager, secretsManager *secrets.Manager) *Orchestrator {
	return &Orchestrator{
		rbac:    rbacStore,
		quota:   quotaTracker,
		scanner: scanClient,
		policy:  scanPolicy,
		net:     net,
		secrets: secretsManager,
	}
}

// RequireActor toggles whether Open demands a non-empty actor identity.
func (o *Orchestrator) RequireActor(require bool) { o.requireActor = require }

// Open runs the full pipeline for job, returning a SecurityContext if every
// check passes. On any failure it returns the partially-built context (for
// audit purposes) alongside the error.
func (o *Orchestrator) Open(ctx context.Context, job *types.Job, actor string) (*types.SecurityContext, error) {
	logger := log.WithJobID(job.ID)
	sc := &types.SecurityContext{JobID: job.ID, SecurityScore: startingScore}

	if err := o.authenticate(actor); err != nil {
		o.record(sc, "auth", false)
		return sc, err
	}
	sc.Checks.Auth = true

	if err := o.authorize(actor, "submit"); err != nil {
		o.record(sc, "authz", false)
		return sc, err
	}
	sc.Checks.Authz = true

	if o.scanner != nil && job.Image != "" {
		report, err := o.scanner.Scan(ctx, job.Image)
		if err != nil {
			o.record(sc, "scan", false)
			return sc, fmt.Errorf("%w: %v", types.ErrScanFailed, err)
		}
		ok, finding := o.policy.Evaluate(report)
		if !ok {
			o.record(sc, "scan", false)
			detail := "policy violation"
			if finding != nil {
				detail = fmt.Sprintf("%s (%s)", finding.ID, finding.Severity)
			}
			return sc, fmt.Errorf("%w: %s", types.ErrPolicyViolation, detail)
		}
	}
	sc.Checks.Scan = true

	if o.quota != nil {
		admitted, err := o.quota.Admit(job)
		if err != nil || !admitted {
			o.record(sc, "quota", false)
			return sc, types.ErrQuotaViolation
		}
	}
	sc.Checks.Quota = true

	if o.net != nil {
		n := o.net.Allocate(job.ID)
		sc.NetworkID = n.ID
	}
	sc.Checks.Network = true

	alloc := &types.Allocation{
		CPUCores: job.Resources.CPU.Pref,
		MemoryB:  int64(job.Resources.Memory.Pref),
	}
	sc.ResourceAllocation = alloc

	o.record(sc, "pipeline", true)
	logger.Info().Int("score", sc.SecurityScore).Msg("security context opened")
	return sc, nil
}

// ReportThreat folds a detected threat into sc's score and violation log.
func (o *Orchestrator) ReportThreat(sc *types.SecurityContext, t types.Threat) {
	sc.Threats = append(sc.Threats, t)
	penalty := threatPenalty
	if t.Level == "critical" {
		penalty = criticalThreatPenalty
		sc.Violations = append(sc.Violations, fmt.Sprintf("%s: %s", t.Kind, t.Detail))
	}
	sc.SecurityScore -= penalty
	if sc.SecurityScore < 0 {
		sc.SecurityScore = 0
	}
}

// Close tears down sc's allocated resources (network and quota slot) and
// marks sc closed.
func (o *Orchestrator) Close(job *types.Job, sc *types.SecurityContext, actualCPUMinutes float64) {
	if sc.Closed {
		return
	}
	if o.net != nil {
		o.net.Release(job.ID)
	}
	if o.quota != nil {
		o.quota.Release(job, actualCPUMinutes)
	}
	sc.Closed = true
	metrics.SecurityScore.Observe(float64(sc.SecurityScore))
}

func (o *Orchestrator) authenticate(actor string) error {
	if o.requireActor && actor == "" {
		return types.ErrPermissionDenied
	}
	return nil
}

func (o *Orchestrator) authorize(actor, action string) error {
	if o.rbac == nil || actor == "" {
		return nil
	}
	ok, err := o.rbac.Can(actor, action)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPermissionDenied, err)
	}
	if !ok {
		return types.ErrPermissionDenied
	}
	return nil
}

func (o *Orchestrator) record(sc *types.SecurityContext, stage string, ok bool) {
	result := "pass"
	if !ok {
		result = "fail"
		sc.SecurityScore -= failedCheckPenalty
		if sc.SecurityScore < 0 {
			sc.SecurityScore = 0
		}
	}
	metrics.SecurityChecksTotal.WithLabelValues(stage, result).Inc()
}
