package types

import (
	"errors"
	"strings"
)

// Input errors: surfaced to the caller immediately, never retried.
var (
	ErrValidation       = errors.New("validation error")
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrQueueFull        = errors.New("queue full")
	ErrThrottled        = errors.New("throttled")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrPermissionDenied = errors.New("permission denied")
	ErrCyclicDependency = errors.New("cyclic dependency")
)

// Resource errors: retried by the Executor up to maxRetries.
var (
	ErrNoEligibleRunner  = errors.New("no eligible runner")
	ErrNoEligiblePool    = errors.New("no eligible pool")
	ErrNoAvailableRunner = errors.New("no available runner in pool")
	ErrAllocationRefused = errors.New("allocation refused")
	ErrPreemptionFailed  = errors.New("preemption failed")
	ErrQuotaViolation    = errors.New("quota violation")
	ErrNoCandidates      = errors.New("no candidates")
)

// Security errors: block (critical) or alert (others), never silently retried.
var (
	ErrScanFailed         = errors.New("image scan failed")
	ErrPolicyViolation    = errors.New("security policy violation")
	ErrIntegrityViolation = errors.New("audit integrity violation")
	ErrSecretUnavailable  = errors.New("secret unavailable")
	ErrSecurityViolation  = errors.New("security violation: job terminated by runtime threat response")
)

// Runtime errors.
var (
	ErrTimeout            = errors.New("timeout")
	ErrContainerEngine    = errors.New("container engine error")
	ErrNetwork            = errors.New("network error")
	ErrDependencyTimeout  = errors.New("dependency timeout")
)

// ErrInternal marks a bug-indicator: logged, counted, never retried silently.
var ErrInternal = errors.New("internal error")

// IsNonRetryable reports whether err's message indicates a class of failure
// the Executor must not retry (validation, authentication, authorization),
// per §4.5's error classification rule.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "validation") ||
		strings.Contains(s, "authentication") ||
		strings.Contains(s, "authorization")
}
