package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyBlocksOnSeverityThreshold(t *testing.T) {
	p := Policy{BlockSeverity: SeverityHigh}
	report := &Report{Image: "acme/web:latest", Findings: []Finding{
		{ID: "CVE-1", Severity: SeverityMedium},
		{ID: "CVE-2", Severity: SeverityHigh},
	}}

	ok, finding := p.Evaluate(report)
	assert.False(t, ok)
	assert.Equal(t, "CVE-2", finding.ID)
}

func TestPolicyAllowsWithinThreshold(t *testing.T) {
	p := Policy{BlockSeverity: SeverityCritical, MaxHighAllowed: 1}
	report := &Report{Findings: []Finding{{ID: "CVE-1", Severity: SeverityHigh}}}

	ok, finding := p.Evaluate(report)
	assert.True(t, ok)
	assert.Nil(t, finding)
}

func TestPolicyRespectsMaxCriticalAllowed(t *testing.T) {
	p := Policy{MaxCriticalAllowed: 1}
	report := &Report{Findings: []Finding{
		{ID: "CVE-1", Severity: SeverityCritical},
		{ID: "CVE-2", Severity: SeverityCritical},
	}}

	ok, finding := p.Evaluate(report)
	assert.False(t, ok)
	assert.Equal(t, SeverityCritical, finding.Severity)
}

func TestPolicyRespectsIndependentHighAndMediumThresholds(t *testing.T) {
	p := Policy{MaxCriticalAllowed: 5, MaxHighAllowed: 2, MaxMediumAllowed: 0}
	report := &Report{Findings: []Finding{
		{ID: "CVE-1", Severity: SeverityHigh},
		{ID: "CVE-2", Severity: SeverityHigh},
		{ID: "CVE-3", Severity: SeverityMedium},
	}}

	ok, finding := p.Evaluate(report)
	assert.False(t, ok)
	assert.Equal(t, "CVE-3", finding.ID)
}

func TestPolicyBlocksBannedPackage(t *testing.T) {
	p := Policy{MaxCriticalAllowed: 5, MaxHighAllowed: 5, MaxMediumAllowed: 5, BannedPackages: []string{"openssl"}}
	report := &Report{Findings: []Finding{{ID: "CVE-1", Severity: SeverityLow, Package: "openssl"}}}

	ok, finding := p.Evaluate(report)
	assert.False(t, ok)
	assert.Equal(t, "CVE-1", finding.ID)
}

func TestPolicyBlocksUnapprovedLicense(t *testing.T) {
	p := Policy{MaxCriticalAllowed: 5, MaxHighAllowed: 5, MaxMediumAllowed: 5, AllowedLicenses: []string{"MIT", "Apache-2.0"}}
	report := &Report{Findings: []Finding{{ID: "CVE-1", Severity: SeverityLow, License: "GPL-3.0"}}}

	ok, finding := p.Evaluate(report)
	assert.False(t, ok)
	assert.Equal(t, "CVE-1", finding.ID)
}

func TestPolicyAllowsApprovedLicense(t *testing.T) {
	p := Policy{MaxCriticalAllowed: 5, MaxHighAllowed: 5, MaxMediumAllowed: 5, AllowedLicenses: []string{"MIT"}}
	report := &Report{Findings: []Finding{{ID: "CVE-1", Severity: SeverityLow, License: "MIT"}}}

	ok, finding := p.Evaluate(report)
	assert.True(t, ok)
	assert.Nil(t, finding)
}
