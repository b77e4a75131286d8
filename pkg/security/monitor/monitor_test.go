package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateFlagsSuspiciousProcess(t *testing.T) {
	m := New(nil, 0)
	threats := m.evaluate("job-1", &Sample{Processes: []string{"/usr/bin/xmrig --pool=evil"}})
	assert.Len(t, threats, 1)
	assert.Equal(t, "suspicious_process", threats[0].Kind)
}

func TestEvaluateFlagsUnexpectedPort(t *testing.T) {
	m := New(nil, 0)
	threats := m.evaluate("job-1", &Sample{OpenPorts: []int{4444}})
	assert.Len(t, threats, 1)
	assert.Equal(t, "unexpected_open_port", threats[0].Kind)
}

func TestEvaluateAllowsKnownPort(t *testing.T) {
	m := New(nil, 0)
	threats := m.evaluate("job-1", &Sample{OpenPorts: []int{443}})
	assert.Empty(t, threats)
}

func TestEvaluateFlagsFileIntegrityViolation(t *testing.T) {
	m := New(nil, 0)
	m.SetBaseline("job-1", map[string]string{"/bin/sh": "aaa"})
	threats := m.evaluate("job-1", &Sample{FileHashes: map[string]string{"/bin/sh": "bbb"}})
	assert.Len(t, threats, 1)
	assert.Equal(t, "file_integrity_violation", threats[0].Kind)
}
