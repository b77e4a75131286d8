package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverlaysDefaultsAndValidates(t *testing.T) {
	path := writeConfig(t, `
server:
  listenAddr: ":9090"
  webhookSecret: "s3cr3t"
  containerRuntime: memory
  rbacDataDir: /tmp/runnerhub
scheduler:
  schedulingAlgorithm: fairshare
  schedulingIntervalSeconds: 10
  resourceReservation: 0.1
loadBalancer:
  maxConcurrentJobs: 10
  maxQueueSize: 100
  priorityQueues: 5
  circuitBreakerThreshold: 0.5
  healthCheckIntervalSeconds: 10
  algorithm: round_robin
  throttling:
    rps: 5
    rpm: 30
    burst: 10
security:
  securityLevel: high
audit:
  basePath: /tmp/runnerhub/audit
  format: json
  maxFileSizeMB: 10
  maxFiles: 10
  retentionDays: 30
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "fairshare", cfg.Scheduler.Algorithm)
	assert.True(t, cfg.Security.Policies.EnforceNetworkIsolation, "unset policy fields should keep Default()'s values")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  listenAddr: ":9090"
  webhookSecret: "s3cr3t"
  rbacDataDir: /tmp/runnerhub
  bogusField: true
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  schedulingAlgorithm: fifo
  schedulingIntervalSeconds: 5
`)
	_, err := Load(path)
	assert.Error(t, err, "webhookSecret is required and unset here (Default() supplies rbacDataDir)")
}

func TestDefaultIsInternallyValid(t *testing.T) {
	cfg := Default()
	cfg.Server.WebhookSecret = "s3cr3t" // the only field Default() deliberately leaves blank
	assert.NoError(t, validate.Struct(cfg))
}
