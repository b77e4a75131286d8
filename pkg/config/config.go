// Package config defines the recognised configuration surface (§6) for the
// scheduler, load balancer, and security orchestrator, loaded from YAML with
// unknown keys rejected and struct-tag validation for numeric ranges.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AutoScaling controls the Scheduler's runner pool autoscaling.
type AutoScaling struct {
	Enabled       bool    `yaml:"enabled"`
	Min           int     `yaml:"min" validate:"gte=0"`
	Max           int     `yaml:"max" validate:"gtefield=Min"`
	ScaleUp       float64 `yaml:"scaleUp" validate:"gte=0,lte=1"`
	ScaleDown     float64 `yaml:"scaleDown" validate:"gte=0,lte=1"`
	UpCooldownS   int     `yaml:"upCooldownSeconds" validate:"gte=0"`
	DownCooldownS int     `yaml:"downCooldownSeconds" validate:"gte=0"`
	UpSteps       int     `yaml:"upSteps" validate:"gte=1"`
	DownSteps     int     `yaml:"downSteps" validate:"gte=1"`
}

// Scheduler is the Scheduler's recognised options.
type Scheduler struct {
	Algorithm          string      `yaml:"schedulingAlgorithm" validate:"oneof=fifo fairshare priority sjf backfill deadline multiobjective"`
	IntervalSeconds    int         `yaml:"schedulingIntervalSeconds" validate:"gte=1"`
	PreemptionEnabled  bool        `yaml:"preemptionEnabled"`
	FairShareEnabled   bool        `yaml:"fairShareEnabled"`
	BackfillEnabled    bool        `yaml:"backfillEnabled"`
	ResourceReservation float64    `yaml:"resourceReservation" validate:"gte=0,lte=1"`
	AutoScaling        AutoScaling `yaml:"autoScaling"`
}

// Throttling bounds the LoadBalancer's admission rate limiter.
type Throttling struct {
	RPS   float64 `yaml:"rps" validate:"gt=0"`
	RPM   float64 `yaml:"rpm" validate:"gt=0"`
	Burst int     `yaml:"burst" validate:"gte=1"`
}

// Sticky controls the LoadBalancer's sticky-session pinning.
type Sticky struct {
	Enabled    bool   `yaml:"enabled"`
	Key        string `yaml:"key" validate:"omitempty,oneof=repository workflow user"`
	TTLSeconds int    `yaml:"ttlSeconds" validate:"gte=0"`
	MaxSessions int   `yaml:"maxSessions" validate:"gte=0"`
}

// LoadBalancer is the LoadBalancer's recognised options.
type LoadBalancer struct {
	MaxConcurrentJobs        int        `yaml:"maxConcurrentJobs" validate:"gte=1"`
	MaxQueueSize             int        `yaml:"maxQueueSize" validate:"gte=1"`
	PriorityQueues           int        `yaml:"priorityQueues" validate:"gte=1"`
	CircuitBreakerThreshold  float64    `yaml:"circuitBreakerThreshold" validate:"gte=0,lte=1"`
	HealthCheckIntervalSeconds int      `yaml:"healthCheckIntervalSeconds" validate:"gte=1"`
	Throttling               Throttling `yaml:"throttling"`
	Sticky                   Sticky     `yaml:"sticky"`
	Algorithm                string     `yaml:"algorithm" validate:"oneof=round_robin consistent_hash"`
}

// ScannerPolicy bounds acceptable vulnerability counts and package/license rules.
type ScannerPolicy struct {
	MaxCritical      int      `yaml:"maxCritical" validate:"gte=0"`
	MaxHigh          int      `yaml:"maxHigh" validate:"gte=0"`
	MaxMedium        int      `yaml:"maxMedium" validate:"gte=0"`
	AllowedLicenses  []string `yaml:"allowedLicenses"`
	BannedPackages   []string `yaml:"bannedPackages"`
}

// SecurityPolicies are the enforcement toggles the SecurityOrchestrator obeys.
type SecurityPolicies struct {
	EnforceNetworkIsolation  bool `yaml:"enforceNetworkIsolation"`
	EnforceResourceLimits    bool `yaml:"enforceResourceLimits"`
	RequireContainerScanning bool `yaml:"requireContainerScanning"`
	BlockOnSecurityFailure   bool `yaml:"blockOnSecurityFailure"`
	EnforceSecretEncryption  bool `yaml:"enforceSecretEncryption"`
}

// Security is the Security subsystem's recognised options.
type Security struct {
	Level          string            `yaml:"securityLevel" validate:"oneof=low medium high paranoid"`
	Policies       SecurityPolicies  `yaml:"policies"`
	ScannerPolicy  ScannerPolicy     `yaml:"scannerPolicy"`
	RBACEnabled    bool              `yaml:"rbacEnabled"`
}

// Audit is the AuditLog's recognised options.
type Audit struct {
	BasePath      string   `yaml:"basePath" validate:"required"`
	Format        string   `yaml:"format" validate:"oneof=json csv"`
	Compression   bool     `yaml:"compression"`
	Encryption    bool     `yaml:"encryption"`
	MaxFileSizeMB int      `yaml:"maxFileSizeMB" validate:"gte=1"`
	MaxFiles      int      `yaml:"maxFiles" validate:"gte=1"`
	RetentionDays int      `yaml:"retentionDays" validate:"gte=1"`
	ChainHashes   bool     `yaml:"chainHashes"`
	Standards     []string `yaml:"standards"`
}

// Server controls the HTTP listener and the external backends runnerhub's
// composition root wires up (the webhook endpoint's shared secret, the
// container runtime to drive jobs with, and an optional durable queue).
type Server struct {
	ListenAddr       string `yaml:"listenAddr" validate:"required"`
	WebhookSecret    string `yaml:"webhookSecret" validate:"required"`
	ContainerRuntime string `yaml:"containerRuntime" validate:"oneof=containerd memory"`
	ContainerdSocket string `yaml:"containerdSocket"`
	RedisAddr        string `yaml:"redisAddr"`
	RBACDataDir      string `yaml:"rbacDataDir" validate:"required"`
	ScannerURL       string `yaml:"scannerUrl"`
}

// Config is the full recognised configuration surface.
type Config struct {
	Server       Server       `yaml:"server"`
	Scheduler    Scheduler    `yaml:"scheduler"`
	LoadBalancer LoadBalancer `yaml:"loadBalancer"`
	Security     Security     `yaml:"security"`
	Audit        Audit        `yaml:"audit"`
}

// Default returns the built-in defaults named throughout spec.md §4.
func Default() *Config {
	return &Config{
		Server: Server{
			ListenAddr:       ":8080",
			ContainerRuntime: "memory",
			RBACDataDir:      "/var/lib/runnerhub",
		},
		Scheduler: Scheduler{
			Algorithm:       "fifo",
			IntervalSeconds: 5,
			AutoScaling: AutoScaling{
				ScaleUp: 0.8, ScaleDown: 0.3,
				UpCooldownS: 120, DownCooldownS: 300,
				UpSteps: 1, DownSteps: 1,
			},
		},
		LoadBalancer: LoadBalancer{
			MaxConcurrentJobs:          50,
			MaxQueueSize:               1000,
			PriorityQueues:             5,
			CircuitBreakerThreshold:    0.5,
			HealthCheckIntervalSeconds: 30,
			Throttling:                 Throttling{RPS: 10, RPM: 60, Burst: 20},
			Algorithm:                  "round_robin",
		},
		Security: Security{
			Level: "medium",
			Policies: SecurityPolicies{
				EnforceNetworkIsolation:  true,
				EnforceResourceLimits:    true,
				RequireContainerScanning: true,
				BlockOnSecurityFailure:   true,
				EnforceSecretEncryption:  true,
			},
			RBACEnabled: true,
		},
		Audit: Audit{
			BasePath:      "/var/lib/runnerhub/audit",
			Format:        "json",
			MaxFileSizeMB: 100,
			MaxFiles:      1000,
			RetentionDays: 365,
			ChainHashes:   true,
		},
	}
}

// decodeStrict rejects YAML keys that don't map to a struct field,
// the fail-closed behaviour §9's DESIGN NOTES require of the configuration
// surface.
func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}

// Load reads and validates a YAML configuration file, starting from Default()
// and overlaying the file's contents. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := decodeStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

var validate = validator.New()
