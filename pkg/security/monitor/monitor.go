// Package monitor samples a running job's container at a fixed interval and
// flags suspicious behavior as Threats for the security orchestrator.
package monitor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/runnerhub/pkg/log"
	"github.com/cuemby/runnerhub/pkg/metrics"
	"github.com/cuemby/runnerhub/pkg/types"
)

// Sample is one point-in-time observation of a running container.
type Sample struct {
	Processes    []string // process command lines
	OpenPorts    []int
	FileHashes   map[string]string // path -> sha256 at sample time, compared against the SetBaseline hashes
	CPUPercent   float64
	NetBytesSent int64
}

// Sampler fetches a fresh Sample for a job's container.
type Sampler interface {
	Sample(ctx context.Context, jobID string) (*Sample, error)
}

var suspiciousProcessNames = []string{"nc", "ncat", "nmap", "xmrig", "minerd", "masscan"}

var allowedPorts = map[int]bool{22: false, 80: true, 443: true, 8080: true}

// Monitor runs periodic Threat detection for active jobs.
type Monitor struct {
	sampler  Sampler
	interval time.Duration
	baseline map[string]map[string]string // jobID -> path -> sha256 at start

	onThreat func(jobID string, t types.Threat)
}

// New creates a Monitor sampling every interval (defaulting to 5s).
func New(sampler Sampler, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{sampler: sampler, interval: interval, baseline: make(map[string]map[string]string)}
}

// OnThreat registers the callback invoked whenever a sample yields a Threat.
func (m *Monitor) OnThreat(fn func(jobID string, t types.Threat)) { m.onThreat = fn }

// SetBaseline records jobID's file hashes at container creation, used later
// to detect tampering.
func (m *Monitor) SetBaseline(jobID string, hashes map[string]string) {
	m.baseline[jobID] = hashes
}

// Watch samples jobID every interval until ctx is cancelled.
func (m *Monitor) Watch(ctx context.Context, jobID string) {
	logger := log.WithJobID(jobID)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := m.sampler.Sample(ctx, jobID)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to sample container for monitoring")
				continue
			}
			for _, t := range m.evaluate(jobID, sample) {
				metrics.ThreatsDetected.WithLabelValues(t.Level).Inc()
				logger.Warn().Str("kind", t.Kind).Str("level", t.Level).Msg("threat detected")
				if m.onThreat != nil {
					m.onThreat(jobID, t)
				}
			}
		}
	}
}

// evaluate runs all rule checks against sample and returns any threats found.
func (m *Monitor) evaluate(jobID string, s *Sample) []types.Threat {
	var threats []types.Threat
	now := time.Now()

	for _, proc := range s.Processes {
		lower := strings.ToLower(proc)
		for _, bad := range suspiciousProcessNames {
			if strings.Contains(lower, bad) {
				threats = append(threats, types.Threat{
					Level: "high", Kind: "suspicious_process", Detail: proc, DetectedAt: now,
				})
			}
		}
	}

	if s.CPUPercent > 90 {
		threats = append(threats, types.Threat{
			Level: "medium", Kind: "cryptomining_suspected", Detail: "sustained high CPU usage", DetectedAt: now,
		})
	}

	for _, port := range s.OpenPorts {
		if allow, known := allowedPorts[port]; !known || !allow {
			threats = append(threats, types.Threat{
				Level: "medium", Kind: "unexpected_open_port", Detail: portDetail(port), DetectedAt: now,
			})
		}
	}

	if baseline, ok := m.baseline[jobID]; ok {
		for path, hash := range s.FileHashes {
			if baselineHash, tracked := baseline[path]; tracked && baselineHash != hash {
				threats = append(threats, types.Threat{
					Level: "critical", Kind: "file_integrity_violation", Detail: path, DetectedAt: now,
				})
			}
		}
	}

	return threats
}

func portDetail(port int) string {
	return "port " + strconv.Itoa(port)
}
