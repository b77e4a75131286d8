package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ProcSampler samples process names and listening ports from /proc,
// reading host state directly from the filesystem rather than through a
// cgroups/netlink library.
type ProcSampler struct {
	root string // defaults to /proc, overridable in tests
}

// NewProcSampler returns a Sampler backed by /proc.
func NewProcSampler() *ProcSampler { return &ProcSampler{root: "/proc"} }

// Sample reads every process's comm name and every listening TCP port
// currently visible under s.root. jobID is unused since /proc sampling is
// host-wide rather than per-namespace without a PID-to-container lookup,
// which this build does not have.
func (s *ProcSampler) Sample(ctx context.Context, jobID string) (*Sample, error) {
	processes, err := s.processNames()
	if err != nil {
		return nil, fmt.Errorf("list process names: %w", err)
	}
	ports, err := s.listeningPorts()
	if err != nil {
		return nil, fmt.Errorf("list listening ports: %w", err)
	}
	return &Sample{Processes: processes, OpenPorts: ports}, nil
}

func (s *ProcSampler) processNames() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(s.root, e.Name(), "comm"))
		if err != nil {
			continue // process exited between ReadDir and ReadFile
		}
		names = append(names, strings.TrimSpace(string(comm)))
	}
	return names, nil
}

// listeningPorts parses /proc/net/tcp's "st" column for sockets in the
// TCP_LISTEN state (0A) and decodes the local port from the hex
// "address:port" local_address field.
func (s *ProcSampler) listeningPorts() ([]int, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "net", "tcp"))
	if err != nil {
		return nil, err
	}
	var ports []int
	lines := strings.Split(string(data), "\n")
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if fields[3] != "0A" { // TCP_LISTEN
			continue
		}
		parts := strings.Split(fields[1], ":")
		if len(parts) != 2 {
			continue
		}
		port, err := strconv.ParseInt(parts[1], 16, 32)
		if err != nil {
			continue
		}
		ports = append(ports, int(port))
	}
	return ports, nil
}

var _ Sampler = (*ProcSampler)(nil)
