// Package container defines the Engine interface the executor uses to run
// job containers, per spec §6's "container engine (consumed)" surface, plus
// a containerd-backed default implementation.
package container

import (
	"context"
	"io"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Spec describes the container to create for one job.
type Spec struct {
	ID       string
	Image    string
	Env      []string
	Cmd      []string
	CPUCores float64
	MemoryB  int64
	Mounts   []specs.Mount
	NetworkID string
}

// UpdateSpec changes a running container's resource limits.
type UpdateSpec struct {
	CPUShares   uint64
	CPUQuota    int64
	Memory      int64
	MemorySwap  int64
	PidsLimit   int64
	BlkioWeight uint16
}

// Stats is a point-in-time resource usage sample.
type Stats struct {
	CPUPercent  float64
	MemoryBytes int64
	BlockIOReadBytes  int64
	BlockIOWriteBytes int64
	NetRxBytes  int64
	NetTxBytes  int64
}

// ExecResult is the outcome of a one-shot exec inside a running container.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Inspection is a point-in-time description of a container's state.
type Inspection struct {
	ID      string
	Running bool
	Pid     int
	ExitCode int
}

// Engine is the container runtime surface the executor and security
// orchestrator depend on, named by interface only per spec §6.
type Engine interface {
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, gracePeriod time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	Exec(ctx context.Context, id string, argv []string) (*ExecResult, error)
	Stats(ctx context.Context, id string) (*Stats, error)
	CreateNetwork(ctx context.Context, subnet, gateway string) (string, error)
	Connect(ctx context.Context, networkID, containerID, endpoint string) error
	Disconnect(ctx context.Context, networkID, containerID string) error
	Update(ctx context.Context, id string, spec UpdateSpec) error
	Inspect(ctx context.Context, id string) (*Inspection, error)
	Export(ctx context.Context, id string) (io.ReadCloser, error)
}
