package container

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace runnerhub's job
	// containers live in, isolated from other containerd tenants on
	// the same host.
	DefaultNamespace = "runnerhub"
	DefaultSocketPath = "/run/containerd/containerd.sock"

	cpuQuotaPeriod = uint64(100000)
)

// ContainerdEngine is the default Engine backed by containerd.
type ContainerdEngine struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdEngine dials containerd at socketPath (DefaultSocketPath if
// empty) and returns an Engine scoped to DefaultNamespace.
func NewContainerdEngine(socketPath string) (*ContainerdEngine, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &ContainerdEngine{client: client, namespace: DefaultNamespace}, nil
}

// cpuLimits converts a fractional core count into cgroup CPU shares and a
// CFS quota against cpuQuotaPeriod, matching the teacher runtime's
// cores*1024 shares / cores*period quota convention.
func cpuLimits(cores float64) (shares uint64, quota int64) {
	return uint64(cores * 1024), int64(cores * float64(cpuQuotaPeriod))
}

// Close releases the underlying containerd client connection.
func (e *ContainerdEngine) Close() error { return e.client.Close() }

func (e *ContainerdEngine) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, e.namespace)
}

// Create pulls spec.Image if needed and creates (but does not start) a
// container, applying CPU/memory limits and bind mounts.
func (e *ContainerdEngine) Create(ctx context.Context, spec Spec) (string, error) {
	ctx = e.ctx(ctx)

	image, err := e.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
	if err != nil {
		return "", fmt.Errorf("pull image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Cmd) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Cmd...))
	}
	if spec.CPUCores > 0 {
		shares, quota := cpuLimits(spec.CPUCores)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, cpuQuotaPeriod))
	}
	if spec.MemoryB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryB)))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(spec.Mounts))
	}

	container, err := e.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.ID, err)
	}
	return container.ID(), nil
}

// Start launches the task for an already-created container.
func (e *ContainerdEngine) Start(ctx context.Context, id string) error {
	ctx = e.ctx(ctx)
	c, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("load container %s: %w", id, err)
	}
	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("create task for %s: %w", id, err)
	}
	return task.Start(ctx)
}

// Stop sends SIGTERM, waits up to gracePeriod, then sends SIGKILL if the
// task has not exited, and finally removes the task.
func (e *ContainerdEngine) Stop(ctx context.Context, id string, gracePeriod time.Duration) error {
	ctx = e.ctx(ctx)
	c, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("load container %s: %w", id, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil // no task running, nothing to stop
	}

	waitCtx, cancel := context.WithTimeout(ctx, gracePeriod)
	defer cancel()

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait on task %s: %w", id, err)
	}
	if err := task.Kill(ctx, 15); err != nil { // SIGTERM
		return fmt.Errorf("kill(SIGTERM) task %s: %w", id, err)
	}

	select {
	case <-exitCh:
	case <-waitCtx.Done():
		if err := task.Kill(ctx, 9); err != nil { // SIGKILL
			return fmt.Errorf("kill(SIGKILL) task %s: %w", id, err)
		}
		<-exitCh
	}
	_, err = task.Delete(ctx)
	return err
}

// Remove deletes a stopped container and its snapshot. If force is set and
// the container still has a running task, Remove stops it first.
func (e *ContainerdEngine) Remove(ctx context.Context, id string, force bool) error {
	ctx = e.ctx(ctx)
	c, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return nil // already gone
	}
	if force {
		if err := e.Stop(ctx, id, 5*time.Second); err != nil {
			return fmt.Errorf("stop before remove %s: %w", id, err)
		}
	}
	return c.Delete(ctx, containerd.WithSnapshotCleanup)
}

// Exec is not supported by the bare containerd task API without a dedicated
// exec process wiring layer; runnerhub jobs run as the container's entrypoint
// rather than via post-start exec.
func (e *ContainerdEngine) Exec(ctx context.Context, id string, argv []string) (*ExecResult, error) {
	return nil, fmt.Errorf("exec not supported by containerd engine")
}

// Stats is not wired to the containerd metrics/cgroups API in this build;
// runtime monitoring instead samples via pkg/security/monitor's Sampler.
func (e *ContainerdEngine) Stats(ctx context.Context, id string) (*Stats, error) {
	return nil, fmt.Errorf("stats not implemented")
}

// CreateNetwork is a no-op placeholder: runnerhub uses host networking with
// subnet bookkeeping in pkg/security/netiso rather than containerd CNI
// plugins, since the retrieved dependency set carries no CNI client.
func (e *ContainerdEngine) CreateNetwork(ctx context.Context, subnet, gateway string) (string, error) {
	return subnet, nil
}

// Connect is a no-op under host networking; see CreateNetwork.
func (e *ContainerdEngine) Connect(ctx context.Context, networkID, containerID, endpoint string) error {
	return nil
}

// Disconnect is a no-op under host networking; see CreateNetwork.
func (e *ContainerdEngine) Disconnect(ctx context.Context, networkID, containerID string) error {
	return nil
}

// Update changes a running container's cgroup resource limits.
func (e *ContainerdEngine) Update(ctx context.Context, id string, spec UpdateSpec) error {
	ctx = e.ctx(ctx)
	c, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("load container %s: %w", id, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("no running task for %s: %w", id, err)
	}
	period := cpuQuotaPeriod
	resources := &specs.LinuxResources{
		CPU: &specs.LinuxCPU{
			Shares: &spec.CPUShares,
			Quota:  &spec.CPUQuota,
			Period: &period,
		},
		Memory: &specs.LinuxMemory{
			Limit: &spec.Memory,
			Swap:  &spec.MemorySwap,
		},
		Pids: &specs.LinuxPids{Limit: spec.PidsLimit},
	}
	return task.Update(ctx, containerd.WithResources(resources))
}

// Inspect reports whether the container has a running task and its pid.
func (e *ContainerdEngine) Inspect(ctx context.Context, id string) (*Inspection, error) {
	ctx = e.ctx(ctx)
	c, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load container %s: %w", id, err)
	}
	insp := &Inspection{ID: id}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return insp, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return insp, nil
	}
	insp.Pid = int(task.Pid())
	insp.Running = status.Status == containerd.Running || status.Status == containerd.Paused
	insp.ExitCode = int(status.ExitStatus)
	return insp, nil
}

// Export is not supported: runnerhub containers are ephemeral job sandboxes
// with no requirement to export a filesystem snapshot.
func (e *ContainerdEngine) Export(ctx context.Context, id string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("export not supported by containerd engine")
}

var _ Engine = (*ContainerdEngine)(nil)
