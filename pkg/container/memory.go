package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type memoryContainer struct {
	spec    Spec
	running bool
}

// MemoryEngine is an in-process Engine with no external runtime dependency,
// used where a real containerd daemon is unavailable (tests, the dev CLI
// profile).
type MemoryEngine struct {
	mu         sync.Mutex
	containers map[string]*memoryContainer
	networks   map[string]bool
}

// NewMemoryEngine returns an empty in-memory Engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		containers: make(map[string]*memoryContainer),
		networks:   make(map[string]bool),
	}
}

func (e *MemoryEngine) Create(ctx context.Context, spec Spec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.containers[spec.ID]; exists {
		return "", fmt.Errorf("container %s already exists", spec.ID)
	}
	e.containers[spec.ID] = &memoryContainer{spec: spec}
	return spec.ID, nil
}

func (e *MemoryEngine) Start(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return fmt.Errorf("container %s not found", id)
	}
	c.running = true
	return nil
}

func (e *MemoryEngine) Stop(ctx context.Context, id string, gracePeriod time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return nil
	}
	c.running = false
	return nil
}

func (e *MemoryEngine) Remove(ctx context.Context, id string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if ok && c.running && !force {
		return fmt.Errorf("container %s still running", id)
	}
	delete(e.containers, id)
	return nil
}

func (e *MemoryEngine) Exec(ctx context.Context, id string, argv []string) (*ExecResult, error) {
	e.mu.Lock()
	_, ok := e.containers[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("container %s not found", id)
	}
	return &ExecResult{Stdout: "", Stderr: "", ExitCode: 0}, nil
}

func (e *MemoryEngine) Stats(ctx context.Context, id string) (*Stats, error) {
	e.mu.Lock()
	_, ok := e.containers[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("container %s not found", id)
	}
	return &Stats{}, nil
}

func (e *MemoryEngine) CreateNetwork(ctx context.Context, subnet, gateway string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.networks[subnet] = true
	return subnet, nil
}

func (e *MemoryEngine) Connect(ctx context.Context, networkID, containerID, endpoint string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.networks[networkID] {
		return fmt.Errorf("network %s not found", networkID)
	}
	if _, ok := e.containers[containerID]; !ok {
		return fmt.Errorf("container %s not found", containerID)
	}
	return nil
}

func (e *MemoryEngine) Disconnect(ctx context.Context, networkID, containerID string) error {
	return nil
}

func (e *MemoryEngine) Update(ctx context.Context, id string, spec UpdateSpec) error {
	e.mu.Lock()
	_, ok := e.containers[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("container %s not found", id)
	}
	return nil
}

func (e *MemoryEngine) Inspect(ctx context.Context, id string) (*Inspection, error) {
	e.mu.Lock()
	c, ok := e.containers[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("container %s not found", id)
	}
	return &Inspection{ID: id, Running: c.running}, nil
}

func (e *MemoryEngine) Export(ctx context.Context, id string) (io.ReadCloser, error) {
	e.mu.Lock()
	_, ok := e.containers[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("container %s not found", id)
	}
	return io.NopCloser(bytes.NewReader(nil)), nil
}

var _ Engine = (*MemoryEngine)(nil)
