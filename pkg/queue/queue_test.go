package queue

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueuePopsHighestPriorityFirst(t *testing.T) {
	q := NewMemoryQueue(0)
	require.NoError(t, q.Push(Item{ID: "low", Priority: types.PriorityLow}))
	require.NoError(t, q.Push(Item{ID: "critical", Priority: types.PriorityCritical}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "critical", item.ID)
}

func TestMemoryQueuePushRejectsWhenFull(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Push(Item{ID: "a", Priority: types.PriorityNormal}))
	assert.ErrorIs(t, q.Push(Item{ID: "b", Priority: types.PriorityNormal}), ErrQueueFull)
}

func TestMemoryQueuePauseRejectsPush(t *testing.T) {
	q := NewMemoryQueue(0)
	q.Pause()
	assert.ErrorIs(t, q.Push(Item{ID: "a", Priority: types.PriorityNormal}), ErrQueuePaused)
	q.Resume()
	assert.NoError(t, q.Push(Item{ID: "a", Priority: types.PriorityNormal}))
}

func TestMemoryQueuePopBlocksUntilPushed(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Push(Item{ID: "delayed", Priority: types.PriorityNormal})
	}()

	item, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "delayed", item.ID)
}

func TestMemoryQueuePopRespectsContextCancellation(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok, err := q.Pop(ctx)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestMemoryQueueDrainEmptiesQueue(t *testing.T) {
	q := NewMemoryQueue(0)
	require.NoError(t, q.Push(Item{ID: "a", Priority: types.PriorityNormal}))
	require.NoError(t, q.Push(Item{ID: "b", Priority: types.PriorityHigh}))

	items := q.Drain()
	assert.Len(t, items, 2)
	assert.Equal(t, 0, q.Len())
}

func TestManagerProvidesAllFiveQueues(t *testing.T) {
	m := NewManager(10)
	for _, n := range []Name{JobExecution, ContainerManagement, Monitoring, WebhookProcessing, Cleanup} {
		assert.NotNil(t, m.Queue(n))
	}
}

func TestManagerPauseAllBlocksEveryQueue(t *testing.T) {
	m := NewManager(10)
	m.PauseAll()
	assert.ErrorIs(t, m.Queue(JobExecution).Push(Item{ID: "x", Priority: types.PriorityNormal}), ErrQueuePaused)
	m.ResumeAll()
	assert.NoError(t, m.Queue(JobExecution).Push(Item{ID: "x", Priority: types.PriorityNormal}))
}
