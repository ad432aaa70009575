package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingTask(id string) Task {
	return Task{
		ID:             id,
		QueueName:      "publisher",
		ExecutionID:    "run_1",
		StepSlug:       "publish",
		Attempt:        1,
		IdempotencyKey: fmt.Sprintf("run_1|publish|%s", id),
	}
}

func TestEnqueueIdempotentOnKey(t *testing.T) {
	store := NewMemoryStore()
	first := store.Enqueue(Task{ID: "t1", QueueName: "q", IdempotencyKey: "run|step|1"})
	second := store.Enqueue(Task{ID: "t2", QueueName: "q", IdempotencyKey: "run|step|1"})
	assert.Equal(t, first.ID, second.ID)
}

func TestClaimSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	store.Enqueue(pendingTask("t1"))

	var wg sync.WaitGroup
	claims := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			if task, ok := store.Claim(nil, fmt.Sprintf("w%d", worker), time.Minute); ok {
				claims <- task.ClaimedBy
			}
		}(i)
	}
	wg.Wait()
	close(claims)

	var winners []string
	for w := range claims {
		winners = append(winners, w)
	}
	assert.Len(t, winners, 1)
}

func TestClaimFiltersByQueue(t *testing.T) {
	store := NewMemoryStore()
	store.Enqueue(pendingTask("t1"))

	_, ok := store.Claim([]string{"other"}, "w1", time.Minute)
	assert.False(t, ok)

	task, ok := store.Claim([]string{"publisher"}, "w1", time.Minute)
	require.True(t, ok)
	assert.Equal(t, TaskClaimed, task.Status)
	require.NotNil(t, task.LeaseExpiresAt)
}

func TestCompleteIdempotent(t *testing.T) {
	store := NewMemoryStore()
	store.Enqueue(pendingTask("t1"))
	_, ok := store.Claim(nil, "w1", time.Minute)
	require.True(t, ok)

	task, applied := store.Complete("t1", map[string]any{"url": "http://posted"}, "")
	require.True(t, applied)
	assert.Equal(t, TaskCompleted, task.Status)

	_, applied = store.Complete("t1", nil, "late duplicate")
	assert.False(t, applied)

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
	assert.Empty(t, got.Error)
}

func TestHeartbeatRequiresOwnership(t *testing.T) {
	store := NewMemoryStore()
	store.Enqueue(pendingTask("t1"))
	_, ok := store.Claim(nil, "w1", time.Minute)
	require.True(t, ok)

	assert.NoError(t, store.Heartbeat("t1", "w1", time.Minute))
	assert.Error(t, store.Heartbeat("t1", "w2", time.Minute))
}

func TestExpireLeasesReturnsTaskToPending(t *testing.T) {
	store := NewMemoryStore()
	store.Enqueue(pendingTask("t1"))
	_, ok := store.Claim(nil, "w1", 10*time.Millisecond)
	require.True(t, ok)

	expired := store.ExpireLeases(time.Now().UTC().Add(time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, TaskPending, expired[0].Status)

	// Lookups agree with the expiry, no stale claim left behind.
	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.LeaseExpiresAt)

	// Reclaimable by another worker after expiry.
	task, ok := store.Claim(nil, "w2", time.Minute)
	require.True(t, ok)
	assert.Equal(t, "w2", task.ClaimedBy)
}

func TestCancel(t *testing.T) {
	store := NewMemoryStore()
	store.Enqueue(pendingTask("t1"))
	assert.True(t, store.Cancel("t1"))

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, TaskCancelled, got.Status)

	_, ok := store.Claim(nil, "w1", time.Minute)
	assert.False(t, ok)

	// Terminal tasks are not cancellable.
	store.Enqueue(pendingTask("t2"))
	store.Claim(nil, "w1", time.Minute)
	store.Complete("t2", nil, "")
	assert.False(t, store.Cancel("t2"))
}
