package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MangaiYashobeam/FMD/api/schemas"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := New(rdb, "soldier", 3, zap.NewNop())

	// Deterministic, strictly increasing clock so FIFO tie-breaks are stable.
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	q.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	return q, mr
}

func signedTask(id string, priority int) *schemas.SignedTask {
	return &schemas.SignedTask{
		TaskID:    id,
		Type:      schemas.TaskPostVehicle,
		AccountID: "acct_1",
		Data:      map[string]any{"title": "listing " + id},
		Priority:  priority,
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, signedTask("task_a", 5)))
	require.NoError(t, q.Enqueue(ctx, signedTask("task_b", 10)))
	require.NoError(t, q.Enqueue(ctx, signedTask("task_c", 5)))

	var order []string
	for i := 0; i < 3; i++ {
		st, err := q.Dequeue(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, st)
		order = append(order, st.TaskID)
	}
	assert.Equal(t, []string{"task_b", "task_a", "task_c"}, order)
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)

	st, err := q.Dequeue(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestDequeueMovesToProcessing(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, signedTask("task_a", 5)))

	st, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, st)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Pending)
	assert.EqualValues(t, 1, stats.Processing)

	entry, err := q.takeProcessing(ctx, "task_a")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", entry["worker_id"])
	assert.NotEmpty(t, entry["started_at"])
}

func TestCompleteMovesToCompleted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, signedTask("task_a", 5)))
	_, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, "task_a", map[string]any{"listing_url": "https://example.com/1"}))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Processing)
	assert.EqualValues(t, 1, stats.Completed)

	raw, err := q.rdb.HGet(ctx, q.completedKey(), "task_a").Result()
	require.NoError(t, err)
	entry := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(raw), &entry))
	assert.NotEmpty(t, entry["completed_at"])
	assert.Equal(t, "https://example.com/1", entry["result"].(map[string]any)["listing_url"])
}

func TestCompleteUnknownTask(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.Error(t, q.Complete(context.Background(), "task_missing", nil))
}

func TestFailRequeuesWithLowerPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, signedTask("task_a", 5)))
	_, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	requeued, err := q.Fail(ctx, "task_a", "timeout", true, 0)
	require.NoError(t, err)
	assert.True(t, requeued)

	st, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "task_a", st.TaskID)
	assert.Equal(t, 4, st.Priority)
	assert.Equal(t, 1, st.RetryCount)
}

func TestFailExhaustsRetries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, signedTask("task_a", 2)))

	for i := 0; i < 3; i++ {
		st, err := q.Dequeue(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, st, "attempt %d", i)
		_, err = q.Fail(ctx, "task_a", fmt.Sprintf("attempt %d", i), true, 0)
		require.NoError(t, err)
	}

	// Third failure hits max retries and parks the task.
	st, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, st)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Failed)

	raw, err := q.rdb.HGet(ctx, q.failedKey(), "task_a").Result()
	require.NoError(t, err)
	entry := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(raw), &entry))
	assert.EqualValues(t, 3, entry["retry_count"])
	assert.Equal(t, "attempt 2", entry["error"])
}

func TestFailWithDelayHoldsUntilDue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := New(rdb, "soldier", 3, zap.NewNop())
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, signedTask("task_a", 5)))
	_, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	requeued, err := q.Fail(ctx, "task_a", "pool exhausted", true, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, requeued)

	// Not visible before the delay elapses.
	st, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, st)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Delayed)

	clock = clock.Add(31 * time.Second)
	st, err = q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "task_a", st.TaskID)
	assert.Equal(t, 1, st.RetryCount)
}

func TestFailWithoutRetryIsTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, signedTask("task_a", 5)))
	_, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	requeued, err := q.Fail(ctx, "task_a", "invalid signature", false, 0)
	require.NoError(t, err)
	assert.False(t, requeued)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Pending)
	assert.EqualValues(t, 1, stats.Failed)
}

func TestFailSettlesIntoExactlyOnePartition(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, signedTask("task_a", 5)))
	_, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	requeued, err := q.Fail(ctx, "task_a", "timeout", true, 0)
	require.NoError(t, err)
	assert.True(t, requeued)

	// The move out of processing and into pending is a single script, so
	// the task is never in both partitions and never in neither.
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
	assert.EqualValues(t, 0, stats.Processing)
	assert.EqualValues(t, 0, stats.Failed)
}

func TestFailAlreadySettledTask(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, signedTask("task_a", 5)))
	_, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	_, err = q.Fail(ctx, "task_a", "timeout", true, 0)
	require.NoError(t, err)

	// A second settlement must not resurrect or duplicate the task.
	_, err = q.Fail(ctx, "task_a", "timeout", true, 0)
	assert.Error(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
	assert.EqualValues(t, 0, stats.Processing)
}

func TestPriorityClamped(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	st := signedTask("task_a", 99)
	require.NoError(t, q.Enqueue(ctx, st))
	assert.Equal(t, schemas.MaxPriority, st.Priority)
}
