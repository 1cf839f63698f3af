package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomspark/roomspark/internal/common/logger"
)

func waitForEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe(SubjectTaskCreated, func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent(SubjectTaskCreated, "spawner", map[string]any{"task_id": "t1"})
	require.NoError(t, b.Publish(context.Background(), SubjectTaskCreated, ev))

	got := waitForEvent(t, received)
	assert.Equal(t, "t1", got.Data["task_id"])
	assert.Equal(t, SubjectTaskCreated, got.Type)
	assert.NotEmpty(t, got.ID)
}

func TestMemoryBusWildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	received := make(chan *Event, 2)
	_, err := b.Subscribe("task.*", func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectTaskCreated,
		NewEvent(SubjectTaskCreated, "spawner", nil)))
	require.NoError(t, b.Publish(context.Background(), SubjectTaskSpawnFailed,
		NewEvent(SubjectTaskSpawnFailed, "spawner", nil)))

	types := map[string]bool{}
	types[waitForEvent(t, received).Type] = true
	types[waitForEvent(t, received).Type] = true
	assert.True(t, types[SubjectTaskCreated])
	assert.True(t, types[SubjectTaskSpawnFailed])
}

func TestMemoryBusMultiLevelWildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	received := make(chan *Event, 2)
	handler := func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	}
	// The subject patterns the entrypoint subscribes for operator logging.
	_, err := b.Subscribe("task.>", handler)
	require.NoError(t, err)
	_, err = b.Subscribe("reconcile.>", handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectTaskSpawnFailed,
		NewEvent(SubjectTaskSpawnFailed, "spawner", nil)))
	require.NoError(t, b.Publish(context.Background(), SubjectReconcileCompleted,
		NewEvent(SubjectReconcileCompleted, "reconciler", nil)))

	types := map[string]bool{}
	types[waitForEvent(t, received).Type] = true
	types[waitForEvent(t, received).Type] = true
	assert.True(t, types[SubjectTaskSpawnFailed])
	assert.True(t, types[SubjectReconcileCompleted])
}

func TestMemoryBusExactSubjectDoesNotMatchOthers(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	var mu sync.Mutex
	var count int
	_, err := b.Subscribe(SubjectTaskCreated, func(ctx context.Context, ev *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectTaskSpawnFailed,
		NewEvent(SubjectTaskSpawnFailed, "spawner", nil)))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe(SubjectTaskCreated, func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish(context.Background(), SubjectTaskCreated,
		NewEvent(SubjectTaskCreated, "spawner", nil)))

	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), SubjectTaskCreated,
		NewEvent(SubjectTaskCreated, "spawner", nil))
	require.Error(t, err)
}
