package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBus(t *testing.T, capacity int) *EventBus {
	t.Helper()
	b := New(zaptest.NewLogger(t), capacity)
	t.Cleanup(b.Close)
	return b
}

func TestEventBus_PriorityOrdering(t *testing.T) {
	b := newTestBus(t, 10)
	ctx := context.Background()

	// Publish low priority first; the high one must still dequeue first.
	require.NoError(t, b.Publish(ctx, Event{Topic: TopicMission, Kind: KindMissionTick, Priority: PriorityLow, Source: "low"}))
	require.NoError(t, b.Publish(ctx, Event{Topic: TopicUser, Kind: KindMessage, Priority: PriorityHigh, Source: "high"}))

	first, err := b.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "high", first.Source)

	second, err := b.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "low", second.Source)
}

func TestEventBus_FIFOWithinPriority(t *testing.T) {
	b := newTestBus(t, 64)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(ctx, Event{
			Topic:    TopicMission,
			Kind:     KindMissionTick,
			Priority: PriorityNormal,
			Source:   fmt.Sprintf("ev-%d", i),
		}))
	}

	for i := 0; i < 20; i++ {
		ev, err := b.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("ev-%d", i), ev.Source)
	}
}

func TestEventBus_EnrichesIDAndTimestamp(t *testing.T) {
	b := newTestBus(t, 4)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, Event{Topic: TopicSystem, Kind: KindMissionUpdate, Priority: PriorityNormal}))
	ev, err := b.Get(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestEventBus_PublishBlocksWhenFull(t *testing.T) {
	b := newTestBus(t, 1)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, Event{Priority: PriorityNormal, Source: "first"}))

	published := make(chan struct{})
	go func() {
		defer close(published)
		_ = b.Publish(ctx, Event{Priority: PriorityNormal, Source: "second"})
	}()

	// The second publish must be blocked on the full queue.
	select {
	case <-published:
		t.Fatal("Publish returned while the queue was full")
	case <-time.After(100 * time.Millisecond):
	}

	// Draining one slot unblocks the producer.
	_, err := b.Get(ctx)
	require.NoError(t, err)

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Publish did not unblock after Get freed a slot")
	}
}

func TestEventBus_PublishHonorsContextCancel(t *testing.T) {
	b := newTestBus(t, 1)
	require.NoError(t, b.Publish(context.Background(), Event{Priority: PriorityNormal}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.Publish(ctx, Event{Priority: PriorityNormal})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventBus_GetHonorsContextCancel(t *testing.T) {
	b := newTestBus(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventBus_CloseUnblocksWaiters(t *testing.T) {
	b := newTestBus(t, 2)

	var wg sync.WaitGroup
	errs := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := b.Get(context.Background())
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	b.Close()
	wg.Wait()

	assert.ErrorIs(t, <-errs, ErrClosed)

	// Publishing after close fails immediately.
	assert.ErrorIs(t, b.Publish(context.Background(), Event{}), ErrClosed)
}

func TestEventBus_CloseDropsQueued(t *testing.T) {
	b := newTestBus(t, 8)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, Event{Priority: PriorityNormal}))
	}
	assert.Equal(t, 3, b.Len())

	b.Close()
	assert.Equal(t, 0, b.Len())
}
