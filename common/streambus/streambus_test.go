package streambus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/agentfleet/common/logger"
)

func newTestBus() *MemoryBus {
	return NewMemoryBus(logger.New("error", "text"))
}

func TestMemoryBus_PublishSubscribeRoundTrip(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus()

	bus.Open("run-1")
	require.NoError(t, bus.Publish(ctx, "run-1", "n1", []byte("a")))
	require.NoError(t, bus.Publish(ctx, "run-1", "n2", []byte("b")))
	bus.CloseTopic("run-1")

	// A subscriber arriving after close still drains the buffered chunks.
	var got []string
	err := bus.Subscribe(ctx, "run-1", func(_ context.Context, key string, value []byte) error {
		got = append(got, key+":"+string(value))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1:a", "n2:b"}, got)
}

func TestMemoryBus_PublishToClosedTopicFails(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus()

	bus.Open("run-1")
	bus.CloseTopic("run-1")

	assert.Error(t, bus.Publish(ctx, "run-1", "n1", []byte("late")))
}

func TestMemoryBus_OpenReplacesClosedTopic(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus()

	bus.Open("run-1")
	bus.CloseTopic("run-1")

	// Reusing the same context_id for a second run gets a fresh channel.
	bus.Open("run-1")
	require.NoError(t, bus.Publish(ctx, "run-1", "n1", []byte("again")))
	bus.CloseTopic("run-1")

	var count int
	require.NoError(t, bus.Subscribe(ctx, "run-1", func(_ context.Context, _ string, _ []byte) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)
}

func TestMemoryBus_SubscribeEndsOnContextCancel(t *testing.T) {
	bus := newTestBus()
	bus.Open("run-1")

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(ctx, "run-1", func(_ context.Context, _ string, _ []byte) error {
			return nil
		})
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop on context cancel")
	}
}
