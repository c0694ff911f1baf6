package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroker_DeliversPerRun(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Publish(ctx, Event{Type: TypeRunStatus, RunID: "run-2", Version: 1}))
	require.NoError(t, b.Publish(ctx, Event{Type: TypeRunStatus, RunID: "run-1", Version: 2}))

	select {
	case e := <-ch:
		assert.Equal(t, "run-1", e.RunID)
		assert.Equal(t, int64(2), e.Version)
	case <-time.After(time.Second):
		t.Fatalf("expected an event")
	}
	assert.Len(t, b.Events(), 2)
}

func TestMemoryBroker_ContextCancelClosesChannel(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancelCtx := context.WithCancel(context.Background())

	ch, cancel, err := b.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	cancelCtx()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("expected channel to close")
	}
	cancel() // idempotent
	require.NoError(t, b.Publish(context.Background(), Event{RunID: "run-1"}))
}
