package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusFansOutToAllSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	s1, err := bus.Subscribe(ctx, "ch")
	require.NoError(t, err)
	s2, err := bus.Subscribe(ctx, "ch")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, "other")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "ch", []byte("hello")))

	assert.Equal(t, []byte("hello"), recv(t, s1.C(), "s1"))
	assert.Equal(t, []byte("hello"), recv(t, s2.C(), "s2"))

	select {
	case p := <-other.C():
		t.Fatalf("unrelated channel received payload %q", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusCloseStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "ch")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "close is idempotent")

	_, ok := <-sub.C()
	assert.False(t, ok, "payload channel closes with the subscription")

	// Publishing after close must not panic or deliver.
	require.NoError(t, bus.Publish(ctx, "ch", []byte("late")))
}

func TestTypingSignalActiveWindow(t *testing.T) {
	now := time.Now().UTC()
	sig := TypingSignal{Typing: true, ExpiresAt: now.Add(time.Second), At: now}

	assert.True(t, sig.Active(now))
	assert.False(t, sig.Active(now.Add(2*time.Second)), "expired signal reads as not typing")
	assert.False(t, TypingSignal{Typing: false, ExpiresAt: now.Add(time.Second)}.Active(now))
}
